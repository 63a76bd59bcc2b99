package service

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// TileURL returns the image URL of one tile of a layer:
//
//	{base}/tiles/{name}/{z}/{x}/{y}.png?vmin={vmin}&vmax={vmax}&hash={hash}
//
// The same inputs always give the same string. The hash is part of the URL so
// that a recomputed layer is fetched fresh while an unchanged one hits the
// HTTP cache.
func TileURL(base string, d LayerDescriptor, t maptile.Tile) string {
	return tileURL(base, d,
		strconv.FormatUint(uint64(t.Z), 10),
		strconv.FormatUint(uint64(t.X), 10),
		strconv.FormatUint(uint64(t.Y), 10),
	)
}

// TileURLTemplate returns the tile URL of a layer with literal {z}, {x} and
// {y} placeholders, the form browser tile layers expect.
func TileURLTemplate(base string, d LayerDescriptor) string {
	return tileURL(base, d, "{z}", "{x}", "{y}")
}

func tileURL(base string, d LayerDescriptor, z, x, y string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(base, "/"))
	b.WriteString("/tiles/")
	b.WriteString(url.PathEscape(d.Name))
	b.WriteString("/" + z + "/" + x + "/" + y + ".png")
	b.WriteString("?vmin=" + formatFloat(d.VMin))
	b.WriteString("&vmax=" + formatFloat(d.VMax))
	b.WriteString("&hash=" + url.QueryEscape(d.Hash))
	if d.Cmap != "" {
		b.WriteString("&cmap=" + url.QueryEscape(d.Cmap))
	}
	return b.String()
}

// formatFloat writes the shortest decimal form, never an exponent.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// TileBounds returns the geographic box a tile image is stretched onto.
func TileBounds(t maptile.Tile) orb.Bound {
	return t.Bound()
}
