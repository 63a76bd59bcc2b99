// Package export fetches the rendered tiles of one layer over an area and
// stores them as a PMTiles archive.
//
// Tiles come from the same endpoint the map surface uses, addressed by the
// layer descriptor (name, hash, display range), so an export is exactly what
// the viewer would have shown for that snapshot.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/geo-live/internal/pmtiles"
	"github.com/joeblew999/geo-live/internal/service"
)

// ErrStaleHash is returned when the tile endpoint reports that the layer was
// recomputed after the descriptor was taken.
var ErrStaleHash = errors.New("layer hash is stale")

// maxTiles bounds one export.
const maxTiles = 1 << 16

// Options configures one export.
type Options struct {
	Layer   service.LayerDescriptor
	Bound   orb.Bound
	MinZoom int
	MaxZoom int
	// Workers is the number of concurrent tile fetches.
	Workers int
}

// Stats describes a finished export.
type Stats struct {
	Requested int   `json:"requested"`
	Written   int   `json:"written"`
	Empty     int   `json:"empty"`
	Bytes     int64 `json:"bytes"`
}

// Exporter fetches tiles from a tile endpoint.
type Exporter struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

// New creates an Exporter for the tile endpoint under baseURL.
func New(baseURL string) *Exporter {
	return &Exporter{BaseURL: baseURL, Client: http.DefaultClient, Logger: slog.Default()}
}

// Export writes the archive to path.
func (e *Exporter) Export(ctx context.Context, opts Options, path string) (Stats, error) {
	f, err := os.Create(path)
	if err != nil {
		return Stats{}, err
	}
	stats, err := e.ExportTo(ctx, opts, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return stats, err
}

// ExportTo writes the archive to w.
func (e *Exporter) ExportTo(ctx context.Context, opts Options, w io.Writer) (Stats, error) {
	if opts.MinZoom > opts.MaxZoom {
		return Stats{}, fmt.Errorf("min zoom %d above max zoom %d", opts.MinZoom, opts.MaxZoom)
	}
	if opts.MinZoom < opts.Layer.MinZoom || opts.MaxZoom > opts.Layer.MaxZoom {
		e.Logger.Warn("export zoom range exceeds layer range",
			"layer", opts.Layer.Name, "min_zoom", opts.Layer.MinZoom, "max_zoom", opts.Layer.MaxZoom)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	var tiles []maptile.Tile
	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		tiles = append(tiles, tilesInBounds(opts.Bound, maptile.Zoom(z))...)
		if len(tiles) > maxTiles {
			return Stats{}, fmt.Errorf("export covers more than %d tiles", maxTiles)
		}
	}

	var (
		mu     sync.Mutex
		writer = pmtiles.NewWriter(pmtiles.Png, pmtiles.NoCompression)
		stats  = Stats{Requested: len(tiles)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, t := range tiles {
		g.Go(func() error {
			data, err := e.fetch(gctx, opts.Layer, t)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if len(data) == 0 {
				stats.Empty++
				return nil
			}
			writer.Add(uint8(t.Z), t.X, t.Y, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	stats.Written = writer.Len()
	if stats.Written == 0 {
		return stats, fmt.Errorf("no tiles returned for layer %q", opts.Layer.Name)
	}

	n, err := writer.WriteTo(w, pmtiles.Bounds{
		MinLon: opts.Bound.Min.Lon(), MinLat: opts.Bound.Min.Lat(),
		MaxLon: opts.Bound.Max.Lon(), MaxLat: opts.Bound.Max.Lat(),
	}, map[string]any{
		"name":    opts.Layer.Name,
		"format":  "png",
		"type":    "overlay",
		"hash":    opts.Layer.Hash,
		"vmin":    opts.Layer.VMin,
		"vmax":    opts.Layer.VMax,
		"minzoom": opts.MinZoom,
		"maxzoom": opts.MaxZoom,
	})
	stats.Bytes = n
	return stats, err
}

// fetch returns the image of one tile, or nil when the layer has nothing there.
func (e *Exporter) fetch(ctx context.Context, d service.LayerDescriptor, t maptile.Tile) ([]byte, error) {
	u := service.TileURL(e.BaseURL, d, t)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: layer %q, hash %q", ErrStaleHash, d.Name, d.Hash)
	default:
		return nil, fmt.Errorf("fetching tile %d/%d/%d: %s", t.Z, t.X, t.Y, resp.Status)
	}
}

// tilesInBounds returns all tiles at a zoom level that intersect a bounding box.
func tilesInBounds(bounds orb.Bound, zoom maptile.Zoom) []maptile.Tile {
	minTile := maptile.At(bounds.Min, zoom)
	maxTile := maptile.At(bounds.Max, zoom)

	// tile Y grows southwards, so the corners may come out swapped
	minX, maxX := minTile.X, maxTile.X
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := minTile.Y, maxTile.Y
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	last := uint32(1)<<zoom - 1
	maxX, maxY = min(maxX, last), min(maxY, last)

	var tiles []maptile.Tile
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			tiles = append(tiles, maptile.New(x, y, zoom))
		}
	}
	return tiles
}

// BoundFromGeoJSON returns the extent of all features in a GeoJSON file.
func BoundFromGeoJSON(path string) (orb.Bound, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("reading geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("parsing geojson: %w", err)
	}
	if len(fc.Features) == 0 {
		return orb.Bound{}, errors.New("geojson has no features")
	}
	b := fc.Features[0].Geometry.Bound()
	for _, f := range fc.Features[1:] {
		b = b.Union(f.Geometry.Bound())
	}
	return b, nil
}
