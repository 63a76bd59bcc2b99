package service

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// RenderLayer is a tile layer ready for the map surface.
type RenderLayer struct {
	ID          string          `json:"id" doc:"Layer key (the descriptor name)" example:"ndvi"`
	MinZoom     int             `json:"minZoom" doc:"Lowest zoom the layer renders at"`
	MaxZoom     int             `json:"maxZoom" doc:"Highest zoom the layer renders at"`
	Visible     bool            `json:"visible" doc:"Whether the layer is drawn"`
	URLTemplate string          `json:"urlTemplate" doc:"Tile URL with {z}/{x}/{y} placeholders"`
	Descriptor  LayerDescriptor `json:"descriptor" doc:"Descriptor the layer was built from"`

	base string
}

// BuildLayers turns a layer list into the exact set of render layers, in the
// same order. It is a full replace: nothing carries over from earlier calls.
func BuildLayers(base string, descs []LayerDescriptor) []RenderLayer {
	layers := make([]RenderLayer, len(descs))
	for i, d := range descs {
		layers[i] = RenderLayer{
			ID:          d.Name,
			MinZoom:     d.MinZoom,
			MaxZoom:     d.MaxZoom,
			Visible:     d.Visible,
			URLTemplate: TileURLTemplate(base, d),
			Descriptor:  d,
			base:        base,
		}
	}
	return layers
}

// Covers reports whether the layer renders at zoom z.
func (l RenderLayer) Covers(z int) bool {
	return z >= l.MinZoom && z <= l.MaxZoom
}

// TileURL returns the image source of one tile of the layer.
func (l RenderLayer) TileURL(t maptile.Tile) string {
	return TileURL(l.base, l.Descriptor, t)
}

// Placement returns where the image of tile t is drawn.
func (l RenderLayer) Placement(t maptile.Tile) orb.Bound {
	return TileBounds(t)
}

// Descriptors returns the descriptors the layers were built from.
func Descriptors(layers []RenderLayer) []LayerDescriptor {
	descs := make([]LayerDescriptor, len(layers))
	for i, l := range layers {
		descs[i] = l.Descriptor
	}
	return descs
}

// MergeEdits carries local display edits over to an incoming layer list.
//
// A layer keeps its local visibility and range when the server-sent values
// for it did not change since prevServer, even if its hash did. Every other
// layer takes the incoming values. The result is a new slice.
func MergeEdits(prevServer, local, incoming []LayerDescriptor) []LayerDescriptor {
	prevByName := make(map[string]LayerDescriptor, len(prevServer))
	for _, d := range prevServer {
		prevByName[d.Name] = d
	}
	localByName := make(map[string]LayerDescriptor, len(local))
	for _, d := range local {
		localByName[d.Name] = d
	}

	merged := make([]LayerDescriptor, len(incoming))
	for i, d := range incoming {
		merged[i] = d
		prev, ok := prevByName[d.Name]
		if !ok || !sameDisplay(prev, d) {
			continue
		}
		if l, ok := localByName[d.Name]; ok {
			merged[i].Visible = l.Visible
			merged[i].VMin = l.VMin
			merged[i].VMax = l.VMax
		}
	}
	return merged
}

func sameDisplay(a, b LayerDescriptor) bool {
	return a.Visible == b.Visible && a.VMin == b.VMin && a.VMax == b.VMax
}
