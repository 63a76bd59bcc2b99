package service

import (
	"errors"
	"fmt"
)

// ErrLayerIndex is returned when an edit names a layer that does not exist.
var ErrLayerIndex = errors.New("layer index out of range")

// SetVisible returns a copy of layers with layer i shown or hidden.
// The input slice is left untouched.
func SetVisible(layers []LayerDescriptor, i int, visible bool) ([]LayerDescriptor, error) {
	return edit(layers, i, func(d *LayerDescriptor) { d.Visible = visible })
}

// ToggleVisible returns a copy of layers with the visibility of layer i flipped.
func ToggleVisible(layers []LayerDescriptor, i int) ([]LayerDescriptor, error) {
	return edit(layers, i, func(d *LayerDescriptor) { d.Visible = !d.Visible })
}

// SetRange returns a copy of layers with the display range of layer i replaced.
func SetRange(layers []LayerDescriptor, i int, vmin, vmax float64) ([]LayerDescriptor, error) {
	return edit(layers, i, func(d *LayerDescriptor) {
		d.VMin = vmin
		d.VMax = vmax
	})
}

func edit(layers []LayerDescriptor, i int, fn func(*LayerDescriptor)) ([]LayerDescriptor, error) {
	if i < 0 || i >= len(layers) {
		return nil, fmt.Errorf("%w: %d of %d", ErrLayerIndex, i, len(layers))
	}
	out := make([]LayerDescriptor, len(layers))
	copy(out, layers)
	fn(&out[i])
	return out, nil
}

// PanelOrder lists layers the way the control panel shows them: most recently
// listed layer first. Canonical indexes are kept so edits go to the right
// element.
func PanelOrder(layers []LayerDescriptor) []PanelEntry {
	entries := make([]PanelEntry, 0, len(layers))
	for i := len(layers) - 1; i >= 0; i-- {
		entries = append(entries, PanelEntry{Index: i, Layer: layers[i]})
	}
	return entries
}
