// Package service contains the live state-reconciliation and layer-lifecycle
// engine of the viewer.
package service

// ViewState is a camera pose as declared by the computation backend.
type ViewState struct {
	Longitude float64 `json:"longitude" doc:"Camera center longitude" example:"-122.4"`
	Latitude  float64 `json:"latitude" minimum:"-90" maximum:"90" doc:"Camera center latitude" example:"37.8"`
	Zoom      float64 `json:"zoom" minimum:"0" maximum:"30" doc:"Zoom level" example:"8"`
}

// Camera is the displayed camera. It carries the user-only fields the map
// surface reports (pitch, bearing) on top of the declared pose.
type Camera struct {
	Longitude float64 `json:"longitude" doc:"Camera center longitude" example:"-122.4"`
	Latitude  float64 `json:"latitude" minimum:"-90" maximum:"90" doc:"Camera center latitude" example:"37.8"`
	Zoom      float64 `json:"zoom" minimum:"0" maximum:"30" doc:"Zoom level" example:"8"`
	Pitch     float64 `json:"pitch,omitempty" minimum:"0" maximum:"85" doc:"Camera pitch in degrees"`
	Bearing   float64 `json:"bearing,omitempty" doc:"Camera bearing in degrees"`
}

// CameraFrom builds a displayed camera for a declared pose.
func CameraFrom(v ViewState) Camera {
	return Camera{Longitude: v.Longitude, Latitude: v.Latitude, Zoom: v.Zoom}
}

// LayerDescriptor is one named, content-addressed layer of a snapshot.
//
// Hash changes whenever the computation behind the layer changes; it only
// exists to invalidate cached tile images. VMin/VMax are display-only.
type LayerDescriptor struct {
	Name    string  `json:"name" minLength:"1" doc:"Layer name, unique within a snapshot" example:"ndvi"`
	Hash    string  `json:"hash" doc:"Content fingerprint of the layer computation" example:"a1b2c3"`
	VMin    float64 `json:"vmin" doc:"Lower bound of the display range" example:"0"`
	VMax    float64 `json:"vmax" doc:"Upper bound of the display range" example:"6000"`
	MinZoom int     `json:"min_zoom" minimum:"0" maximum:"30" doc:"Lowest zoom the layer renders at" example:"6"`
	MaxZoom int     `json:"max_zoom" minimum:"0" maximum:"30" doc:"Highest zoom the layer renders at" example:"16"`
	Visible bool    `json:"visible" doc:"Whether the layer is drawn" example:"true"`
	Cmap    string  `json:"cmap,omitempty" doc:"Optional colormap name passed to the tile endpoint" example:"viridis"`
}

// AppState is one authoritative snapshot pushed by the backend.
// Layers is the complete layer set, never a diff.
type AppState struct {
	InitialView ViewState         `json:"initial_map_state" doc:"Declared initial camera"`
	Layers      []LayerDescriptor `json:"layers" doc:"Complete, ordered layer set"`
	Title       string            `json:"title,omitempty" doc:"Optional title of the map"`
}

// PanelEntry is a layer as listed in the control panel.
type PanelEntry struct {
	Index int             `json:"index" doc:"Index in the canonical layer list"`
	Layer LayerDescriptor `json:"layer" doc:"Layer descriptor"`
}
