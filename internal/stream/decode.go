package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/geo-live/internal/service"
)

// ErrMalformed wraps every reason a push message is rejected.
var ErrMalformed = errors.New("malformed snapshot")

// wireView is initial_map_state as it travels. Older backends put the map
// title here; it is lifted out so it never reaches view comparison.
type wireView struct {
	_         struct{} `json:"-" additionalProperties:"true"`
	Longitude float64  `json:"longitude"`
	Latitude  float64  `json:"latitude" minimum:"-90" maximum:"90"`
	Zoom      float64  `json:"zoom" minimum:"0" maximum:"30"`
	Title     string   `json:"title,omitempty"`
}

type wireLayer struct {
	_       struct{} `json:"-" additionalProperties:"true"`
	Name    string   `json:"name" minLength:"1"`
	Hash    string   `json:"hash"`
	VMin    float64  `json:"vmin"`
	VMax    float64  `json:"vmax"`
	MinZoom int      `json:"min_zoom" minimum:"0" maximum:"30"`
	MaxZoom int      `json:"max_zoom" minimum:"0" maximum:"30"`
	Visible bool     `json:"visible"`
	Cmap    string   `json:"cmap,omitempty"`
}

type wireSnapshot struct {
	_               struct{}    `json:"-" additionalProperties:"true"`
	InitialMapState wireView    `json:"initial_map_state"`
	Layers          []wireLayer `json:"layers"`
	Title           string      `json:"title,omitempty"`
}

var (
	registry       = huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	snapshotSchema = huma.SchemaFromType(registry, reflect.TypeOf(wireSnapshot{}))
)

func init() {
	snapshotSchema.PrecomputeMessages()
	for _, s := range registry.Map() {
		s.PrecomputeMessages()
	}
}

// DecodeSnapshot parses one push message. The JSON is checked against the
// snapshot schema before it is bound, so a message of the wrong shape is an
// error rather than a half-filled snapshot.
func DecodeSnapshot(data []byte) (service.AppState, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return service.AppState{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	res := &huma.ValidateResult{}
	huma.Validate(registry, snapshotSchema, huma.NewPathBuffer([]byte(""), 0), huma.ModeWriteToServer, raw, res)
	if len(res.Errors) > 0 {
		msgs := make([]string, len(res.Errors))
		for i, e := range res.Errors {
			msgs[i] = e.Error()
		}
		return service.AppState{}, fmt.Errorf("%w: %s", ErrMalformed, strings.Join(msgs, "; "))
	}

	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return service.AppState{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	layers := make([]service.LayerDescriptor, len(w.Layers))
	seen := make(map[string]struct{}, len(w.Layers))
	for i, l := range w.Layers {
		if _, dup := seen[l.Name]; dup {
			return service.AppState{}, fmt.Errorf("%w: duplicate layer name %q", ErrMalformed, l.Name)
		}
		seen[l.Name] = struct{}{}
		layers[i] = service.LayerDescriptor{
			Name:    l.Name,
			Hash:    l.Hash,
			VMin:    l.VMin,
			VMax:    l.VMax,
			MinZoom: l.MinZoom,
			MaxZoom: l.MaxZoom,
			Visible: l.Visible,
			Cmap:    l.Cmap,
		}
	}

	title := w.Title
	if title == "" {
		title = w.InitialMapState.Title
	}
	return service.AppState{
		InitialView: service.ViewState{
			Longitude: w.InitialMapState.Longitude,
			Latitude:  w.InitialMapState.Latitude,
			Zoom:      w.InitialMapState.Zoom,
		},
		Layers: layers,
		Title:  title,
	}, nil
}
