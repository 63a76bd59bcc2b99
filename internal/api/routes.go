// Package api defines the Huma API routes and handlers.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb/maptile"

	"github.com/joeblew999/geo-live/internal/db"
	"github.com/joeblew999/geo-live/internal/service"
)

// Version is reported by /health and /api/v1/info.
const Version = "0.1.0"

// Services holds the service dependencies for API handlers.
type Services struct {
	Engine  *service.Engine
	Journal *db.Journal
}

// RegisterRoutes registers every REST route on api.
func RegisterRoutes(api huma.API, svc *Services) {
	huma.AutoRegister(api, NewAPIHandler(svc))
}

// Types

type IndexInput struct {
	Index int `path:"index" minimum:"0" doc:"Canonical layer index" example:"0"`
}

type TileInput struct {
	IndexInput
	Z int `path:"z" minimum:"0" maximum:"30" doc:"Zoom level"`
	X int `path:"x" minimum:"0" doc:"Tile column"`
	Y int `path:"y" minimum:"0" doc:"Tile row"`
}

type TileBody struct {
	URL     string  `json:"url" doc:"Image source of the tile"`
	Covered bool    `json:"covered" doc:"Whether the layer renders at this zoom"`
	West    float64 `json:"west" doc:"Western edge of the image placement"`
	South   float64 `json:"south" doc:"Southern edge of the image placement"`
	East    float64 `json:"east" doc:"Eastern edge of the image placement"`
	North   float64 `json:"north" doc:"Northern edge of the image placement"`
}

type VisibilityBody struct {
	Visible bool `json:"visible" doc:"Whether the layer is drawn"`
}

type RangeBody struct {
	VMin float64 `json:"vmin" doc:"Lower bound of the display range"`
	VMax float64 `json:"vmax" doc:"Upper bound of the display range"`
}

type LayerOutput struct {
	Body service.RenderLayer
}

type LayersOutput struct {
	Body []service.RenderLayer
}

type StateOutput struct {
	Body service.ViewModel
}

type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"0.1.0"`
	Stream  string `json:"stream" enum:"loading,connected,disconnected,failed" doc:"Push channel state"`
}

// APIHandler holds all REST API handlers. Methods named Register* are
// auto-discovered by huma.AutoRegister.
type APIHandler struct {
	svc *Services
}

func NewAPIHandler(svc *Services) *APIHandler {
	return &APIHandler{svc: svc}
}

// RegisterHealth registers health check routes.
func (h *APIHandler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterState registers the view model route.
func (h *APIHandler) RegisterState(api huma.API) {
	huma.Get(api, "/api/v1/state", h.GetState, huma.OperationTags("state"))
}

// RegisterLayers registers layer routes.
func (h *APIHandler) RegisterLayers(api huma.API) {
	huma.Get(api, "/api/v1/layers", h.GetLayers, huma.OperationTags("layers"))
	huma.Get(api, "/api/v1/layers/{index}/tiles/{z}/{x}/{y}", h.GetTile, huma.OperationTags("layers"))
	huma.Patch(api, "/api/v1/layers/{index}/visibility", h.PatchVisibility, huma.OperationTags("layers"))
	huma.Patch(api, "/api/v1/layers/{index}/range", h.PatchRange, huma.OperationTags("layers"))
}

// RegisterView registers camera routes.
func (h *APIHandler) RegisterView(api huma.API) {
	huma.Put(api, "/api/v1/view", h.PutView, huma.OperationTags("view"))
}

// Handlers

func (h *APIHandler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	vm, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: Version, Stream: vm.Status.State}}, nil
}

func (h *APIHandler) GetState(ctx context.Context, input *struct{}) (*StateOutput, error) {
	vm, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	return &StateOutput{Body: vm}, nil
}

func (h *APIHandler) GetLayers(ctx context.Context, input *struct{}) (*LayersOutput, error) {
	vm, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	return &LayersOutput{Body: vm.Layers}, nil
}

func (h *APIHandler) GetTile(ctx context.Context, input *TileInput) (*struct{ Body TileBody }, error) {
	if last := 1<<input.Z - 1; input.X > last || input.Y > last {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("tile %d/%d/%d does not exist", input.Z, input.X, input.Y))
	}
	vm, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	if input.Index >= len(vm.Layers) {
		return nil, huma.Error404NotFound(fmt.Sprintf("layer %d not found", input.Index))
	}

	layer := vm.Layers[input.Index]
	t := maptile.New(uint32(input.X), uint32(input.Y), maptile.Zoom(input.Z))
	b := layer.Placement(t)
	return &struct{ Body TileBody }{Body: TileBody{
		URL:     layer.TileURL(t),
		Covered: layer.Covers(input.Z),
		West:    b.Min.Lon(),
		South:   b.Min.Lat(),
		East:    b.Max.Lon(),
		North:   b.Max.Lat(),
	}}, nil
}

func (h *APIHandler) PatchVisibility(ctx context.Context, input *struct {
	IndexInput
	Body VisibilityBody
}) (*LayerOutput, error) {
	if err := h.svc.Engine.SetVisible(ctx, input.Index, input.Body.Visible); err != nil {
		return nil, editError(err)
	}
	return h.layer(ctx, input.Index)
}

func (h *APIHandler) PatchRange(ctx context.Context, input *struct {
	IndexInput
	Body RangeBody
}) (*LayerOutput, error) {
	if input.Body.VMin > input.Body.VMax {
		return nil, huma.Error422UnprocessableEntity("vmin must not exceed vmax")
	}
	if err := h.svc.Engine.SetRange(ctx, input.Index, input.Body.VMin, input.Body.VMax); err != nil {
		return nil, editError(err)
	}
	return h.layer(ctx, input.Index)
}

func (h *APIHandler) PutView(ctx context.Context, input *struct{ Body service.Camera }) (*StateOutput, error) {
	if err := h.svc.Engine.Pan(ctx, input.Body); err != nil {
		return nil, editError(err)
	}
	return h.GetState(ctx, nil)
}

func (h *APIHandler) state(ctx context.Context) (service.ViewModel, error) {
	if h.svc == nil || h.svc.Engine == nil {
		return service.ViewModel{}, huma.Error503ServiceUnavailable("engine not available")
	}
	vm, err := h.svc.Engine.State(ctx)
	if err != nil {
		return vm, huma.Error503ServiceUnavailable("engine not running", err)
	}
	return vm, nil
}

func (h *APIHandler) layer(ctx context.Context, i int) (*LayerOutput, error) {
	vm, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	if i >= len(vm.Layers) {
		// replaced by a snapshot between the edit and this read
		return nil, huma.Error404NotFound(fmt.Sprintf("layer %d not found", i))
	}
	return &LayerOutput{Body: vm.Layers[i]}, nil
}

func editError(err error) error {
	switch {
	case errors.Is(err, service.ErrLayerIndex):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, service.ErrEngineStopped), errors.Is(err, context.Canceled):
		return huma.Error503ServiceUnavailable("engine not running", err)
	default:
		return huma.Error500InternalServerError("edit failed", err)
	}
}
