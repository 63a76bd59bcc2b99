// Package panel contains the Datastar SSE handlers of the control panel.
//
// Every fragment is rendered from a fresh engine view model, so a patch
// always shows one consistent state no matter which event triggered it.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/geo-live/internal/humastar"
	"github.com/joeblew999/geo-live/internal/service"
	"github.com/joeblew999/geo-live/internal/templates"
)

// Handler serves the control panel.
type Handler struct {
	humastar.Handler
	engine *service.Engine
	logger *slog.Logger
}

// New creates a panel handler.
func New(engine *service.Engine, renderer *templates.Renderer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Handler: humastar.Handler{Renderer: renderer},
		engine:  engine,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/panel/events", h.Events, huma.OperationTags("panel"))
	huma.Post(api, "/api/v1/panel/layers/{index}/toggle", h.Toggle, huma.OperationTags("panel"))
	huma.Post(api, "/api/v1/panel/layers/{index}/range", h.Range, huma.OperationTags("panel"))
	huma.Post(api, "/api/v1/panel/view", h.View, huma.OperationTags("panel"))
}

// Events streams the panel until the client goes away. The first patch
// carries the full state; after that each bus event re-renders the part of
// the panel it names, or all of it when the bus dropped events for us.
func (h *Handler) Events(ctx context.Context, input *humastar.EmptyInput) (*huma.StreamResponse, error) {
	return h.Stream(func(sse humastar.SSE) {
		bus := h.engine.Bus()
		ch := bus.Subscribe()
		defer bus.Unsubscribe(ch)

		vm, err := h.engine.State(ctx)
		if err != nil {
			sse.Error(err.Error())
			return
		}
		if err := h.patchAll(sse, vm); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				vm, err := h.engine.State(ctx)
				if err != nil {
					return
				}
				if err := h.patchEvent(sse, vm, ev); err != nil {
					h.logger.Debug("panel stream closed", "error", err)
					return
				}
			}
		}
	}), nil
}

func (h *Handler) patchAll(sse humastar.SSE, vm service.ViewModel) error {
	if err := sse.Patch(h.renderLayers(vm), "#layer-list"); err != nil {
		return err
	}
	if err := sse.Patch(h.renderStatus(vm.Status), "#status"); err != nil {
		return err
	}
	return sse.Signals(viewSignals(vm))
}

func (h *Handler) patchEvent(sse humastar.SSE, vm service.ViewModel, ev service.Event) error {
	var err error
	if ev.Missed {
		err = h.patchAll(sse, vm)
	} else {
		err = h.patchResource(sse, vm, ev.Resource)
	}
	if err != nil {
		return err
	}
	return sse.DispatchCustomEvent("view-model-changed", map[string]any{
		"resource": ev.Resource,
		"action":   ev.Action,
		"index":    ev.Index,
		"missed":   ev.Missed,
	})
}

func (h *Handler) patchResource(sse humastar.SSE, vm service.ViewModel, resource string) error {
	switch resource {
	case service.ResourceLayers:
		return sse.Patch(h.renderLayers(vm), "#layer-list")
	case service.ResourceStatus:
		return sse.Patch(h.renderStatus(vm.Status), "#status")
	case service.ResourceView:
		return sse.Signals(viewSignals(vm))
	}
	return nil
}

// IndexInput addresses one layer by its canonical index.
type IndexInput struct {
	Index int `path:"index" minimum:"0" doc:"Canonical layer index" example:"0"`
}

// Toggle flips the visibility of one layer.
func (h *Handler) Toggle(ctx context.Context, input *IndexInput) (*huma.StreamResponse, error) {
	if err := h.engine.ToggleVisible(ctx, input.Index); err != nil {
		return nil, editError(err)
	}
	return h.layersPatch(ctx), nil
}

// RangeInput carries the vmin{index}/vmax{index} signals of one layer card.
type RangeInput struct {
	IndexInput
	humastar.SignalsInput
}

// Range applies the display range typed into a layer card.
func (h *Handler) Range(ctx context.Context, input *RangeInput) (*huma.StreamResponse, error) {
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	minKey := fmt.Sprintf("vmin%d", input.Index)
	maxKey := fmt.Sprintf("vmax%d", input.Index)
	if !signals.Has(minKey) || !signals.Has(maxKey) {
		return nil, huma.Error400BadRequest(fmt.Sprintf("signals %s and %s are required", minKey, maxKey))
	}
	vmin, vmax := signals.Float(minKey), signals.Float(maxKey)
	if vmin > vmax {
		return nil, huma.Error422UnprocessableEntity("vmin must not exceed vmax")
	}

	if err := h.engine.SetRange(ctx, input.Index, vmin, vmax); err != nil {
		return nil, editError(err)
	}
	return h.layersPatch(ctx), nil
}

// View records a camera change reported by the map surface.
func (h *Handler) View(ctx context.Context, input *humastar.SignalsInput) (*huma.StreamResponse, error) {
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"longitude", "latitude", "zoom"} {
		if !signals.Has(key) {
			return nil, huma.Error400BadRequest("signal " + key + " is required")
		}
	}
	c := service.Camera{
		Longitude: signals.Float("longitude"),
		Latitude:  signals.Float("latitude"),
		Zoom:      signals.Float("zoom"),
		Pitch:     signals.Float("pitch"),
		Bearing:   signals.Float("bearing"),
	}
	if err := h.engine.Pan(ctx, c); err != nil {
		return nil, huma.Error503ServiceUnavailable("engine not running", err)
	}
	return h.Stream(func(sse humastar.SSE) {}), nil
}

func (h *Handler) layersPatch(ctx context.Context) *huma.StreamResponse {
	return h.Stream(func(sse humastar.SSE) {
		vm, err := h.engine.State(ctx)
		if err != nil {
			sse.Error(err.Error())
			return
		}
		sse.Patch(h.renderLayers(vm), "#layer-list")
	})
}

func (h *Handler) renderLayers(vm service.ViewModel) string {
	items := make([]any, len(vm.Panel))
	for i, e := range vm.Panel {
		items[i] = e
	}
	return h.RenderList("layer-card", items, "No layers", "The backend has not sent any layers yet")
}

func (h *Handler) renderStatus(s service.Status) string {
	html, err := h.Renderer.Render("status-banner", s)
	if err != nil {
		h.logger.Error("rendering status banner", "error", err)
		return ""
	}
	return html
}

func viewSignals(vm service.ViewModel) map[string]any {
	return map[string]any{
		"title":     vm.Title,
		"longitude": vm.Camera.Longitude,
		"latitude":  vm.Camera.Latitude,
		"zoom":      vm.Camera.Zoom,
		"pitch":     vm.Camera.Pitch,
		"bearing":   vm.Camera.Bearing,
		"stale":     vm.Status.Stale(),
	}
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
