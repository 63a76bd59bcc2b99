package service

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrEngineStopped is returned by engine calls made after Run has returned.
var ErrEngineStopped = errors.New("engine stopped")

// Recorder receives every applied snapshot. Record is called from the event
// loop and must not block.
type Recorder interface {
	Record(rec SnapshotRecord)
}

// SnapshotRecord is what the engine hands to a Recorder.
type SnapshotRecord struct {
	Seq        int64
	ReceivedAt time.Time
	State      AppState
	Adopted    bool // the declared view moved the camera
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// TileBase is prefixed to every tile URL ("" keeps URLs relative).
	TileBase string
	// Initial is the displayed camera before any snapshot arrives.
	Initial Camera
	// PreserveEdits keeps local display edits across snapshots that leave
	// the server-sent display values of a layer unchanged.
	PreserveEdits bool
	Bus           *EventBus
	Recorder      Recorder
	Logger        *slog.Logger
	Now           func() time.Time
}

// ViewModel is a consistent copy of everything the map surface and the
// control panel render.
type ViewModel struct {
	Title    string        `json:"title,omitempty" doc:"Map title from the last snapshot"`
	Camera   Camera        `json:"camera" doc:"Displayed camera"`
	Baseline ViewState     `json:"baseline" doc:"Last server view adopted"`
	Layers   []RenderLayer `json:"layers" doc:"Render layers in canonical order"`
	Panel    []PanelEntry  `json:"panel" doc:"Layers in control panel order"`
	Status   Status        `json:"status" doc:"Push channel status"`
}

// Engine runs every state transition of the viewer on one event loop:
// snapshots, transport errors, camera events and control panel edits are
// applied one at a time, so the state it owns needs no locking.
type Engine struct {
	cfg     EngineConfig
	logger  *slog.Logger
	events  chan func()
	stopped chan struct{}

	// owned by the loop
	reconciler *ViewReconciler
	server     []LayerDescriptor // layers as last sent by the backend
	local      []LayerDescriptor // layers as currently displayed
	layers     []RenderLayer
	title      string
	status     Status
	seq        int64
}

// NewEngine creates an engine. Call Run to start its loop.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Bus == nil {
		cfg.Bus = NewEventBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		logger:     cfg.Logger,
		events:     make(chan func()),
		stopped:    make(chan struct{}),
		reconciler: NewViewReconciler(cfg.Initial),
		layers:     []RenderLayer{},
		status:     Status{State: StateLoading},
	}
}

// Bus returns the bus the engine publishes change events on.
func (e *Engine) Bus() *EventBus {
	return e.cfg.Bus
}

// Run processes events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.events:
			fn()
		}
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.events <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a copy of the current view model.
func (e *Engine) State(ctx context.Context) (ViewModel, error) {
	var vm ViewModel
	err := e.do(ctx, func() {
		vm = ViewModel{
			Title:    e.title,
			Camera:   e.reconciler.Displayed(),
			Baseline: e.reconciler.Baseline(),
			Layers:   e.layers,
			Panel:    PanelOrder(e.local),
			Status:   e.status,
		}
	})
	return vm, err
}

// Snapshot applies a decoded snapshot. The layer list is replaced
// wholesale; the camera only moves if the declared view changed.
func (e *Engine) Snapshot(s AppState) {
	e.submit(func() { e.applySnapshot(s) })
}

// DecodeFailed records a push message that was skipped.
func (e *Engine) DecodeFailed(err error) {
	e.submit(func() {
		e.status.Skipped++
		e.status.LastDecodeError = err.Error()
		e.logger.Warn("skipped push message", "error", err)
		e.publish(ResourceStatus, ActionChanged, -1)
	})
}

// Disconnected records a transport error. The last state stays in place.
func (e *Engine) Disconnected(err error, attempt int, next time.Time) {
	e.submit(func() {
		e.status.State = StateDisconnected
		e.status.Error = err.Error()
		e.status.Attempt = attempt
		e.status.NextRetry = &next
		e.publish(ResourceStatus, ActionChanged, -1)
	})
}

// GaveUp records that the push channel will not reconnect again.
func (e *Engine) GaveUp(err error) {
	e.submit(func() {
		e.status.State = StateFailed
		e.status.Error = err.Error()
		e.status.NextRetry = nil
		e.logger.Error("push channel gave up", "error", err, "attempts", e.status.Attempt)
		e.publish(ResourceStatus, ActionChanged, -1)
	})
}

// Pan records a camera change made by the user on the map surface.
func (e *Engine) Pan(ctx context.Context, c Camera) error {
	return e.do(ctx, func() {
		e.reconciler.Pan(c)
		e.publish(ResourceView, ActionPan, -1)
	})
}

// SetVisible shows or hides layer i.
func (e *Engine) SetVisible(ctx context.Context, i int, visible bool) error {
	return e.editLayers(ctx, i, func(l []LayerDescriptor) ([]LayerDescriptor, error) {
		return SetVisible(l, i, visible)
	})
}

// ToggleVisible flips the visibility of layer i.
func (e *Engine) ToggleVisible(ctx context.Context, i int) error {
	return e.editLayers(ctx, i, func(l []LayerDescriptor) ([]LayerDescriptor, error) {
		return ToggleVisible(l, i)
	})
}

// SetRange replaces the display range of layer i.
func (e *Engine) SetRange(ctx context.Context, i int, vmin, vmax float64) error {
	return e.editLayers(ctx, i, func(l []LayerDescriptor) ([]LayerDescriptor, error) {
		return SetRange(l, i, vmin, vmax)
	})
}

func (e *Engine) editLayers(ctx context.Context, i int, fn func([]LayerDescriptor) ([]LayerDescriptor, error)) error {
	var editErr error
	err := e.do(ctx, func() {
		next, err := fn(e.local)
		if err != nil {
			editErr = err
			return
		}
		e.setLayers(next)
		e.publish(ResourceLayers, ActionEdit, i)
	})
	if err != nil {
		return err
	}
	return editErr
}

// submit hands fn to the loop without a caller context. Events arriving
// after the loop stopped are dropped.
func (e *Engine) submit(fn func()) {
	select {
	case e.events <- fn:
	case <-e.stopped:
	}
}

func (e *Engine) applySnapshot(s AppState) {
	now := e.cfg.Now()
	incoming := append([]LayerDescriptor(nil), s.Layers...)

	adopted := e.reconciler.Observe(s.InitialView)
	next := incoming
	if e.cfg.PreserveEdits {
		next = MergeEdits(e.server, e.local, incoming)
	}
	e.server = incoming
	e.setLayers(next)
	e.title = s.Title

	e.seq++
	e.status.State = StateConnected
	e.status.Error = ""
	e.status.Attempt = 0
	e.status.NextRetry = nil
	e.status.Snapshots++
	e.status.LastSnapshot = &now

	e.logger.Debug("applied snapshot", "seq", e.seq, "layers", len(incoming), "view_adopted", adopted)

	if e.cfg.Recorder != nil {
		e.cfg.Recorder.Record(SnapshotRecord{Seq: e.seq, ReceivedAt: now, State: s, Adopted: adopted})
	}

	e.publish(ResourceLayers, ActionSnapshot, -1)
	if adopted {
		e.publish(ResourceView, ActionSnapshot, -1)
	}
	e.publish(ResourceStatus, ActionChanged, -1)
}

func (e *Engine) setLayers(descs []LayerDescriptor) {
	e.local = descs
	e.layers = BuildLayers(e.cfg.TileBase, descs)
}

func (e *Engine) publish(resource, action string, index int) {
	e.cfg.Bus.Publish(Event{Resource: resource, Action: action, Index: index})
}
