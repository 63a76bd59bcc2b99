package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	mu   sync.Mutex
	recs []SnapshotRecord
}

func (r *recorder) Record(rec SnapshotRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) all() []SnapshotRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SnapshotRecord(nil), r.recs...)
}

func startEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	e := NewEngine(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func state(t *testing.T, e *Engine) ViewModel {
	t.Helper()
	vm, err := e.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return vm
}

func snapshot(view ViewState, hash string) AppState {
	return AppState{
		InitialView: view,
		Layers: []LayerDescriptor{
			{Name: "a", Hash: hash, VMin: 0, VMax: 100, Visible: true, MinZoom: 0, MaxZoom: 12},
		},
	}
}

func TestEnginePanSurvivesUnchangedSnapshot(t *testing.T) {
	e := startEngine(t, EngineConfig{})
	ctx := context.Background()

	e.Snapshot(snapshot(ViewState{Longitude: 0, Latitude: 0, Zoom: 5}, "h1"))
	if err := e.Pan(ctx, Camera{Longitude: 10, Latitude: 10, Zoom: 8}); err != nil {
		t.Fatal(err)
	}
	e.Snapshot(snapshot(ViewState{Longitude: 0, Latitude: 0, Zoom: 5}, "h2"))

	vm := state(t, e)
	if want := (Camera{Longitude: 10, Latitude: 10, Zoom: 8}); vm.Camera != want {
		t.Fatalf("camera=%+v, want %+v", vm.Camera, want)
	}
	if len(vm.Layers) != 1 || vm.Layers[0].Descriptor.Hash != "h2" {
		t.Fatalf("layers=%+v, want layer a with hash h2", vm.Layers)
	}
	if want := "/tiles/a/{z}/{x}/{y}.png?vmin=0&vmax=100&hash=h2"; vm.Layers[0].URLTemplate != want {
		t.Fatalf("template=%q, want %q", vm.Layers[0].URLTemplate, want)
	}

	// reconfiguration snaps the camera back
	e.Snapshot(snapshot(ViewState{Longitude: 20, Latitude: 20, Zoom: 6}, "h2"))
	vm = state(t, e)
	if want := (Camera{Longitude: 20, Latitude: 20, Zoom: 6}); vm.Camera != want {
		t.Fatalf("camera=%+v, want %+v", vm.Camera, want)
	}
	if want := (ViewState{Longitude: 20, Latitude: 20, Zoom: 6}); vm.Baseline != want {
		t.Fatalf("baseline=%+v, want %+v", vm.Baseline, want)
	}
}

func TestEngineSnapshotDiscardsEdits(t *testing.T) {
	e := startEngine(t, EngineConfig{})
	ctx := context.Background()

	e.Snapshot(snapshot(ViewState{Zoom: 5}, "h1"))
	if err := e.SetRange(ctx, 0, 5, 50); err != nil {
		t.Fatal(err)
	}
	if err := e.ToggleVisible(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if d := state(t, e).Layers[0].Descriptor; d.VMin != 5 || d.VMax != 50 || d.Visible {
		t.Fatalf("edited layer=%+v", d)
	}

	next := snapshot(ViewState{Zoom: 5}, "h1")
	e.Snapshot(next)
	if diff := cmp.Diff(next.Layers, Descriptors(state(t, e).Layers)); diff != "" {
		t.Fatalf("layers after snapshot (-want +got):\n%s", diff)
	}
}

func TestEnginePreserveEdits(t *testing.T) {
	e := startEngine(t, EngineConfig{PreserveEdits: true})
	ctx := context.Background()

	e.Snapshot(snapshot(ViewState{Zoom: 5}, "h1"))
	if err := e.SetRange(ctx, 0, 5, 50); err != nil {
		t.Fatal(err)
	}
	e.Snapshot(snapshot(ViewState{Zoom: 5}, "h2"))

	d := state(t, e).Layers[0].Descriptor
	if d.Hash != "h2" || d.VMin != 5 || d.VMax != 50 {
		t.Fatalf("layer=%+v, want hash h2 with range [5, 50]", d)
	}
}

func TestEngineEditErrors(t *testing.T) {
	e := startEngine(t, EngineConfig{})
	if err := e.SetVisible(context.Background(), 0, true); !errors.Is(err, ErrLayerIndex) {
		t.Fatalf("err=%v, want ErrLayerIndex", err)
	}
}

func TestEngineStatus(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := startEngine(t, EngineConfig{Now: func() time.Time { return now }})

	if s := state(t, e).Status; s.State != StateLoading {
		t.Fatalf("state=%q, want %q", s.State, StateLoading)
	}

	e.DecodeFailed(errors.New("bad json"))
	s := state(t, e).Status
	if s.State != StateLoading || s.Skipped != 1 || s.LastDecodeError != "bad json" {
		t.Fatalf("status after decode error=%+v", s)
	}

	next := now.Add(3 * time.Second)
	e.Disconnected(errors.New("connection refused"), 1, next)
	s = state(t, e).Status
	if s.State != StateDisconnected || s.Attempt != 1 || s.NextRetry == nil || !s.NextRetry.Equal(next) || !s.Stale() {
		t.Fatalf("status after disconnect=%+v", s)
	}

	e.Snapshot(snapshot(ViewState{Zoom: 5}, "h1"))
	s = state(t, e).Status
	if s.State != StateConnected || s.Error != "" || s.Attempt != 0 || s.NextRetry != nil || s.Snapshots != 1 {
		t.Fatalf("status after snapshot=%+v", s)
	}
	if s.LastSnapshot == nil || !s.LastSnapshot.Equal(now) {
		t.Fatalf("last snapshot=%v, want %v", s.LastSnapshot, now)
	}

	e.GaveUp(errors.New("too many attempts"))
	s = state(t, e).Status
	if s.State != StateFailed || s.Error != "too many attempts" || s.NextRetry != nil {
		t.Fatalf("status after giving up=%+v", s)
	}
	// the last state stays on screen
	if n := len(state(t, e).Layers); n != 1 {
		t.Fatalf("layers=%d, want 1", n)
	}
}

func TestEngineRecorder(t *testing.T) {
	rec := &recorder{}
	e := startEngine(t, EngineConfig{Recorder: rec})

	e.Snapshot(snapshot(ViewState{Zoom: 5}, "h1"))
	e.Snapshot(snapshot(ViewState{Zoom: 5}, "h2"))
	state(t, e)

	recs := rec.all()
	if len(recs) != 2 {
		t.Fatalf("records=%d, want 2", len(recs))
	}
	if recs[0].Seq != 1 || !recs[0].Adopted {
		t.Fatalf("first record=%+v, want seq 1 adopted", recs[0])
	}
	if recs[1].Seq != 2 || recs[1].Adopted || recs[1].State.Layers[0].Hash != "h2" {
		t.Fatalf("second record=%+v, want seq 2 not adopted", recs[1])
	}
}

func TestEngineEvents(t *testing.T) {
	e := startEngine(t, EngineConfig{})
	ch := e.Bus().Subscribe()
	defer e.Bus().Unsubscribe(ch)

	e.Snapshot(snapshot(ViewState{Zoom: 5}, "h1"))
	if err := e.ToggleVisible(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	want := []Event{
		{Resource: ResourceLayers, Action: ActionSnapshot, Index: -1},
		{Resource: ResourceView, Action: ActionSnapshot, Index: -1},
		{Resource: ResourceStatus, Action: ActionChanged, Index: -1},
		{Resource: ResourceLayers, Action: ActionEdit, Index: 0},
	}
	var got []Event
	for range want {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after events %+v", got)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineStopped(t *testing.T) {
	e := NewEngine(EngineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run err=%v, want context.Canceled", err)
	}
	if _, err := e.State(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Fatalf("state err=%v, want ErrEngineStopped", err)
	}
	// must not block
	e.Snapshot(snapshot(ViewState{}, "h"))
}
