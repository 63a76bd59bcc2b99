package panel

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/joeblew999/geo-live/internal/humastar"
	"github.com/joeblew999/geo-live/internal/service"
	"github.com/joeblew999/geo-live/internal/templates"
)

func startEngine(t *testing.T) *service.Engine {
	t.Helper()
	e := service.NewEngine(service.EngineConfig{})
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

func newPanel(t *testing.T) (http.Handler, *service.Engine) {
	t.Helper()
	r, err := templates.New()
	if err != nil {
		t.Fatal(err)
	}
	e := startEngine(t)
	mux := http.NewServeMux()
	api := humago.New(mux, huma.DefaultConfig("Panel Test", "1.0.0"))
	New(e, r, nil).RegisterRoutes(api)
	return mux, e
}

var twoLayers = service.AppState{
	InitialView: service.ViewState{Longitude: 3, Latitude: 4, Zoom: 5},
	Layers: []service.LayerDescriptor{
		{Name: "a", Hash: "h1", VMin: 0, VMax: 100, MaxZoom: 12, Visible: true},
		{Name: "b", Hash: "h2", VMin: -1, VMax: 1, MaxZoom: 12, Visible: true},
	},
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestToggle(t *testing.T) {
	h, e := newPanel(t)
	e.Snapshot(twoLayers)

	rec := post(h, "/api/v1/panel/layers/1/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "datastar-patch-elements") || !strings.Contains(body, "#layer-list") {
		t.Fatalf("response is not a layer list patch:\n%s", body)
	}
	// b is listed first and now hidden
	if i, j := strings.Index(body, `id="layer-1"`), strings.Index(body, `id="layer-0"`); i < 0 || j < i {
		t.Fatalf("panel order wrong:\n%s", body)
	}
	if !strings.Contains(body, "layer-hidden") {
		t.Fatalf("toggled layer not hidden:\n%s", body)
	}

	vm, _ := e.State(context.Background())
	if vm.Layers[1].Visible {
		t.Fatal("engine layer b still visible")
	}

	if rec := post(h, "/api/v1/panel/layers/9/toggle", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown layer status=%d, want 404", rec.Code)
	}
}

func TestRange(t *testing.T) {
	h, e := newPanel(t)
	e.Snapshot(twoLayers)

	rec := post(h, "/api/v1/panel/layers/0/range", `{"vmin0": 10, "vmax0": 20, "vmin1": -1, "vmax1": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200: %s", rec.Code, rec.Body)
	}
	vm, _ := e.State(context.Background())
	if d := vm.Layers[0].Descriptor; d.VMin != 10 || d.VMax != 20 {
		t.Fatalf("layer a=%+v, want range [10, 20]", d)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing signals", `{"vmin1": 1, "vmax1": 2}`, http.StatusBadRequest},
		{"not json", `vmin0=1`, http.StatusBadRequest},
		{"inverted", `{"vmin0": 5, "vmax0": 1}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := post(h, "/api/v1/panel/layers/0/range", tt.body); rec.Code != tt.code {
				t.Fatalf("status=%d, want %d: %s", rec.Code, tt.code, rec.Body)
			}
		})
	}
}

func TestView(t *testing.T) {
	h, e := newPanel(t)
	e.Snapshot(twoLayers)

	rec := post(h, "/api/v1/panel/view", `{"longitude": 10, "latitude": 11, "zoom": 9, "pitch": 20, "bearing": 30, "vmin0": 0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200: %s", rec.Code, rec.Body)
	}
	vm, _ := e.State(context.Background())
	if want := (service.Camera{Longitude: 10, Latitude: 11, Zoom: 9, Pitch: 20, Bearing: 30}); vm.Camera != want {
		t.Fatalf("camera=%+v, want %+v", vm.Camera, want)
	}

	if rec := post(h, "/api/v1/panel/view", `{"longitude": 10}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("partial view status=%d, want 400", rec.Code)
	}
}

func TestEvents(t *testing.T) {
	h, e := newPanel(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/panel/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	waitFor := func(want string) {
		t.Helper()
		for lines.Scan() {
			if strings.Contains(lines.Text(), want) {
				return
			}
		}
		t.Fatalf("stream ended before %q: %v", want, lines.Err())
	}

	// initial state: no layers yet, still loading
	waitFor("No layers")
	waitFor("status-loading")

	e.Snapshot(twoLayers)
	// layers, then view, then status
	waitFor(`id="layer-1"`)
	waitFor(`"longitude":3`)
	waitFor(`"action":"snapshot","index":-1,"missed":false,"resource":"view"`)
	waitFor("status-connected")

	if err := e.Pan(ctx, service.Camera{Longitude: 1, Latitude: 1, Zoom: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(`"action":"pan","index":-1,"missed":false,"resource":"view"`)
}

func TestPatchEventAfterDrop(t *testing.T) {
	r, err := templates.New()
	if err != nil {
		t.Fatal(err)
	}
	e := startEngine(t)
	e.Snapshot(twoLayers)
	h := New(e, r, nil)
	vm, err := e.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	patch := func(ev service.Event) string {
		t.Helper()
		rec := httptest.NewRecorder()
		sse := humastar.SSE{ServerSentEventGenerator: datastar.NewSSE(rec, httptest.NewRequest(http.MethodGet, "/", nil))}
		if err := h.patchEvent(sse, vm, ev); err != nil {
			t.Fatal(err)
		}
		return rec.Body.String()
	}

	body := patch(service.Event{Resource: service.ResourceStatus, Action: service.ActionChanged, Index: -1})
	if strings.Contains(body, "#layer-list") || !strings.Contains(body, "#status") {
		t.Fatalf("status event patched more than the banner:\n%s", body)
	}

	body = patch(service.Event{Resource: service.ResourceStatus, Action: service.ActionChanged, Index: -1, Missed: true})
	for _, want := range []string{"#layer-list", "#status", `"longitude":3`, `"missed":true`} {
		if !strings.Contains(body, want) {
			t.Errorf("patch after a drop lacks %s:\n%s", want, body)
		}
	}
}
