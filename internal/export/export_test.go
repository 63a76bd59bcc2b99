package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/joeblew999/geo-live/internal/pmtiles"
	"github.com/joeblew999/geo-live/internal/service"
)

var layer = service.LayerDescriptor{Name: "ndvi", Hash: "h1", VMin: 0, VMax: 1, MinZoom: 0, MaxZoom: 2, Visible: true}

// tileServer serves tiles of the northern hemisphere and nothing below.
func tileServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tiles/{name}/{z}/{x}/{file}", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		q := r.URL.Query()
		if q.Get("hash") == "stale" {
			http.Error(w, "hash mismatch", http.StatusConflict)
			return
		}
		if q.Get("vmin") == "" || q.Get("vmax") == "" {
			t.Errorf("tile request %s without display range", r.URL)
		}
		var y, z int
		fmt.Sscanf(r.PathValue("file"), "%d.png", &y)
		fmt.Sscanf(r.PathValue("z"), "%d", &z)
		if z > 0 && y >= 1<<z/2 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprintf(w, "png %s/%s/%d", r.PathValue("z"), r.PathValue("x"), y)
	})
	return httptest.NewServer(mux)
}

func TestExportTo(t *testing.T) {
	var requests atomic.Int32
	srv := tileServer(t, &requests)
	defer srv.Close()

	e := New(srv.URL)
	var out bytes.Buffer
	stats, err := e.ExportTo(context.Background(), Options{
		Layer:   layer,
		Bound:   orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}},
		MinZoom: 0,
		MaxZoom: 1,
		Workers: 2,
	}, &out)
	if err != nil {
		t.Fatal(err)
	}

	// z0: 1 tile, z1: 4 tiles of which the 2 southern ones are empty
	want := Stats{Requested: 5, Written: 3, Empty: 2, Bytes: int64(out.Len())}
	if stats != want {
		t.Fatalf("stats=%+v, want %+v", stats, want)
	}
	if n := requests.Load(); n != 5 {
		t.Fatalf("requests=%d, want 5", n)
	}

	var h pmtiles.Header
	if err := h.UnmarshalBinary(out.Bytes()); err != nil {
		t.Fatal(err)
	}
	if h.TileType != pmtiles.Png || h.AddressedTiles != 3 || h.MaxZoom != 1 {
		t.Fatalf("header=%+v", h)
	}
}

func TestExportStaleHash(t *testing.T) {
	var requests atomic.Int32
	srv := tileServer(t, &requests)
	defer srv.Close()

	stale := layer
	stale.Hash = "stale"
	path := filepath.Join(t.TempDir(), "out.pmtiles")
	_, err := New(srv.URL).Export(context.Background(), Options{
		Layer:   stale,
		Bound:   orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}},
		MaxZoom: 1,
	}, path)
	if !errors.Is(err, ErrStaleHash) {
		t.Fatalf("err=%v, want ErrStaleHash", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("partial archive left behind: %v", err)
	}
}

func TestExportRejectsRanges(t *testing.T) {
	e := New("http://unused")
	if _, err := e.ExportTo(context.Background(), Options{Layer: layer, MinZoom: 3, MaxZoom: 2}, &bytes.Buffer{}); err == nil {
		t.Fatal("inverted zoom range accepted")
	}
	world := orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
	if _, err := e.ExportTo(context.Background(), Options{Layer: layer, Bound: world, MaxZoom: 12}, &bytes.Buffer{}); err == nil {
		t.Fatal("export of the whole world at zoom 12 accepted")
	}
}

func TestTilesInBounds(t *testing.T) {
	tiles := tilesInBounds(orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}, 2)
	if len(tiles) != 16 {
		t.Fatalf("tiles=%d, want 16", len(tiles))
	}
	for _, tl := range tiles {
		if tl.X > 3 || tl.Y > 3 || tl.Z != 2 {
			t.Fatalf("tile %v outside zoom 2 grid", tl)
		}
	}

	tiles = tilesInBounds(orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{2, 2}}, 1)
	if len(tiles) != 1 || tiles[0] != maptile.New(1, 0, 1) {
		t.Fatalf("tiles=%v, want [1/1/0]", tiles)
	}
}

func TestBoundFromGeoJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "area.geojson")
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[-122.5,37.7]}},
		{"type":"Feature","properties":{},"geometry":{"type":"LineString","coordinates":[[-122.3,37.9],[-122.1,37.8]]}}
	]}`
	if err := os.WriteFile(path, []byte(fc), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := BoundFromGeoJSON(path)
	if err != nil {
		t.Fatal(err)
	}
	want := orb.Bound{Min: orb.Point{-122.5, 37.7}, Max: orb.Point{-122.1, 37.9}}
	if b != want {
		t.Fatalf("bound=%v, want %v", b, want)
	}

	empty := filepath.Join(t.TempDir(), "empty.geojson")
	os.WriteFile(empty, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644)
	if _, err := BoundFromGeoJSON(empty); err == nil {
		t.Fatal("empty collection accepted")
	}
}
