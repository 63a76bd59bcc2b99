package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/joeblew999/geo-live/internal/service"
)

func TestParseFloats(t *testing.T) {
	got, err := parseFloats("-122.4, 37.8,8", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != -122.4 || got[1] != 37.8 || got[2] != 8 {
		t.Fatalf("parseFloats=%v", got)
	}
	for _, bad := range []string{"1,2", "1,2,x", ""} {
		if _, err := parseFloats(bad, 3); err == nil {
			t.Errorf("parseFloats(%q) did not fail", bad)
		}
	}
}

func TestFindLayer(t *testing.T) {
	state := service.AppState{Layers: []service.LayerDescriptor{{Name: "a"}, {Name: "b"}}}
	l, err := findLayer(state, "b")
	if err != nil || l.Name != "b" {
		t.Fatalf("findLayer=%+v, %v", l, err)
	}
	if _, err := findLayer(state, "c"); err == nil {
		t.Fatal("expected an error for an unknown layer")
	}
}

func TestServeClosesServerWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	opts := &Options{
		Upstream:   "http://127.0.0.1:1/app_state",
		RetryDelay: "1h",
		Center:     "0,0,2",
	}
	srv, err := newServer(opts, newLogger("error"))
	if err != nil {
		t.Fatal(err)
	}
	srv.Start(context.Background())

	httpSrv := &http.Server{Addr: ln.Addr().String(), Handler: srv}
	if err := serve(httpSrv, srv); err == nil {
		t.Fatal("serve on a taken port returned nil")
	}
	if _, err := srv.Engine().State(context.Background()); !errors.Is(err, service.ErrEngineStopped) {
		t.Fatalf("engine state err=%v, want %v", err, service.ErrEngineStopped)
	}
}
