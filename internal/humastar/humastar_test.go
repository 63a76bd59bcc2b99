package humastar

import (
	"strings"
	"testing"

	"github.com/joeblew999/geo-live/internal/templates"
)

func TestSignals(t *testing.T) {
	s, err := ParseSignals([]byte(`{"name":"ndvi","vmin0":-1.5,"zero":0}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Float("vmin0"); got != -1.5 {
		t.Errorf("Float=%v, want -1.5", got)
	}
	if got := s.Float("name"); got != 0 {
		t.Errorf("Float of a string=%v, want 0", got)
	}
	if !s.Has("zero") || s.Has("missing") {
		t.Error("Has does not tell zero values from missing keys")
	}
}

func TestMustParse(t *testing.T) {
	in := SignalsInput{RawBody: []byte("not json")}
	if _, err := in.MustParse(); err == nil || !strings.Contains(err.Error(), "Invalid request data") {
		t.Fatalf("err=%v, want a bad request", err)
	}
}

func TestRenderList(t *testing.T) {
	r, err := templates.New()
	if err != nil {
		t.Fatal(err)
	}
	empty := RenderList(r, "layer-card", nil, "No layers", "nothing yet")
	if !strings.Contains(empty, "No layers") || !strings.Contains(empty, "nothing yet") {
		t.Fatalf("empty state=%q", empty)
	}

	html := RenderList(r, "missing-template", []any{1}, "", "")
	if !strings.Contains(html, "template error") {
		t.Fatalf("missing template rendered %q", html)
	}
}
