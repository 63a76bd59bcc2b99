package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

type InfoHandler struct {
	upstream      string
	journal       bool
	preserveEdits bool
}

func NewInfoHandler(upstream string, journal, preserveEdits bool) *InfoHandler {
	return &InfoHandler{upstream: upstream, journal: journal, preserveEdits: preserveEdits}
}

func (h *InfoHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

type InfoBody struct {
	Name          string   `json:"name" doc:"Service name"`
	Version       string   `json:"version" doc:"Service version"`
	Upstream      string   `json:"upstream" doc:"State stream the viewer follows"`
	Journal       bool     `json:"journal" doc:"Whether snapshots are journaled"`
	PreserveEdits bool     `json:"preserve_edits" doc:"Whether local display edits survive unchanged snapshots"`
	Features      []string `json:"features" doc:"Available features"`
}

func (h *InfoHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	features := []string{"live-state", "tile-proxy", "datastar-panel", "pmtiles-export"}
	if h.journal {
		features = append(features, "duckdb")
	}
	return &struct{ Body InfoBody }{Body: InfoBody{
		Name:          "geo-live",
		Version:       Version,
		Upstream:      h.upstream,
		Journal:       h.journal,
		PreserveEdits: h.preserveEdits,
		Features:      features,
	}}, nil
}
