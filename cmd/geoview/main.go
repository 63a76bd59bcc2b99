package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/geo-live/internal/export"
	"github.com/joeblew999/geo-live/internal/server"
	"github.com/joeblew999/geo-live/internal/service"
	"github.com/joeblew999/geo-live/internal/stream"
)

// Options defines all CLI flags and env vars for the viewer.
// Flags: --host, --port, --upstream, --tile-upstream, --tile-base, --web-dir,
// --journal, --journal-dir, --retry-delay, --max-attempts, --preserve-edits,
// --center, --log-level
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_UPSTREAM, ...
type Options struct {
	Host          string `doc:"Host to bind to" default:"0.0.0.0"`
	Port          int    `doc:"Port to listen on" short:"p" default:"8086"`
	Upstream      string `doc:"App state endpoint (http(s) for SSE, ws(s) for WebSocket)" default:"http://localhost:8000/app_state"`
	TileUpstream  string `doc:"Tile endpoint origin (default: upstream origin)" default:""`
	TileBase      string `doc:"Prefix of tile URLs handed to the browser (default: the /tiles/ proxy)" default:""`
	WebDir        string `doc:"Path to web/ directory" default:"web"`
	Journal       bool   `doc:"Journal snapshots to DuckDB" default:"true"`
	JournalDir    string `doc:"Directory for the journal database (default: in memory)" default:""`
	RetryDelay    string `doc:"Delay between reconnects" default:"3s"`
	MaxAttempts   int    `doc:"Consecutive failed reconnects before giving up (0 retries forever)" default:"0"`
	PreserveEdits bool   `doc:"Keep local layer edits across snapshots that leave them unchanged" default:"false"`
	Center        string `doc:"Camera before the first snapshot as lon,lat,zoom" default:"0,0,2"`
	LogLevel      string `doc:"Log level: debug, info, warn, error" default:"info"`
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// parseFloats parses n comma separated numbers.
func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%q: want %d comma separated numbers", s, n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out[i] = f
	}
	return out, nil
}

func newServer(opts *Options, logger *slog.Logger) (*server.Server, error) {
	delay, err := time.ParseDuration(opts.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("retry delay: %w", err)
	}
	center, err := parseFloats(opts.Center, 3)
	if err != nil {
		return nil, fmt.Errorf("center: %w", err)
	}
	return server.New(server.Config{
		Host:          opts.Host,
		Port:          strconv.Itoa(opts.Port),
		Upstream:      opts.Upstream,
		TileUpstream:  opts.TileUpstream,
		TileBase:      opts.TileBase,
		WebDir:        opts.WebDir,
		Journal:       opts.Journal,
		JournalDir:    opts.JournalDir,
		RetryDelay:    delay,
		MaxAttempts:   opts.MaxAttempts,
		PreserveEdits: opts.PreserveEdits,
		Initial:       service.Camera{Longitude: center[0], Latitude: center[1], Zoom: center[2]},
		Logger:        logger,
	})
}

// fetchSnapshot reads one snapshot from the upstream stream.
func fetchSnapshot(ctx context.Context, opts *Options, logger *slog.Logger) (service.AppState, error) {
	client, err := stream.New(stream.Config{URL: opts.Upstream, Logger: logger})
	if err != nil {
		return service.AppState{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return client.FetchOnce(ctx)
}

func findLayer(state service.AppState, name string) (service.LayerDescriptor, error) {
	for _, l := range state.Layers {
		if l.Name == name {
			return l, nil
		}
	}
	names := make([]string, len(state.Layers))
	for i, l := range state.Layers {
		names[i] = l.Name
	}
	return service.LayerDescriptor{}, fmt.Errorf("layer %q not in snapshot (have %s)", name, strings.Join(names, ", "))
}

// serve runs httpSrv until it is shut down. When it cannot serve at all,
// srv is closed so the stream and engine do not outlive the HTTP surface.
func serve(httpSrv *http.Server, srv *server.Server) error {
	err := httpSrv.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if cerr := srv.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return fmt.Errorf("server error: %w", err)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		logger := newLogger(opts.LogLevel)
		var (
			srv     *server.Server
			httpSrv *http.Server
		)

		hooks.OnStart(func() {
			var err error
			srv, err = newServer(opts, logger)
			if err != nil {
				fatal("%v", err)
			}
			srv.Start(context.Background())

			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

			fmt.Println()
			fmt.Printf("geo-live viewer starting...\n")
			fmt.Printf("  Server:   %s\n", baseURL)
			fmt.Printf("  Upstream: %s\n", opts.Upstream)
			fmt.Println()
			fmt.Printf("  Pages:    %s/viewer\n", baseURL)
			fmt.Printf("  Docs:     %s/docs\n", baseURL)
			fmt.Printf("  OpenAPI:  %s/openapi.json\n", baseURL)
			fmt.Println()

			httpSrv = &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
			if err := serve(httpSrv, srv); err != nil {
				fatal("%v", err)
			}
		})

		hooks.OnStop(func() {
			if httpSrv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(ctx)
			}
			if srv != nil {
				if err := srv.Close(); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}
		})
	})

	cli.Root().Use = "geoview"
	cli.Root().Short = "Live viewer for a geospatial computation backend"
	cli.Root().Version = "0.1.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			opts.Journal = false
			srv, err := newServer(opts, newLogger("error"))
			if err != nil {
				fatal("%v", err)
			}
			defer srv.Close()
			spec := srv.OpenAPI()

			useYAML, _ := cmd.Flags().GetBool("yaml")

			var output []byte
			if useYAML {
				output, err = yaml.Marshal(spec)
			} else {
				output, err = json.MarshalIndent(spec, "", "  ")
			}
			if err != nil {
				fatal("marshaling spec: %v", err)
			}
			fmt.Println(string(output))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// export subcommand: fetch one layer's tiles into a PMTiles archive
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the tiles of one layer of the current snapshot to a PMTiles archive",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			logger := newLogger(opts.LogLevel)
			layerName, _ := cmd.Flags().GetString("layer")
			bbox, _ := cmd.Flags().GetString("bbox")
			geojsonPath, _ := cmd.Flags().GetString("geojson")
			minZoom, _ := cmd.Flags().GetInt("min-zoom")
			maxZoom, _ := cmd.Flags().GetInt("max-zoom")
			output, _ := cmd.Flags().GetString("output")
			workers, _ := cmd.Flags().GetInt("workers")

			var bound orb.Bound
			switch {
			case geojsonPath != "":
				b, err := export.BoundFromGeoJSON(geojsonPath)
				if err != nil {
					fatal("%v", err)
				}
				bound = b
			case bbox != "":
				v, err := parseFloats(bbox, 4)
				if err != nil {
					fatal("bbox: %v", err)
				}
				bound = orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
			default:
				fatal("one of --bbox or --geojson is required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			state, err := fetchSnapshot(ctx, opts, logger)
			if err != nil {
				fatal("reading snapshot: %v", err)
			}
			layer, err := findLayer(state, layerName)
			if err != nil {
				fatal("%v", err)
			}
			if !cmd.Flags().Changed("min-zoom") {
				minZoom = layer.MinZoom
			}
			if !cmd.Flags().Changed("max-zoom") {
				maxZoom = layer.MaxZoom
			}

			origin, err := server.TileOrigin(opts.Upstream, opts.TileUpstream)
			if err != nil {
				fatal("%v", err)
			}
			exp := export.New(origin.String())
			exp.Logger = logger
			stats, err := exp.Export(ctx, export.Options{
				Layer:   layer,
				Bound:   bound,
				MinZoom: minZoom,
				MaxZoom: maxZoom,
				Workers: workers,
			}, output)
			if err != nil {
				fatal("export: %v", err)
			}
			fmt.Printf("Wrote %s: %d tiles (%d empty), %d bytes\n", output, stats.Written, stats.Empty, stats.Bytes)
		}),
	}
	exportCmd.Flags().String("layer", "", "Layer name")
	exportCmd.Flags().String("bbox", "", "Area as minlon,minlat,maxlon,maxlat")
	exportCmd.Flags().String("geojson", "", "GeoJSON file whose extent is exported")
	exportCmd.Flags().Int("min-zoom", 0, "Lowest zoom (default: layer min zoom)")
	exportCmd.Flags().Int("max-zoom", 0, "Highest zoom (default: layer max zoom)")
	exportCmd.Flags().StringP("output", "o", "export.pmtiles", "Output archive")
	exportCmd.Flags().Int("workers", 4, "Concurrent tile fetches")
	exportCmd.MarkFlagRequired("layer")
	cli.Root().AddCommand(exportCmd)

	// tile-url subcommand: print the image source of one tile
	tileURLCmd := &cobra.Command{
		Use:   "tile-url <layer> <z> <x> <y>",
		Short: "Print the tile URL of one layer of the current snapshot",
		Args:  cobra.ExactArgs(4),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			logger := newLogger(opts.LogLevel)
			var zxy [3]uint32
			for i, a := range args[1:] {
				n, err := strconv.ParseUint(a, 10, 32)
				if err != nil {
					fatal("%q is not a tile coordinate", a)
				}
				zxy[i] = uint32(n)
			}

			state, err := fetchSnapshot(context.Background(), opts, logger)
			if err != nil {
				fatal("reading snapshot: %v", err)
			}
			layer, err := findLayer(state, args[0])
			if err != nil {
				fatal("%v", err)
			}
			base := opts.TileBase
			if base == "" {
				origin, err := server.TileOrigin(opts.Upstream, opts.TileUpstream)
				if err != nil {
					fatal("%v", err)
				}
				base = origin.String()
			}
			fmt.Println(service.TileURL(base, layer, maptile.New(zxy[1], zxy[2], maptile.Zoom(zxy[0]))))
		}),
	}
	cli.Root().AddCommand(tileURLCmd)

	cli.Run()
}
