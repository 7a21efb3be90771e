// Command wsrpcd runs a wsrpc server: it loads a protocol registry
// from a YAML config file, upgrades incoming WebSocket requests, and
// optionally exposes Prometheus metrics on a second listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/wsrpc/config"
	"github.com/coregx/wsrpc/wsrpc"
)

func main() {
	cmd := &cli.Command{
		Name:  "wsrpcd",
		Usage: "run a wsrpc WebSocket RPC server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the YAML deployment config",
				Required: true,
				Sources:  cli.NewValueSourceChain(cli.EnvVar("WSRPCD_CONFIG")),
			},
			&cli.BoolFlag{
				Name:    "pretty-log",
				Usage:   "human-readable console logging, instead of JSON",
				Sources: cli.NewValueSourceChain(cli.EnvVar("WSRPCD_PRETTY_LOG")),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsrpcd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := newLogger(cmd.Bool("pretty-log"))

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cfg.ListenAddr == "" {
		return errors.New("wsrpcd: listen_addr must be set in the config file")
	}

	reg, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	log.Info().Int("protocols", reg.Count()).Msg("wsrpcd: protocol registry loaded")

	var metrics *wsrpc.Metrics
	if cfg.MetricsAddr != "" {
		promReg := prometheus.NewRegistry()
		metrics = wsrpc.NewMetrics(promReg)
		go serveMetrics(cfg.MetricsAddr, promReg, log)
	}

	echo := &echoHandler{log: log}
	opts := cfg.ConnOptions(echo, nil)
	server := wsrpc.NewServer(reg, opts, log, metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := server.HandleUpgrade(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", cfg.ListenAddr).Msg("wsrpcd: listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	server.CloseAll()
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("addr", addr).Msg("wsrpcd: metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("wsrpcd: metrics server stopped")
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// echoHandler is wsrpcd's built-in default: it answers every request
// that expects a reply (NoAnswer false) with a 200 that echoes the
// request body back, useful for smoke
// testing a deployment's protocol registry end-to-end.
type echoHandler struct {
	log zerolog.Logger
}

func (h *echoHandler) ProcessFrame(_ context.Context, req wsrpc.RequestContext) (wsrpc.ResponseContext, bool) {
	h.log.Debug().Str("method", req.Method).Str("url", req.URL).Msg("wsrpcd: request")
	if req.NoAnswer {
		return wsrpc.ResponseContext{}, false
	}
	return wsrpc.ResponseContext{
		Status:      http.StatusOK,
		Header:      req.Header,
		Body:        req.Body,
		ContentType: req.ContentType,
	}, true
}
