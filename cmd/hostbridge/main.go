package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hostbridge/hostbridge/internal/bridge"
	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/logx"
	"github.com/hostbridge/hostbridge/internal/status"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	// Overlay env (after file) and then bind flags
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Parse()
	if *showVersion {
		fmt.Printf("hostbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	// cfg now reflects defaults <- file <- env <- args
	logx.Configure(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	metrics := status.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           status.Handler(reg, cfg.AllowedOrigins),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("status server")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	opts := bridge.Options{
		Host:       cfg.Host,
		Superuser:  cfg.Superuser,
		Privileged: cfg.Privileged,
		Metrics:    metrics,
	}

	if cfg.ListenAddr != "" {
		if err := serveWebsocket(cfg.ListenAddr, cfg.AllowedOrigins, opts); err != nil {
			logx.Log.Fatal().Err(err).Msg("listen")
		}
		return
	}

	// Default mode: one session over stdio. The transport is the wire,
	// so nothing else may write to stdout.
	sess := bridge.New(stdio{}, opts)
	if err := sess.Run(); err != nil {
		logx.Log.Error().Err(err).Msg("session ended")
		os.Exit(1)
	}
}

// stdio joins the process standard streams into one ReadWriter.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// serveWebsocket accepts bridge sessions over websocket, one session
// per connection, until interrupted.
func serveWebsocket(addr string, allowedOrigins []string, opts bridge.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: allowedOrigins})
		if err != nil {
			return
		}
		defer func() {
			_ = c.Close(websocket.StatusInternalError, "server error")
		}()
		conn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)
		sess := bridge.New(conn, opts)
		if err := sess.Run(); err != nil {
			logx.Log.Warn().Err(err).Msg("session ended")
			return
		}
		_ = c.Close(websocket.StatusNormalClosure, "")
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logx.Log.Info().Str("addr", addr).Msg("listening for websocket sessions")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
