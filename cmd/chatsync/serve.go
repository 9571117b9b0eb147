package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/wsstore"
)

var (
	watchMetricsAddr string

	serveAddr    string
	serveBackend string
	serveOrigins []string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)

	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9102)")

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "Backing store for the relay: memory, redis or postgres (defaults to config)")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "origin", nil, "Allowed browser origin patterns")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live engine events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		reg := prometheus.NewRegistry()
		s, err := openSession(ctx, reg)
		if err != nil {
			return err
		}
		defer s.Close()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: metricsHandler(reg), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			defer srv.Close()
		}

		fmt.Println("Watching chatrooms. Press Ctrl+C to stop.")
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-s.engine.Diagnostics():
				fmt.Printf("! %v\n", err)
			case ev := <-s.events:
				printEvent(s.engine, ev)
			}
		}
	},
}

func printEvent(engine *chatsync.Engine, ev event) {
	if jsonOutput {
		printJSON(map[string]any{"event": ev.name, "payload": ev.payload})
		return
	}
	switch ev.name {
	case chatsync.EventChatroomsChanged:
		rooms := engine.Chatrooms()
		fmt.Printf("%s  %d room(s)\n", ev.name, len(rooms))
		for _, r := range rooms {
			fmt.Printf("    %s  %s  unread:%d\n", r.ID, r.LastMessage.Content, r.UnreadFor(engine.Role()))
		}
	case chatsync.EventMessagesChanged:
		msgs := engine.Messages()
		fmt.Printf("%s  %d message(s) in %s\n", ev.name, len(msgs), engine.Selection().RoomID())
		if n := len(msgs); n > 0 {
			last := msgs[n-1]
			fmt.Printf("    last: %s: %s\n", valueOrDefault(last.SenderName, last.SenderID), last.Content)
		}
	default:
		fmt.Printf("%s  %v\n", ev.name, ev.payload)
	}
}

// ============================================================================
// serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a WebSocket relay over a store, with /metrics",
	Long:  "Expose the configured memory, redis or postgres store to remote engines at /ws.\nClients authenticate with default.token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if serveBackend != "" {
			cfg.Default.Backend = serveBackend
		}
		if cfg.Default.Backend == "" || cfg.Default.Backend == "ws" {
			cfg.Default.Backend = "memory"
		}
		log := newLogger(cfg)

		ctx, cancel := signalContext()
		defer cancel()

		store, release, err := openStore(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer release()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		mux := http.NewServeMux()
		mux.Handle("/ws", wsstore.NewHandler(store, wsstore.HandlerConfig{
			Token:          cfg.Default.Token,
			OriginPatterns: serveOrigins,
			Logger:         log,
		}))
		mux.Handle("/metrics", metricsHandler(reg))

		srv := &http.Server{Addr: serveAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			srv.Shutdown(shutdownCtx)
		}()

		log.Info().Str("addr", serveAddr).Str("backend", cfg.Default.Backend).Msg("relay listening")
		fmt.Printf("Relay (%s) listening on %s\n", cfg.Default.Backend, serveAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
