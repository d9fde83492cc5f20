package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:       "watch chat|clients",
	Short:     "Run a dashboard and log live changes until interrupted",
	Long:      "Run the chat or client dashboard, log connection status and collection changes, serve /metrics when metrics.listen is set, and stop when the session file is removed.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"chat", "clients"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "chat" && args[0] != "clients" {
			return fmt.Errorf("unknown dashboard %q (valid: chat, clients)", args[0])
		}
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()
		logger := env.logger

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := livesync.NewTracerProvider(ctx, livesync.TraceConfig{
			ServiceName: "livesync",
			Endpoint:    env.cfg.Tracing.Endpoint,
			Insecure:    env.cfg.Tracing.Insecure,
			SampleRate:  env.cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := livesync.NewMetrics(reg)

		var servers []*http.Server
		defer func() {
			for _, srv := range servers {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := srv.Shutdown(sctx); err != nil {
					logger.Warn("http server shutdown error", "error", err)
				}
				cancel()
			}
		}()
		if addr := env.cfg.Metrics.Listen; addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv, err := serve(addr, mux, logger)
			if err != nil {
				return err
			}
			servers = append(servers, srv)
			logger.Info("metrics listening", "addr", addr)
		}
		if wh := env.backend.webhook; wh != nil && env.cfg.Backend.WebhookListen != "" {
			mux := http.NewServeMux()
			mux.Handle("/webhook", wh.HTTPHandler())
			srv, err := serve(env.cfg.Backend.WebhookListen, mux, logger)
			if err != nil {
				return err
			}
			servers = append(servers, srv)
			logger.Info("webhook listening", "addr", env.cfg.Backend.WebhookListen)
		}

		dashCfg := &livesync.DashboardConfig{
			ViewConfig: livesync.ViewConfig{
				Name:            args[0],
				FallbackTimeout: duration(env.cfg.Sync.FallbackTimeout),
				PollInterval:    duration(env.cfg.Sync.PollInterval),
				Logger:          logger,
				Metrics:         metrics,
			},
			Store: env.store,
		}

		var dash interface {
			Start(context.Context) error
			Stop()
			View() *livesync.View
		}
		switch args[0] {
		case "chat":
			d := livesync.NewChatDashboard(env.backend.Backend, env.session, dashCfg)
			d.SessionsLive().OnChange(func(list []livesync.ChatSession) {
				logger.Info("sessions updated", "count", len(list))
			})
			d.StatsLive().OnChange(func(s livesync.DashboardStats) {
				logger.Info("stats updated", "active", s.ActiveSessions, "unread", s.UnreadMessages, "today", s.SessionsToday)
			})
			dash = d
		case "clients":
			d := livesync.NewClientDashboard(env.backend.Backend, env.session, dashCfg)
			d.MessagesLive().OnChange(func(list []livesync.ClientMessage) {
				logger.Info("client messages updated", "count", len(list), "unread", d.UnreadMessages())
			})
			d.NotificationsLive().OnChange(func(list []livesync.Notification) {
				logger.Info("notifications updated", "count", len(list), "unread", d.UnreadNotifications())
			})
			dash = d
		}
		dash.View().OnStatusChange(func(s livesync.ConnectionStatus, m livesync.DeliveryMode) {
			logger.Info("connection status", "status", s, "mode", m.Label())
		})

		stopWatch, err := env.store.Watch(ctx, func(s *livesync.AuthSession) {
			if s == nil {
				logger.Info("session removed, stopping")
				stop()
			}
		})
		if err != nil {
			logger.Warn("session watch unavailable", "error", err)
		} else {
			defer stopWatch()
		}

		if err := dash.Start(ctx); err != nil {
			return err
		}
		defer dash.Stop()

		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}

// serve listens on addr and serves handler in the background.
func serve(addr string, handler http.Handler, logger *slog.Logger) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "addr", addr, "error", err)
		}
	}()
	return srv, nil
}
