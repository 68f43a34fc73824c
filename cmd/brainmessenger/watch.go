package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	brainmessenger "github.com/brainmessenger/brainmessenger-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var watchAddr string

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "listen", "", "Serve /webhooks/profiles and /metrics on this address instead of using the realtime socket")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow profile changes made on other devices",
	Long: "Load your profile and print it whenever another device changes it.\n" +
		"Changes arrive over the realtime websocket, or with --listen through signed\n" +
		"database webhooks posted to /webhooks/profiles.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var (
			feed   brainmessenger.ChangeFeed
			server *http.Server
		)
		if watchAddr != "" {
			hub := brainmessenger.NewChangeHub()
			wh, err := brainmessenger.NewProfileWebhook(a.cfg.Backend.WebhookSecret, hub, &a.log)
			if err != nil {
				return fmt.Errorf("%w (set backend.webhook_secret)", err)
			}
			r := chi.NewRouter()
			r.Use(middleware.Recoverer)
			r.Mount("/webhooks", wh.Routes())
			r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
			server = &http.Server{Addr: watchAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				a.log.Info().Str("addr", watchAddr).Msg("webhook receiver listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error().Err(err).Msg("webhook receiver stopped")
					stop()
				}
			}()
			feed = hub
		} else {
			rt := brainmessenger.NewRealtimeFeed(a.cfg.Backend.BaseURL, &brainmessenger.RealtimeConfig{
				Tokens:               a.sessions.TokenSource(),
				APIKey:               a.cfg.Backend.APIKey,
				MaxReconnectAttempts: -1,
				Logger:               &a.log,
			})
			if err := rt.Connect(ctx); err != nil {
				return fmt.Errorf("cannot connect to realtime: %w", err)
			}
			defer rt.Disconnect()
			feed = rt
		}

		e, err := a.settings(ctx, feed)
		if err != nil {
			return userError(err)
		}
		defer e.Close()

		printSettings(e.State().Settings)
		var mu sync.Mutex
		last := e.State().Settings.LastUpdateTime
		e.Subscribe(func(st brainmessenger.SettingsState) {
			mu.Lock()
			defer mu.Unlock()
			if !st.Settings.LastUpdateTime.After(last) {
				return
			}
			last = st.Settings.LastUpdateTime
			fmt.Println()
			fmt.Println("Profile changed:")
			printSettings(st.Settings)
		})
		a.sessions.OnReauthRequired(func(cause error) {
			fmt.Fprintf(os.Stderr, "Session expired: %v. Run 'brainmessenger login' again.\n", cause)
			stop()
		})

		<-ctx.Done()
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server.Shutdown: %w", err)
			}
		}
		return nil
	},
}
