package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/webpeasy/internal/app"
	"github.com/fpang/webpeasy/internal/config"
	"github.com/fpang/webpeasy/internal/metrics"
	"github.com/fpang/webpeasy/internal/options"
)

var listenFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the site, the uploads and the admin API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Address to listen on (overrides site.listen)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Site.Listen = listenFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prometheus is the metrics sink for a long-running server.
	metrics.SetEMFEnabled(false)

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         cfg.Site.Listen,
		Handler:      siteHandler(a, cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Site.Listen).Msg("Starting web server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if fs, ok := a.Options.(*options.FileStore); ok {
		g.Go(func() error {
			return fs.Watch(gctx, func() {
				log.Info().Str("path", fs.Path()).Msg("Options file changed, reloading settings")
				a.Settings.Invalidate()
			})
		})
	}

	return g.Wait()
}

// siteHandler routes uploads straight to the file server and everything
// else through the plugin, which applies the buffer filters and mounts the
// admin API.
func siteHandler(a *app.App, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	uploads := cfg.UploadsPath()
	mux.Handle(uploads+"/", http.StripPrefix(uploads, http.FileServer(http.Dir(cfg.Uploads.BaseDir))))

	a.Plugin.Mount(mux, http.FileServer(http.Dir(cfg.Site.Root)))

	var h http.Handler = withLogging(mux)
	if cfg.Site.Gzip {
		h = gzhttp.GzipHandler(h)
	}
	return h
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if !strings.HasPrefix(r.URL.Path, "/metrics") {
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("Site request")
		}
	})
}
