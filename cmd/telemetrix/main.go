package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/telemetrix/internal/api"
	"github.com/banshee-data/telemetrix/internal/charts"
	"github.com/banshee-data/telemetrix/internal/db"
	"github.com/banshee-data/telemetrix/internal/devicemux"
	"github.com/banshee-data/telemetrix/internal/fsutil"
	"github.com/banshee-data/telemetrix/internal/monitoring"
	"github.com/banshee-data/telemetrix/internal/sessionfile"
	"github.com/banshee-data/telemetrix/internal/telemetry"
	"github.com/banshee-data/telemetrix/internal/timeutil"
	"github.com/banshee-data/telemetrix/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	transport   = flag.String("transport", "", "Device transport: websocket, serial or fixture (overrides config)")
	device      = flag.String("device", "", "Device address, serial port or fixture file for the chosen transport")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	exportDir   = flag.String("export-dir", "", "Directory for session exports (overrides config)")
	verbose     = flag.Bool("verbose", false, "Log debug output")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// A missing .env file is fine.
	_ = godotenv.Load()
	monitoring.SetVerbose(*verbose)

	cfg, err := loadConfig(*configPath, os.Getenv, overrides{
		listen:    *listen,
		transport: *transport,
		device:    *device,
		dbPath:    *dbPath,
		exportDir: *exportDir,
	})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clock := timeutil.RealClock{}
	open, source, err := newOpener(cfg, fsutil.OSFileSystem{}, clock)
	if err != nil {
		log.Fatalf("failed to configure device transport: %v", err)
	}

	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	mux := devicemux.New(clock)
	defer mux.Close()

	hub := api.NewHub()
	defer hub.Close()
	window := charts.NewWindow(cfg.GetChartWindow())

	ctrl := telemetry.NewController(telemetry.ControllerConfig{
		Transport: mux,
		Exporter:  sessionfile.NewWriter(cfg.GetExportDir()),
		History:   store,
		Publisher: telemetry.MultiPublisher{hub, window},
		Clock:     clock,
		Detector:  cfg.GetDetectorConfig(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// device connection with reconnects; a lost link ends the session
	g.Go(func() error {
		err := mux.Run(ctx, open, cfg.GetReconnectInterval(), ctrl.TransportLost)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		devicemux.Forward(ctx, mux, func(line []byte) {
			// errors are logged and counted by the controller
			_, _ = ctrl.HandleFrame(line)
		})
		monitoring.Logf("frame routine terminated")
		return nil
	})

	// expired alerts revert on idle dashboards
	g.Go(func() error {
		ctrl.RunRefresh(ctx, time.Second)
		return nil
	})

	g.Go(func() error {
		srv := api.NewServer(api.Config{
			Session: ctrl,
			Store:   store,
			Hub:     hub,
			Charts:  window,
			Static:  api.Dashboard(),
			UserID:  cfg.GetUserID(),
			Units:   cfg.GetUnits(),
			Source:  source,
		})
		httpMux := srv.ServeMux()
		mux.AttachAdminRoutes(httpMux)
		if err := store.AttachAdminRoutes(httpMux); err != nil {
			return fmt.Errorf("attach db admin routes: %w", err)
		}

		server := &http.Server{
			Addr:              cfg.GetListen(),
			Handler:           api.LoggingMiddleware(httpMux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			monitoring.Logf("listening on %s (%s)", cfg.GetListen(), source)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}
		monitoring.Logf("shutting down HTTP server...")

		// The SSE stream holds connections open until its clients go away.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Logf("HTTP server force close error: %v", err)
			}
		}
		monitoring.Logf("HTTP server routine stopped")
		return nil
	})

	err = g.Wait()

	// Keep the log of a session that was still running.
	if ctrl.Status().State == telemetry.StateActive {
		if entry, err := ctrl.Stop(); err == nil {
			monitoring.Logf("saved session %s on shutdown", entry.ID)
		}
	}
	if err != nil {
		log.Fatalf("telemetrix: %v", err)
	}
	monitoring.Logf("graceful shutdown complete")
}
