package main

import (
	"context"
	"embed"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gocv.io/x/gocv"

	"github.com/rcret/carCount/internal/api"
	"github.com/rcret/carCount/internal/config"
	"github.com/rcret/carCount/internal/db"
	"github.com/rcret/carCount/internal/detect"
	"github.com/rcret/carCount/internal/lanes"
	"github.com/rcret/carCount/internal/state"
	"github.com/rcret/carCount/internal/stream"
)

var (
	//go:embed static/*
	staticFiles embed.FS
	devMode     = flag.Bool("dev", false, "Run in dev mode (no model files needed, static served from disk)")
	listen      = flag.String("listen", ":8080", "Listen address")
	configPath  = flag.String("config", "", "Path to JSON config file (defaults used when empty)")
	dbPath      = flag.String("db", "", "Override the sqlite database path")
)

// idleCapability is the dev-mode stand-in for the DNN detector: frames flow
// through the pipeline and get annotated, but nothing is ever detected.
type idleCapability struct{}

func (idleCapability) DetectAndTrack(gocv.Mat) ([]detect.Object, error) { return nil, nil }
func (idleCapability) Close() error                                     { return nil }

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}

	eventDB, err := db.NewDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer eventDB.Close()

	appState := state.New(cfg.RecentEvents)
	counter := lanes.NewCounter(cfg.Lanes)

	// A missing or unreadable model disables the counting pipeline but not
	// the process: the API keeps serving the persisted counts.
	var capability detect.Capability
	if *devMode {
		capability = idleCapability{}
	} else {
		capability, err = detect.NewTrackingDetector(detect.Config{
			WeightsPath:    cfg.ModelWeights,
			ModelConfig:    cfg.ModelConfig,
			NamesPath:      cfg.ModelNames,
			InputSize:      cfg.InputSize,
			ConfThreshold:  float64(cfg.ConfThreshold),
			IoUThreshold:   float64(cfg.IoUThreshold),
			AllowedClasses: cfg.Classes,
		})
		if err != nil {
			log.Printf("failed to load detection model, counting disabled: %v", err)
			appState.SetStatus(state.StatusError)
			capability = nil
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the stream worker: capture, detect, count, persist, publish
	if capability != nil {
		defer capability.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := stream.NewWorker(stream.Config{
				Source:      cfg.Stream,
				BackoffBase: cfg.GetBackoffBase(),
				BackoffMax:  cfg.GetBackoffMax(),
				IdleWindow:  cfg.GetTrackIdleWindow(),
				JPEGQuality: cfg.JPEGQuality,
				Lanes:       cfg.Lanes,
			}, nil, capability, counter, eventDB, appState)
			if err := worker.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("stream worker failed: %v", err)
			}
			log.Print("stream worker terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		apiMux := api.NewServer(appState, eventDB).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))

		// read static files from the embedded filesystem in production or from
		// the local ./static in dev for easier iteration without restarting
		// the server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			staticRoot, err := fs.Sub(staticFiles, "static")
			if err != nil {
				log.Fatalf("failed to mount static files: %v", err)
			}
			staticHandler = http.FileServer(http.FS(staticRoot))
		}
		mux.Handle("/", staticHandler)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
