package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"etmapd/internal/api"
	"etmapd/pkg/config"
	"etmapd/pkg/coverage"
	"etmapd/pkg/db"
	"etmapd/pkg/etjob"
	"etmapd/pkg/fetch"
	"etmapd/pkg/layout"
	"etmapd/pkg/logging"
	"etmapd/pkg/metrics"
	"etmapd/pkg/orchestrator"
	"etmapd/pkg/probe"
	"etmapd/pkg/raster"
	"etmapd/pkg/store"
	"etmapd/pkg/version"
)

// rasterHeaderCacheSize bounds the coverage checker's GeoTIFF header
// cache. Headers are a few hundred bytes each.
const rasterHeaderCacheSize = 4096

var (
	configPath = flag.String("config", "configs/etmapd.yaml", "Path to config file")
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
	trace      = flag.Bool("trace", false, "Log every download attempt")
)

func main() {
	flag.Parse()
	logging.EnableTrace = *trace

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated:", *configPath)
		return
	}

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A .env file is optional; the ETMAP_* variables it may set are
	// picked up by config.Load.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("etmapd started", "version", version.Version)

	dbConn, err := db.Init(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbConn.Close()
	jobs := etjob.NewManager(store.NewSQLiteStore(dbConn))

	mp := metrics.Init(version.Version)

	headers, err := raster.NewInfoReader(rasterHeaderCacheSize)
	if err != nil {
		return fmt.Errorf("failed to initialize raster header cache: %w", err)
	}
	checker := coverage.NewChecker(cfg, headers)

	fetchers, netrcOK := initFetchers(cfg, mp)

	var compute orchestrator.Runner
	if cfg.Compute.Command != "" {
		compute = orchestrator.NewCompute(cfg.Compute.Command, dbConn.Path())
	}
	orch := orchestrator.New(jobs, checker, fetchers, compute, cfg.Compute.AutoCalc, mp)

	if err := runProbes(ctx, cfg, dbConn, netrcOK); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	// Pick up jobs interrupted by the previous shutdown.
	if err := orch.Resume(ctx); err != nil {
		slog.Error("failed to resume interrupted jobs", "error", err)
	}

	etmapH := api.NewETMapHandler(ctx, jobs, orch, checker, cfg.Data.ResultsDir, mp)
	srv := api.NewServer(cfg, etmapH, mp)

	err = runServerLifecycle(ctx, srv)

	// Let in-flight jobs settle before the database closes.
	cancel()
	orch.Wait()
	return err
}

// initFetchers builds the shared download client and registers the
// dataset fetchers. NLDAS needs Earthdata credentials from ~/.netrc; a
// missing entry disables that fetcher rather than the whole service.
func initFetchers(cfg *config.Config, mp *metrics.Provider) (*fetch.Manager, bool) {
	client := fetch.NewClient(cfg.Request, mp)
	cache := layout.New(cfg.Data.Root)

	m := fetch.NewManager()
	m.Register(fetch.NewLandsatFetcher(cfg.Landsat, client, cache))
	m.Register(fetch.NewPrismFetcher(cfg.Prism, client, cache))

	netrcOK := true
	nldas, err := fetch.NewNLDASFetcher(cfg.NLDAS, client, cache)
	if err != nil {
		slog.Error("NLDAS fetcher disabled", "machine", cfg.NLDAS.NetrcMachine, "error", err)
		netrcOK = false
	} else {
		m.Register(nldas)
	}

	slog.Info("fetchers registered", "datasets", m.Names())
	return m, netrcOK
}

func runProbes(ctx context.Context, cfg *config.Config, dbConn *db.DB, netrcOK bool) error {
	probes := []probe.Probe{
		probe.WritableDir("data root", cfg.Data.Root, true),
		probe.WritableDir("results dir", cfg.Data.ResultsDir, true),
		probe.Database(dbConn),
	}
	if !netrcOK {
		probes = append(probes, probe.FileExists("Earthdata credentials", fetch.NetrcPath(), false))
	}
	return probe.Analyze(probe.Run(ctx, probes))
}

func runServerLifecycle(ctx context.Context, srv *http.Server) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	slog.Info("starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case <-quit:
		slog.Info("shutting down server")
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
