package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reprohum/studypool/internal/services/study/dataset"
	"github.com/reprohum/studypool/internal/services/study/engine"
	"github.com/reprohum/studypool/internal/services/study/manifest"
	"github.com/reprohum/studypool/internal/services/study/metrics"
	studysqlite "github.com/reprohum/studypool/internal/services/study/storage/sqlite"
)

const shutdownTimeout = 5 * time.Second

// RuntimeConfig controls study server startup.
type RuntimeConfig struct {
	HTTPAddr     string
	DBPath       string
	ManifestPath string
}

const (
	defaultHTTPAddr = ":8080"
	defaultDBPath   = "data/study.db"
)

// Run starts the study server and blocks until the context is
// cancelled or serving fails.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.ManifestPath) == "" {
		return fmt.Errorf("manifest path is required")
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}

	study, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("load study manifest: %w", err)
	}
	ds, err := dataset.Load(study.Data)
	if err != nil {
		return fmt.Errorf("load study dataset: %w", err)
	}
	template, err := os.ReadFile(study.Template)
	if err != nil {
		return fmt.Errorf("read interface template: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := studysqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open study store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close study store: %v", closeErr)
		}
	}()

	eng, err := engine.New(store, study.CompletionsPerTask, time.Duration(study.TaskTimeLimit))
	if err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}

	collector := metrics.NewCollector()
	handler, err := NewHandler(eng, ds, string(template), study.StudyID, study.Static, collector)
	if err != nil {
		return fmt.Errorf("assemble handler: %w", err)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go RunSweeper(sweepCtx, eng, time.Duration(study.SweepInterval), collector)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	log.Printf("study server listening at %s (study %q, %d tasks)", cfg.HTTPAddr, study.StudyID, ds.Len())

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	<-serveErr
	return nil
}
