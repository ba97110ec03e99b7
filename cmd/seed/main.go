// Package main seeds the study task pool: it creates the schema and
// inserts the waiting replicas for every dataset row. It is a one-time
// setup step; the allocation engine never creates or deletes replicas.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/reprohum/studypool/internal/platform/config"
	"github.com/reprohum/studypool/internal/services/study/dataset"
	"github.com/reprohum/studypool/internal/services/study/manifest"
	"github.com/reprohum/studypool/internal/services/study/seed"
	"github.com/reprohum/studypool/internal/services/study/storage"
	studysqlite "github.com/reprohum/studypool/internal/services/study/storage/sqlite"
)

type seedEnv struct {
	DBPath       string `env:"STUDYPOOL_DB_PATH" envDefault:"data/study.db"`
	ManifestPath string `env:"STUDYPOOL_MANIFEST" envDefault:"study.yaml"`
}

func main() {
	log.SetPrefix("[SEED] ")

	var envCfg seedEnv
	if err := config.ParseEnv(&envCfg); err != nil {
		config.Exitf("parse environment: %v", err)
	}

	dbPath := flag.String("db", envCfg.DBPath, "SQLite database path")
	manifestPath := flag.String("manifest", envCfg.ManifestPath, "study manifest path")
	force := flag.Bool("force", false, "seed even if the task pool already has replicas")
	flag.Parse()

	study, err := manifest.Load(*manifestPath)
	if err != nil {
		config.Exitf("load study manifest: %v", err)
	}
	ds, err := dataset.Load(study.Data)
	if err != nil {
		config.Exitf("load study dataset: %v", err)
	}

	taskCount := ds.Len()
	if study.NumberOfTasks > 0 && study.NumberOfTasks < taskCount {
		taskCount = study.NumberOfTasks
	}

	replicas, err := seed.BuildReplicas(taskCount, study.CompletionsPerTask)
	if err != nil {
		config.Exitf("build replicas: %v", err)
	}

	if dir := filepath.Dir(*dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			config.Exitf("create storage dir: %v", err)
		}
	}
	store, err := studysqlite.Open(*dbPath)
	if err != nil {
		config.Exitf("open study store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close study store: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := store.InsertReplicas(ctx, replicas, *force); err != nil {
		if errors.Is(err, storage.ErrPoolNotEmpty) {
			config.Exitf("task pool already seeded; re-run with -force to add replicas anyway")
		}
		config.Exitf("insert replicas: %v", err)
	}

	log.Printf("seeded %d replicas (%d tasks x %d completions) into %s",
		len(replicas), taskCount, study.CompletionsPerTask, *dbPath)
}
