// Package main starts the study allocation HTTP service.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reprohum/studypool/internal/platform/config"
	"github.com/reprohum/studypool/internal/platform/otel"
	"github.com/reprohum/studypool/internal/services/study/app"
)

type serverEnv struct {
	HTTPAddr     string `env:"STUDYPOOL_HTTP_ADDR" envDefault:":8080"`
	DBPath       string `env:"STUDYPOOL_DB_PATH" envDefault:"data/study.db"`
	ManifestPath string `env:"STUDYPOOL_MANIFEST" envDefault:"study.yaml"`
}

func main() {
	log.SetPrefix("[STUDY] ")

	var envCfg serverEnv
	if err := config.ParseEnv(&envCfg); err != nil {
		config.Exitf("parse environment: %v", err)
	}

	addr := flag.String("addr", envCfg.HTTPAddr, "HTTP listen address")
	dbPath := flag.String("db", envCfg.DBPath, "SQLite database path")
	manifestPath := flag.String("manifest", envCfg.ManifestPath, "study manifest path")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.Setup(ctx, "study-server")
	if err != nil {
		config.Exitf("set up tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	if err := app.Run(ctx, app.RuntimeConfig{
		HTTPAddr:     *addr,
		DBPath:       *dbPath,
		ManifestPath: *manifestPath,
	}); err != nil {
		config.Exitf("serve study: %v", err)
	}
}
