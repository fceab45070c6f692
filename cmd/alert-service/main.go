package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/Tutortoise/exam-proctor-detector/alerts"
	"github.com/Tutortoise/exam-proctor-detector/config"
	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/metrics"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.AlertService.Addr = *addr
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	log := logger.For("main")

	m := metrics.New()
	svc := alerts.NewService(alerts.NewStore(cfg.AlertService.Capacity), func(result alerts.IngestResult, size int) {
		m.RecordIngest(string(result), size)
	})

	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         cfg.AlertService.Addr,
		Handler:      svc.Handler(cfg.AlertService.CORSOrigin, r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("starting alert service")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("alert service stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("error during shutdown")
	}
}
