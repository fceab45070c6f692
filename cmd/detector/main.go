package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/alerting"
	"github.com/Tutortoise/exam-proctor-detector/config"
	"github.com/Tutortoise/exam-proctor-detector/detections"
	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/metrics"
	"github.com/Tutortoise/exam-proctor-detector/models"
	"github.com/Tutortoise/exam-proctor-detector/pipeline"
	"github.com/Tutortoise/exam-proctor-detector/registry"
	"github.com/Tutortoise/exam-proctor-detector/server"
	"github.com/Tutortoise/exam-proctor-detector/store"
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
		cfg.Server.Addr = *addr
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	log := logger.For("main")

	if err := detections.InitRuntime(cfg.Models.SharedLibraryPath); err != nil {
		log.WithError(err).Fatal("failed to initialize onnxruntime")
	}
	defer detections.DestroyRuntime()
	log.WithField("int8_acceleration", detections.HasInt8Acceleration()).Info("onnxruntime initialized")

	versions, err := store.Open(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to open state store")
	}
	defer versions.Close()

	m := metrics.New()

	notifiers := []alerting.Notifier{
		alerting.NewHTTPNotifier(cfg.Alerting.SinkURL, cfg.Alerting.DeliveryTimeout),
	}
	var mqttNotifier *alerting.MQTTNotifier
	if cfg.Alerting.MQTT.Broker != "" {
		mqttNotifier = alerting.NewMQTTNotifier(alerting.MQTTConfig{
			Broker:   cfg.Alerting.MQTT.Broker,
			ClientID: cfg.Alerting.MQTT.ClientID,
			Topic:    cfg.Alerting.MQTT.Topic,
			QoS:      cfg.Alerting.MQTT.QoS,
			Format:   cfg.Alerting.MQTT.Format,
		})
		connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mqttNotifier.Connect(connectCtx); err != nil {
			// paho keeps retrying in the background
			log.WithError(err).Warn("mqtt broker not reachable yet")
		}
		cancel()
		defer mqttNotifier.Disconnect()
		notifiers = append(notifiers, mqttNotifier)
	}

	dispatcher := alerting.NewDispatcher(alerting.DispatchConfig{
		QueueSize: cfg.Alerting.QueueSize,
		Workers:   cfg.Alerting.Workers,
		Timeout:   cfg.Alerting.DeliveryTimeout,
	}, m.RecordDelivery, notifiers...)
	dispatcher.Start()
	m.ObserveDropped(dispatcher.Dropped)

	engine := alerting.NewEngine(alerting.Config{
		SubjectClass:            cfg.Alerting.SubjectClass,
		MovementThreshold:       cfg.Alerting.MovementThreshold,
		BannedItems:             cfg.Alerting.BannedItems,
		ContrabandMinConfidence: cfg.Alerting.ContrabandMinConfidence,
	}, dispatcher, alerting.WithEmitHook(m.RecordAlert))

	reg := registry.New(&registry.OnnxLoader{
		Paths: map[models.ModelVersion]string{
			models.Baseline: cfg.Models.BaselinePath,
			models.Improved: cfg.Models.ImprovedPath,
		},
		PoolSize: cfg.Models.PoolSize,
		Threads:  cfg.Models.Threads,
		Warmup:   cfg.Models.Warmup,
	},
		registry.WithSwitchHook(func(models.ModelVersion) { engine.Reset() }),
		registry.WithLoadObserver(m.RecordLoad),
	)
	defer reg.Close()

	m.ObservePool(func() (detections.PoolSnapshot, bool) {
		d, ok := reg.Current().(interface{ PoolMetrics() detections.PoolSnapshot })
		if !ok {
			return detections.PoolSnapshot{}, false
		}
		return d.PoolMetrics(), true
	})

	svc := pipeline.New(reg, versions, engine, m)
	if cfg.Models.Preload {
		if err := svc.Preload(context.Background()); err != nil {
			log.WithError(err).Warn("preload failed, detector will load on first request")
		}
	}

	history, _ := versions.(store.HistoryStore)
	srv := server.New(cfg.Server, svc, history, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.WithError(err).Error("server error")
	}

	log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("alert queue not drained")
	}
}
