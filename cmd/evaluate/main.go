package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/client"
	"github.com/Tutortoise/exam-proctor-detector/drift"
	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/models"
)

var (
	detectorURL = flag.String("url", "http://localhost:8000", "Detector service base URL")
	imagesDir   = flag.String("images", "test_images", "Directory of evaluation images")
	output      = flag.String("out", "improved_metrics.json", "Output metrics file")
	version     = flag.String("version", "", "Switch the detector to this version before evaluating (v1, v2)")
	timeout     = flag.Duration("timeout", 30*time.Second, "Per-request timeout")
)

func main() {
	flag.Parse()
	log := logger.For("evaluate")
	ctx := context.Background()

	c := client.New(*detectorURL, *timeout)
	if *version != "" {
		v, err := models.ParseVersion(*version)
		if err != nil {
			log.WithError(err).Fatal("invalid version")
		}
		msg, err := c.SwitchModel(ctx, v)
		if err != nil {
			log.WithError(err).Fatal("switch failed")
		}
		log.Info(msg)
	}

	images, err := drift.ImageFiles(*imagesDir, 0)
	if err != nil {
		log.WithError(err).Fatal("cannot list images")
	}

	agg := drift.NewAggregator()
	for _, path := range images {
		resp, err := c.PredictFile(ctx, path)
		if err != nil {
			log.WithError(err).WithField("image", path).Warn("inference failed, skipping")
			continue
		}
		agg.Add(resp.Model, resp.Detections, resp.LatencyMs)
	}

	data, err := json.MarshalIndent(agg.Summary(), "", "    ")
	if err != nil {
		log.Fatalf("Failed to encode metrics: %v", err)
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		log.WithError(err).Fatal("cannot write metrics")
	}
	log.WithField("out", *output).Info("evaluation complete")
}
