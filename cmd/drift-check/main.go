package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/client"
	"github.com/Tutortoise/exam-proctor-detector/drift"
	"github.com/Tutortoise/exam-proctor-detector/logger"
)

var (
	detectorURL = flag.String("url", "http://localhost:8000", "Detector service base URL")
	imagesDir   = flag.String("images", "evaluation/test_images", "Directory of sample images")
	reference   = flag.String("reference", "scripts/baseline_reference.json", "Baseline reference JSON")
	limit       = flag.Int("limit", drift.DefaultSampleLimit, "Maximum number of images to sample")
	timeout     = flag.Duration("timeout", 30*time.Second, "Per-request timeout")
	jsonOut     = flag.Bool("json", false, "Print the report as JSON")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
)

func main() {
	flag.Parse()
	if err := logger.Init(*logLevel, "text", os.Stderr); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	os.Exit(run())
}

func run() int {
	log := logger.For("drift")

	ref, err := drift.LoadReference(*reference)
	if err != nil {
		log.WithError(err).Error("cannot load reference")
		return 2
	}

	images, err := drift.ImageFiles(*imagesDir, *limit)
	if err != nil {
		log.WithError(err).Error("cannot list images")
		return 2
	}
	if len(images) == 0 {
		log.WithField("dir", *imagesDir).Warn("no images found for drift check")
		return 0
	}
	log.WithField("images", len(images)).Info("checking sample images against reference")

	c := client.New(*detectorURL, *timeout)
	agg := drift.NewAggregator()
	for _, path := range images {
		resp, err := c.PredictFile(context.Background(), path)
		if err != nil {
			log.WithError(err).WithField("image", path).Warn("inference failed, skipping")
			continue
		}
		agg.Add(resp.Model, resp.Detections, resp.LatencyMs)
	}

	report := agg.Check(*ref)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
	} else {
		printReport(report, *ref)
	}

	if report.Drift {
		return 1
	}
	return 0
}

func printReport(r drift.Report, ref drift.Reference) {
	fmt.Printf("Current Avg Confidence: %.2f (Baseline: %.2f)\n", r.Summary.AvgConfidence, ref.AvgConfidence)
	fmt.Printf("Current Avg Detections: %.2f (Baseline: %.2f)\n", r.Summary.AvgDetections, ref.AvgDetections)
	if !r.Drift {
		fmt.Println("\nSystem healthy. No drift detected.")
		return
	}
	fmt.Println("\nDRIFT DETECTED")
	for _, reason := range r.Reasons {
		fmt.Printf(" - %s\n", reason)
	}
}
