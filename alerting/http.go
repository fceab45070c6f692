package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

// Violation is the alert sink's ingestion payload.
type Violation struct {
	ObjectClass string  `json:"object_class"`
	Confidence  float64 `json:"confidence"`
}

// HTTPNotifier posts events to the alert service's /log_violation endpoint.
type HTTPNotifier struct {
	url    string
	client *http.Client
}

func NewHTTPNotifier(url string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *HTTPNotifier) Name() string { return "http" }

func (n *HTTPNotifier) Notify(ctx context.Context, evt models.AlertEvent) error {
	body, err := json.Marshal(Violation{ObjectClass: evt.Category, Confidence: evt.Confidence})
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert sink returned status %d", resp.StatusCode)
	}
	return nil
}
