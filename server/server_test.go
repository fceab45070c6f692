package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Tutortoise/exam-proctor-detector/alerting"
	"github.com/Tutortoise/exam-proctor-detector/config"
	"github.com/Tutortoise/exam-proctor-detector/metrics"
	"github.com/Tutortoise/exam-proctor-detector/models"
	"github.com/Tutortoise/exam-proctor-detector/pipeline"
	"github.com/Tutortoise/exam-proctor-detector/registry"
	"github.com/Tutortoise/exam-proctor-detector/store"
)

type echoDetector struct {
	version models.ModelVersion
}

func (d *echoDetector) Version() models.ModelVersion { return d.version }
func (d *echoDetector) Close() error                 { return nil }

// Detect reports one detection sized to the decoded image.
func (d *echoDetector) Detect(_ context.Context, img image.Image, _ *models.ProcessingTimings) ([]models.Detection, error) {
	b := img.Bounds()
	return []models.Detection{{
		Class: "laptop",
		Score: 0.9,
		Box:   models.Box{W: float64(b.Dx()), H: float64(b.Dy())},
	}}, nil
}

type testServer struct {
	handler  http.Handler
	store    *store.SQLiteStore
	mu       sync.Mutex
	brokenV1 bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ts := &testServer{store: st}
	loader := registry.LoaderFunc(func(_ context.Context, v models.ModelVersion) (registry.Detector, error) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if v == models.Baseline && ts.brokenV1 {
			return nil, errors.New("artifact missing")
		}
		return &echoDetector{version: v}, nil
	})

	m := metrics.New()
	engine := alerting.NewEngine(alerting.DefaultConfig(), nil)
	reg := registry.New(loader, registry.WithSwitchHook(func(models.ModelVersion) { engine.Reset() }))
	svc := pipeline.New(reg, st, engine, m)

	cfg := config.Default().Server
	ts.handler = New(cfg, svc, st, m).Handler()
	return ts
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, "frame.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type predictBody struct {
	Model      string             `json:"model"`
	Detections []models.Detection `json:"detections"`
	LatencyMs  float64            `json:"latency_ms"`
}

func decodePredict(t *testing.T, rec *httptest.ResponseRecorder) predictBody {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body predictBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestPredictMultipart(t *testing.T) {
	ts := newTestServer(t)
	body := decodePredict(t, serve(ts.handler, multipartRequest(t, "file", pngBytes(t, 32, 16))))

	if body.Model != "v2" {
		t.Errorf("model = %q, want v2", body.Model)
	}
	if len(body.Detections) != 1 || body.Detections[0].Box.W != 32 || body.Detections[0].Box.H != 16 {
		t.Errorf("detections = %+v", body.Detections)
	}
	if body.LatencyMs <= 0 {
		t.Errorf("latency_ms = %v", body.LatencyMs)
	}
}

func TestPredictJSONAndRaw(t *testing.T) {
	ts := newTestServer(t)
	data := pngBytes(t, 8, 8)

	payload, _ := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(data)})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	decodePredict(t, serve(ts.handler, req))

	req = httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(data))
	req.Header.Set("Content-Type", "image/png")
	decodePredict(t, serve(ts.handler, req))
}

func TestPredictRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		req  *http.Request
		code string
	}{
		{"not an image", httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("hello")), "invalid_image"},
		{"empty body", httptest.NewRequest(http.MethodPost, "/predict", nil), "invalid_request"},
		{"wrong field", multipartRequest(t, "image", pngBytes(t, 4, 4)), "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(ts.handler, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp ErrorResponse
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Code != tt.code {
				t.Errorf("code = %q, want %q", resp.Code, tt.code)
			}
		})
	}
}

func TestSwitchModel(t *testing.T) {
	ts := newTestServer(t)

	rec := serve(ts.handler, httptest.NewRequest(http.MethodPost, "/switch_model?version=v1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Model switched to v1") {
		t.Fatalf("switch response %d: %s", rec.Code, rec.Body)
	}
	body := decodePredict(t, serve(ts.handler, multipartRequest(t, "file", pngBytes(t, 4, 4))))
	if body.Model != "v1" {
		t.Errorf("predict after switch used %q", body.Model)
	}

	rec = serve(ts.handler, httptest.NewRequest(http.MethodGet, "/switch_history", nil))
	var hist []store.Switch
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v (%s)", err, rec.Body)
	}
	if len(hist) != 1 || hist[0].Version != models.Baseline {
		t.Errorf("history = %+v", hist)
	}
}

func TestSwitchModelInvalidVersion(t *testing.T) {
	ts := newTestServer(t)
	rec := serve(ts.handler, httptest.NewRequest(http.MethodPost, "/switch_model?version=v9", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != MsgInvalidVersion {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestSwitchModelLoadFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.brokenV1 = true

	// make v2 resident first
	decodePredict(t, serve(ts.handler, multipartRequest(t, "file", pngBytes(t, 4, 4))))

	rec := serve(ts.handler, httptest.NewRequest(http.MethodPost, "/switch_model?version=v1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Errorf("body = %s", rec.Body)
	}

	body := decodePredict(t, serve(ts.handler, multipartRequest(t, "file", pngBytes(t, 4, 4))))
	if body.Model != "v2" {
		t.Errorf("failed switch changed the serving model to %q", body.Model)
	}
}

func TestPredictModelUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.brokenV1 = true
	if err := ts.store.SetActiveVersion(context.Background(), models.Baseline); err != nil {
		t.Fatal(err)
	}

	rec := serve(ts.handler, multipartRequest(t, "file", pngBytes(t, 4, 4)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Code != "model_unavailable" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := serve(ts.handler, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Model != models.Improved || resp.Loaded != "" {
		t.Errorf("health = %+v", resp)
	}
	if resp.CPU == nil {
		t.Error("cpu features missing")
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://monitor.local")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(ts.handler, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	rec = serve(ts.handler, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing on a normal response")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	decodePredict(t, serve(ts.handler, multipartRequest(t, "file", pngBytes(t, 4, 4))))

	rec := serve(ts.handler, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `detector_predictions_total{model="v2",outcome="ok"} 1`) {
		t.Errorf("prediction counter missing:\n%s", rec.Body)
	}
}

// zeroWidthBMP is a valid 24-bit BMP header declaring a 0x10 image.
func zeroWidthBMP() []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("BM")
	binary.Write(&buf, le, uint32(54)) // file size
	binary.Write(&buf, le, uint32(0))  // reserved
	binary.Write(&buf, le, uint32(54)) // pixel data offset
	binary.Write(&buf, le, uint32(40)) // info header size
	binary.Write(&buf, le, int32(0))   // width
	binary.Write(&buf, le, int32(10))  // height
	binary.Write(&buf, le, uint16(1))  // planes
	binary.Write(&buf, le, uint16(24)) // bits per pixel
	binary.Write(&buf, le, [6]uint32{})
	return buf.Bytes()
}

func TestPredictRejectsEmptyImage(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(zeroWidthBMP()))
	req.Header.Set("Content-Type", "image/bmp")
	rec := serve(ts.handler, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
	}
	var resp ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Code != "invalid_image" {
		t.Errorf("code = %q", resp.Code)
	}

	// the service keeps serving afterwards
	decodePredict(t, serve(ts.handler, multipartRequest(t, "file", pngBytes(t, 4, 4))))
}
