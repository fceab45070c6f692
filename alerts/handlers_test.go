package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func newTestRouter(observer IngestObserver) (*mux.Router, *Store) {
	store := NewStore(DefaultCapacity)
	r := mux.NewRouter()
	NewService(store, observer).Routes(r)
	return r, store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(nil)
	rec := do(t, r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "active" || body["service"] != "Alert Service" {
		t.Errorf("body = %v", body)
	}
}

func TestLogViolationFlow(t *testing.T) {
	var results []IngestResult
	r, store := newTestRouter(func(res IngestResult, _ int) { results = append(results, res) })

	rec := do(t, r, http.MethodPost, "/log_violation", `{"object_class":"cell phone","confidence":0.81}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Status string `json:"status"`
		Entry  *Entry `json:"entry"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "logged" || resp.Entry == nil || resp.Entry.ObjectClass != "cell phone" {
		t.Errorf("response = %s", rec.Body)
	}

	rec = do(t, r, http.MethodPost, "/log_violation", `{"object_class":"cell phone","confidence":0.9}`)
	resp.Entry = nil
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "duplicate_ignored" || resp.Entry != nil {
		t.Errorf("duplicate response = %s", rec.Body)
	}

	rec = do(t, r, http.MethodGet, "/get_alerts", "")
	var list []Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(list) != 1 || list[0].Confidence != 0.81 {
		t.Errorf("alerts = %+v", list)
	}

	rec = do(t, r, http.MethodPost, "/clear_alerts", "")
	if !strings.Contains(rec.Body.String(), `"cleared"`) {
		t.Errorf("clear response = %s", rec.Body)
	}
	if store.Len() != 0 {
		t.Error("store not cleared")
	}

	want := []IngestResult{Logged, DuplicateIgnored, "cleared"}
	if len(results) != len(want) {
		t.Fatalf("observer saw %v", results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("observer[%d] = %s, want %s", i, results[i], want[i])
		}
	}
}

func TestGetAlertsEmptyIsArray(t *testing.T) {
	r, _ := newTestRouter(nil)
	rec := do(t, r, http.MethodGet, "/get_alerts", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}

func TestLogViolationRejectsBadPayload(t *testing.T) {
	r, store := newTestRouter(nil)
	for _, body := range []string{`not json`, `{"confidence":0.5}`} {
		rec := do(t, r, http.MethodPost, "/log_violation", body)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("%q: status = %d, want 422", body, rec.Code)
		}
	}
	if store.Len() != 0 {
		t.Error("bad payloads must not be stored")
	}
}

func TestHandlerAllowsCrossOrigin(t *testing.T) {
	store := NewStore(DefaultCapacity)
	h := NewService(store, nil).Handler("*", mux.NewRouter())

	req := httptest.NewRequest(http.MethodGet, "/get_alerts", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/clear_alerts", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}
