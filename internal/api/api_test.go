package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iiTONELOC/safe-pc/internal/cache"
	"github.com/iiTONELOC/safe-pc/internal/config"
	"github.com/iiTONELOC/safe-pc/internal/jobs"
	"github.com/iiTONELOC/safe-pc/internal/models"
)

func newTestServer(t *testing.T, maxJobs int) (*Server, *cache.Cache, *jobs.Manager) {
	t.Helper()
	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	manager := jobs.NewManager(maxJobs, store, nil)
	cfg := &config.Config{MaxJobs: maxJobs, LogLevel: "error"}
	return NewServer(manager, store, nil, nil, nil, cfg), store, manager
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, 5)
	w := do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSubmitRejectsMalformedPayload(t *testing.T) {
	s, _, _ := newTestServer(t, 5)

	for _, body := range []string{"not json", `{"boot_mode":"http"}`} {
		w := do(t, s, http.MethodPost, "/api/jobs", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestSubmitAtCeilingReturns429(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	w := do(t, s, http.MethodPost, "/api/jobs", `{"answer":"cfg"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestJobStatusFallsBackToCache(t *testing.T) {
	s, store, _ := newTestServer(t, 5)

	w := do(t, s, http.MethodGet, "/api/jobs/unknown", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", w.Code)
	}

	iso := filepath.Join(t.TempDir(), "final.iso")
	if err := os.WriteFile(iso, []byte("iso"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.SetFinalArtifactPath("job-done", iso); err != nil {
		t.Fatal(err)
	}

	w = do(t, s, http.MethodGet, "/api/jobs/job-done", "")
	if w.Code != http.StatusOK {
		t.Fatalf("finished job status = %d, want 200", w.Code)
	}
	var resp models.JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.JobStatusCompleted || resp.ISOPath != iso {
		t.Errorf("response = %+v", resp)
	}
}

func TestAnswerEndpointServesCachedPayload(t *testing.T) {
	s, store, _ := newTestServer(t, 5)

	if _, _, err := store.Put("job-1", []byte("[global]\nfqdn = \"node.example\"\n")); err != nil {
		t.Fatal(err)
	}

	w := do(t, s, http.MethodGet, "/api/jobs/job-1/answer", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "fqdn") {
		t.Errorf("answer body = %q", w.Body.String())
	}

	w = do(t, s, http.MethodGet, "/api/jobs/nope/answer", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing answer status = %d, want 404", w.Code)
	}
}

func TestDeleteRejectsLiveJob(t *testing.T) {
	s, _, manager := newTestServer(t, 5)

	job, err := manager.Submit(&models.BuildRequest{Answer: "cfg"})
	if err != nil {
		t.Fatal(err)
	}
	w := do(t, s, http.MethodDelete, "/api/jobs/"+job.ID, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("delete of live job status = %d, want 409", w.Code)
	}
}

func TestCacheIntegrityEndpoint(t *testing.T) {
	s, store, _ := newTestServer(t, 5)
	if _, _, err := store.Put("job-1", []byte("payload")); err != nil {
		t.Fatal(err)
	}

	w := do(t, s, http.MethodGet, "/api/cache/integrity", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/api/cache/integrity?sample=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bogus sample status = %d, want 400", w.Code)
	}
}
