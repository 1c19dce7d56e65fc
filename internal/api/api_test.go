package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JaimeStill/aperture/internal/api"
	"github.com/JaimeStill/aperture/internal/config"
	"github.com/JaimeStill/aperture/internal/images"
	"github.com/JaimeStill/aperture/internal/infrastructure"
	"github.com/JaimeStill/aperture/internal/ingest"
)

// labelStudio answers the endpoints the API touches during upload and health.
type labelStudio struct {
	*httptest.Server
	tasks atomic.Int32
}

func newLabelStudio(t *testing.T) *labelStudio {
	t.Helper()
	ls := &labelStudio{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"UP"}`))
	})
	mux.HandleFunc("POST /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		id := ls.tasks.Add(1) + 10
		fmt.Fprintf(w, `{"id":%d}`, id)
	})

	ls.Server = httptest.NewServer(mux)
	t.Cleanup(ls.Close)
	return ls
}

type harness struct {
	api     *api.API
	infra   *infrastructure.Infrastructure
	content string
}

func setup(t *testing.T, annotationURL string) *harness {
	t.Helper()

	dir := t.TempDir()
	contentRoot := filepath.Join(dir, "images")
	toml := fmt.Sprintf(`
[logging]
format = "text"
level = "error"

[database]
path = %q

[content]
root = %q

[annotation]
url = %q
project_id = 3

[reconcile]
enabled = false
`, filepath.Join(dir, "aperture.db"), contentRoot, annotationURL)

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(toml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	infra, err := infrastructure.New(cfg)
	if err != nil {
		t.Fatalf("infrastructure.New() error = %v", err)
	}

	a, err := api.New(cfg, infra)
	if err != nil {
		t.Fatalf("api.New() error = %v", err)
	}

	if err := infra.Start(); err != nil {
		t.Fatalf("infra.Start() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("api.Start() error = %v", err)
	}
	if err := infra.Lifecycle.WaitForStartup(); err != nil {
		t.Fatalf("WaitForStartup() error = %v", err)
	}
	t.Cleanup(func() { infra.Lifecycle.Shutdown(5 * time.Second) })

	return &harness{api: a, infra: infra, content: contentRoot}
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.api.Module.Serve(rec, req)
	return rec
}

func upload(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestNewMountsBasePath(t *testing.T) {
	h := setup(t, newLabelStudio(t).URL)

	if got := h.api.Module.Prefix(); got != "/api" {
		t.Errorf("Prefix() = %s, want /api", got)
	}
	if h.api.Domain.Images == nil || h.api.Domain.Ingest == nil || h.api.Domain.Reconcile == nil {
		t.Error("domain systems not initialized")
	}
}

func TestUploadThenQuery(t *testing.T) {
	h := setup(t, newLabelStudio(t).URL)

	rec := h.do(t, upload(t, "joint.png", []byte("solder joint")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201: %s", rec.Code, rec.Body)
	}

	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.TaskID != "11" {
		t.Errorf("task_id = %q, want 11", result.TaskID)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/images/"+result.Hash, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("find status = %d, want 200", rec.Code)
	}
	var img images.Image
	if err := json.Unmarshal(rec.Body.Bytes(), &img); err != nil {
		t.Fatal(err)
	}
	if img.Status != images.SentToAnnotation {
		t.Errorf("status = %s, want sent_to_annotation", img.Status)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	var stats images.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 || stats.SentToAnnotation != 1 {
		t.Errorf("stats = %+v, want one sent record", stats)
	}
}

func TestUploadRejectsExtension(t *testing.T) {
	h := setup(t, newLabelStudio(t).URL)

	rec := h.do(t, upload(t, "notes.txt", []byte("text")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name           string
		annotationUp   bool
		removeContent  bool
		wantStatus     string
		wantAnnotation bool
		wantStorage    bool
	}{
		{"all healthy", true, false, "healthy", true, true},
		{"annotation down", false, false, "healthy", false, true},
		{"storage missing", true, true, "degraded", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "http://127.0.0.1:1"
			if tt.annotationUp {
				url = newLabelStudio(t).URL
			}
			h := setup(t, url)

			if tt.removeContent {
				if err := os.RemoveAll(filepath.Join(h.content, "labeled")); err != nil {
					t.Fatal(err)
				}
			}

			rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}

			var got api.HealthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if !got.Checks.Database {
				t.Error("database check failed")
			}
			if got.Checks.Storage != tt.wantStorage {
				t.Errorf("storage = %v, want %v", got.Checks.Storage, tt.wantStorage)
			}
			if got.Checks.Annotation != tt.wantAnnotation {
				t.Errorf("annotation = %v, want %v", got.Checks.Annotation, tt.wantAnnotation)
			}
		})
	}
}

func TestFindRejectsInvalidHash(t *testing.T) {
	h := setup(t, newLabelStudio(t).URL)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/images/not-a-hash", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
