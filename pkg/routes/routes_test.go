package routes_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/JaimeStill/aperture/pkg/routes"
)

func ok(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func tag(name string, trail *[]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*trail = append(*trail, name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestRegisterHandlers(t *testing.T) {
	mux := http.NewServeMux()

	routes.Register(mux, routes.Group{
		Prefix: "/images",
		Routes: []routes.Route{
			{Method: "GET", Pattern: "", Handler: ok},
			{Method: "GET", Pattern: "/{hash}", Handler: ok},
		},
	})

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"list images", "GET", "/images", http.StatusOK},
		{"get image", "GET", "/images/abc", http.StatusOK},
		{"wrong method", "DELETE", "/images/abc", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status: got %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNestedGroupsAndMiddleware(t *testing.T) {
	mux := http.NewServeMux()
	var trail []string

	routes.Register(mux, routes.Group{
		Prefix:     "/api",
		Middleware: []func(http.Handler) http.Handler{tag("api", &trail)},
		Children: []routes.Group{
			{
				Prefix: "/upload",
				Routes: []routes.Route{
					{
						Method:     "POST",
						Pattern:    "",
						Handler:    ok,
						Middleware: []func(http.Handler) http.Handler{tag("route", &trail)},
					},
				},
			},
		},
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/upload", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got := strings.Join(trail, ","); got != "api,route" {
		t.Errorf("middleware order: got %s, want api,route", got)
	}
}
