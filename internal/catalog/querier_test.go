package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPQuerier(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}

		switch {
		case strings.Contains(req.Query, "environments_v1"):
			_, _ = w.Write([]byte(`{"data":{"envs":[{"name":"eph-42","namespaces":[{"name":"ns-42"}]}]}}`))
		case strings.Contains(req.Query, "apps_v1"):
			_, _ = w.Write([]byte(`{"data":{"apps":[{"name":"advisor"}]}}`))
		default:
			t.Errorf("unexpected query: %s", req.Query)
		}
	}))
	defer srv.Close()

	q := NewHTTPQuerier(srv.URL, "token-123")

	envs, err := q.Environments(context.Background())
	if err != nil {
		t.Fatalf("Environments() error: %v", err)
	}
	if len(envs) != 1 || envs[0].Name != "eph-42" {
		t.Errorf("Environments() = %+v, want one env named eph-42", envs)
	}
	if gotAuth != "token-123" {
		t.Errorf("Authorization header = %q, want the configured token", gotAuth)
	}

	apps, err := q.Applications(context.Background())
	if err != nil {
		t.Fatalf("Applications() error: %v", err)
	}
	if len(apps) != 1 || apps[0].Name != "advisor" {
		t.Errorf("Applications() = %+v, want one app named advisor", apps)
	}
}

func TestHTTPQuerier_Errors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		status  int
		body    string
		wantSub string
	}{
		"http error":    {status: http.StatusBadGateway, body: "", wantSub: "HTTP 502"},
		"query errors":  {status: http.StatusOK, body: `{"errors":[{"message":"field not found"}]}`, wantSub: "field not found"},
		"invalid body":  {status: http.StatusOK, body: `notjson`, wantSub: "decoding"},
		"mistyped data": {status: http.StatusOK, body: `{"data":{"envs":"wat"}}`, wantSub: "decoding"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewHTTPQuerier(srv.URL, "").Environments(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}
