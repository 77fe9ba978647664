package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/record"
)

func newTestClient(handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	ts := httptest.NewServer(handler)
	return NewHTTPClient(ts.URL, "test-key", 100, zap.NewNop()), ts
}

func TestQueryBuildsRequest(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	client, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([]record.Record{{"id": "1", "title": "a"}})
	})
	defer ts.Close()

	rows, err := client.Query(context.Background(), "tasks", QueryOptions{
		Select: "id,title",
		Filter: &Filter{Column: "tenant_id", Value: "t1"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].ID() != "1" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if gotPath != "/v1/collections/tasks/records" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "select=id%2Ctitle&tenant_id=eq.t1" {
		t.Fatalf("query = %q", gotQuery)
	}
	if gotAuth != "Basic test-key" {
		t.Fatalf("auth = %q", gotAuth)
	}
}

func TestQueryWildcardOmitsSelect(t *testing.T) {
	var gotQuery string
	client, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("[]"))
	})
	defer ts.Close()

	rows, err := client.Query(context.Background(), "tasks", QueryOptions{Select: "*"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows == nil {
		t.Fatal("empty result must be a non-nil slice")
	}
	if gotQuery != "" {
		t.Fatalf("wildcard select leaked into query: %q", gotQuery)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "missing column",
			status: http.StatusBadRequest,
			body:   `{"error": "column tasks.deadline does not exist"}`,
			check: func(t *testing.T, err error) {
				column, ok := AsMissingColumn(err)
				if !ok || column != "deadline" {
					t.Fatalf("expected MissingColumnError for deadline, got %v", err)
				}
			},
		},
		{
			name:   "access denied",
			status: http.StatusForbidden,
			body:   `{"error": "write to protected collection \"audit\" denied: tenant_id and owner_id are required"}`,
			check: func(t *testing.T, err error) {
				if !IsAccessDenied(err) {
					t.Fatalf("expected access denied, got %v", err)
				}
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"error": "collection \"ghosts\" not found"}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name:   "plain server error",
			status: http.StatusInternalServerError,
			body:   `boom`,
			check: func(t *testing.T, err error) {
				if err == nil || IsAccessDenied(err) {
					t.Fatalf("expected generic error, got %v", err)
				}
				if _, ok := AsMissingColumn(err); ok {
					t.Fatal("generic error misread as drift")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			defer ts.Close()

			_, err := client.Query(context.Background(), "tasks", QueryOptions{})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestInsertRoundTrip(t *testing.T) {
	client, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var rec record.Record
		_ = json.NewDecoder(r.Body).Decode(&rec)
		rec["id"] = "assigned"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	})
	defer ts.Close()

	row, err := client.Insert(context.Background(), "tasks", record.Record{"title": "a"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if row.ID() != "assigned" || row["title"] != "a" {
		t.Fatalf("unexpected row: %v", row)
	}
}

func TestDeleteNotFound(t *testing.T) {
	client, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "record not found"}`))
	})
	defer ts.Close()

	err := client.Delete(context.Background(), "tasks", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded must classify as transient")
	}
	if IsTransient(&AccessDeniedError{Message: "denied"}) {
		t.Fatal("policy rejection must not classify as transient")
	}
}

func TestRealtimeURL(t *testing.T) {
	client := NewHTTPClient("https://store.example.com", "k", 10, zap.NewNop())

	u, err := client.realtimeURL("tasks", &Filter{Column: "tenant_id", Value: "t1"})
	if err != nil {
		t.Fatalf("realtimeURL: %v", err)
	}
	const want = "wss://store.example.com/v1/realtime?collection=tasks&filter_column=tenant_id&filter_value=t1&key=k"
	if u != want {
		t.Fatalf("url = %q, want %q", u, want)
	}
}
