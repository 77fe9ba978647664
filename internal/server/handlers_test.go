package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/record"
)

func newTestServer(t *testing.T) (*httptest.Server, *Feed, context.CancelFunc) {
	t.Helper()

	logger := zap.NewNop()
	feed := NewFeed(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go feed.Run(ctx)

	srv := NewServer(testRegistry(), NewMemoryBackend(), feed, logger)
	ts := httptest.NewServer(NewRouter(srv, feed, nil, logger))
	t.Cleanup(ts.Close)
	return ts, feed, cancel
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error
}

func TestCreateAndList(t *testing.T) {
	ts, _, cancel := newTestServer(t)
	defer cancel()

	resp := postJSON(t, ts.URL+"/v1/collections/tasks/records", record.Record{
		"title": "write tests", "status": "open", "tenant_id": "t1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created record.Record
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decoding created row: %v", err)
	}
	resp.Body.Close()
	if created.ID() == "" {
		t.Fatal("server did not assign an id")
	}

	postJSON(t, ts.URL+"/v1/collections/tasks/records", record.Record{
		"title": "other tenant", "status": "open", "tenant_id": "t2",
	}).Body.Close()

	resp, err := http.Get(ts.URL + "/v1/collections/tasks/records?tenant_id=eq.t1&select=title")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	var rows []record.Record
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("filtered list returned %d rows, want 1", len(rows))
	}
	if rows[0]["title"] != "write tests" {
		t.Fatalf("unexpected row: %v", rows[0])
	}
	if _, ok := rows[0]["status"]; ok {
		t.Fatal("projection leaked the status column")
	}
}

func TestListSchemaDrift(t *testing.T) {
	ts, _, cancel := newTestServer(t)
	defer cancel()

	resp, err := http.Get(ts.URL + "/v1/collections/notes/records?tenant_id=eq.t1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("drift status = %d, want 400", resp.StatusCode)
	}
	msg := decodeError(t, resp)
	if !strings.Contains(msg, "column notes.tenant_id does not exist") {
		t.Fatalf("drift message = %q", msg)
	}
}

func TestCreatePolicyRejection(t *testing.T) {
	ts, _, cancel := newTestServer(t)
	defer cancel()

	resp := postJSON(t, ts.URL+"/v1/collections/audit/records", record.Record{
		"action": "login",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("policy status = %d, want 403", resp.StatusCode)
	}
	msg := decodeError(t, resp)
	if !strings.Contains(msg, "tenant_id and owner_id") {
		t.Fatalf("policy message = %q", msg)
	}
}

func TestPatchAndDelete(t *testing.T) {
	ts, _, cancel := newTestServer(t)
	defer cancel()

	resp := postJSON(t, ts.URL+"/v1/collections/tasks/records", record.Record{
		"id": "task-1", "title": "a", "status": "open",
	})
	resp.Body.Close()

	patch, _ := json.Marshal(record.Record{"status": "done"})
	req, _ := http.NewRequest(http.MethodPatch,
		ts.URL+"/v1/collections/tasks/records/task-1", bytes.NewReader(patch))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", resp.StatusCode)
	}
	var merged record.Record
	_ = json.NewDecoder(resp.Body).Decode(&merged)
	resp.Body.Close()
	if merged["status"] != "done" || merged["title"] != "a" {
		t.Fatalf("patch did not merge: %v", merged)
	}

	req, _ = http.NewRequest(http.MethodPatch,
		ts.URL+"/v1/collections/tasks/records/missing", bytes.NewReader(patch))
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("patch-missing status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodDelete,
		ts.URL+"/v1/collections/tasks/records/task-1", nil)
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodDelete,
		ts.URL+"/v1/collections/tasks/records/task-1", nil)
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRealtimeFeed(t *testing.T) {
	ts, _, cancel := newTestServer(t)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/v1/realtime?collection=tasks&filter_column=tenant_id&filter_value=t1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing feed: %v", err)
	}
	defer conn.Close()

	// Registration races the first broadcast; give the feed loop a beat.
	time.Sleep(50 * time.Millisecond)

	postJSON(t, ts.URL+"/v1/collections/tasks/records", record.Record{
		"id": "other", "title": "elsewhere", "tenant_id": "t2",
	}).Body.Close()
	postJSON(t, ts.URL+"/v1/collections/tasks/records", record.Record{
		"id": "mine", "title": "here", "tenant_id": "t1",
	}).Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	ev, err := record.DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.Type != record.EventInsert || ev.Record.ID() != "mine" {
		t.Fatalf("expected filtered insert for 'mine', got %+v", ev)
	}
}

func TestHealthAndCollections(t *testing.T) {
	ts, _, cancel := newTestServer(t)
	defer cancel()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/collections")
	if err != nil {
		t.Fatalf("GET /v1/collections: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Collections []string `json:"collections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding collections: %v", err)
	}
	if len(body.Collections) != 3 || body.Collections[0] != "audit" {
		t.Fatalf("unexpected collections: %v", body.Collections)
	}
}
