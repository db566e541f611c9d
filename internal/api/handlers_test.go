package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/peng/internal/events"
	"github.com/mattjoyce/peng/internal/history"
)

// mockHistory implements HistoryReader for testing
type mockHistory struct {
	getFunc  func(ctx context.Context, id string) (*history.Record, error)
	listFunc func(ctx context.Context, f history.ListFilter) ([]history.Record, error)
}

func (m *mockHistory) Get(ctx context.Context, id string) (*history.Record, error) {
	if m.getFunc == nil {
		return nil, history.ErrNotFound
	}
	return m.getFunc(ctx, id)
}

func (m *mockHistory) List(ctx context.Context, f history.ListFilter) ([]history.Record, error) {
	if m.listFunc == nil {
		return nil, nil
	}
	return m.listFunc(ctx, f)
}

func newTestServer(h HistoryReader, token string) (*Server, *events.Hub) {
	hub := events.NewHub(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0", Token: token, Profile: "package"}, h, hub, logger), hub
}

func doRequest(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&mockHistory{}, "secret")

	rr := doRequest(t, s, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp HealthzResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Profile != "package" {
		t.Fatalf("unexpected healthz: %+v", resp)
	}
}

func TestListInvocations(t *testing.T) {
	t.Parallel()

	var gotFilter history.ListFilter
	code := 0
	h := &mockHistory{
		listFunc: func(_ context.Context, f history.ListFilter) ([]history.Record, error) {
			gotFilter = f
			return []history.Record{{ID: "a", Mode: "t", Status: history.StatusCompleted, ExitCode: &code}}, nil
		},
	}
	s, _ := newTestServer(h, "")

	rr := doRequest(t, s, http.MethodGet, "/invocations?limit=5&mode=t", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if gotFilter.Limit != 5 || gotFilter.Mode != "t" {
		t.Fatalf("filter = %+v", gotFilter)
	}
	var resp InvocationListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Invocations[0].ID != "a" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestListInvocationsEmptyIsArray(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&mockHistory{}, "")

	rr := doRequest(t, s, http.MethodGet, "/invocations", "")
	if !strings.Contains(rr.Body.String(), `"invocations":[]`) {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestListInvocationsBadLimit(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&mockHistory{}, "")

	for _, q := range []string{"0", "-1", "abc", "501"} {
		rr := doRequest(t, s, http.MethodGet, "/invocations?limit="+q, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestListInvocationsStoreError(t *testing.T) {
	t.Parallel()
	h := &mockHistory{
		listFunc: func(context.Context, history.ListFilter) ([]history.Record, error) {
			return nil, errors.New("database is locked")
		},
	}
	s, _ := newTestServer(h, "")

	rr := doRequest(t, s, http.MethodGet, "/invocations", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "database is locked") {
		t.Fatal("internal error leaked to client")
	}
}

func TestGetInvocation(t *testing.T) {
	t.Parallel()
	h := &mockHistory{
		getFunc: func(_ context.Context, id string) (*history.Record, error) {
			if id != "abc" {
				return nil, history.ErrNotFound
			}
			return &history.Record{
				ID:        "abc",
				Mode:      "c",
				Artifacts: []history.Artifact{{Name: "peng-1.0.tar.gz", Size: 3, BLAKE3: "ff"}},
			}, nil
		},
	}
	s, _ := newTestServer(h, "")

	rr := doRequest(t, s, http.MethodGet, "/invocations/abc", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var rec history.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID != "abc" || len(rec.Artifacts) != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	rr = doRequest(t, s, http.MethodGet, "/invocations/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&mockHistory{}, "secret")

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		rr := doRequest(t, s, http.MethodGet, "/invocations", tt.token)
		if rr.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, rr.Code, tt.want)
		}
	}

	open, _ := newTestServer(&mockHistory{}, "")
	if rr := doRequest(t, open, http.MethodGet, "/invocations", ""); rr.Code != http.StatusOK {
		t.Fatalf("open server: status = %d, want 200", rr.Code)
	}
}

func TestOpenAPI(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&mockHistory{}, "secret")

	rr := doRequest(t, s, http.MethodGet, "/openapi.json", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/healthz", "/invocations", "/invocations/{id}", "/events"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi doc missing %s", p)
		}
	}
	if _, ok := doc["components"]; !ok {
		t.Fatal("secured server should declare a bearer scheme")
	}

	if _, ok := buildOpenAPIDoc(false)["components"]; ok {
		t.Fatal("open server should not declare a bearer scheme")
	}
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (id, typ, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if id != "" {
				return id, typ, data
			}
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	s, hub := newTestServer(&mockHistory{}, "")
	hub.Publish(events.TypeInvocationStarted, map[string]string{"id": "first"})
	hub.Publish(events.TypeInvocationFinished, map[string]string{"id": "first"})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "1")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	id, typ, data := readSSEEvent(t, r)
	if id != "2" || typ != events.TypeInvocationFinished || data != `{"id":"first"}` {
		t.Fatalf("replayed event = %s %s %s", id, typ, data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(events.TypeInvocationStarted, map[string]string{"id": "second"})

	id, typ, data = readSSEEvent(t, r)
	if id != "3" || typ != events.TypeInvocationStarted || data != `{"id":"second"}` {
		t.Fatalf("live event = %s %s %s", id, typ, data)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&mockHistory{}, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
