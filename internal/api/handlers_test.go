package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"github.com/velora/pulsar/internal/status"
	"github.com/velora/pulsar/internal/task"
)

type fakePublisher struct {
	err       error
	published []*task.Task
}

func (f *fakePublisher) Publish(ctx context.Context, t *task.Task) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, t)
	return nil
}

// offlineStore returns a store whose Redis client points nowhere. Handlers
// treat status-cache failures as non-fatal, so endpoints that do not need
// cached data still work against it.
func offlineStore() *status.Store {
	return status.NewWithClient(redis.NewClient(&redis.Options{
		Addr:        "localhost:1", // nothing listens here
		DialTimeout: 50 * time.Millisecond,
	}))
}

func onlineStore(t *testing.T) *status.Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return status.NewWithClient(client)
}

func newTestServer(t *testing.T, store *status.Store, pub Publisher) *httptest.Server {
	t.Helper()
	hub := NewHub(store)
	h := NewHandler(store, pub, hub, "ws://localhost:5000")
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, files map[string][2]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, nameAndContent := range files {
		fw, err := mw.CreateFormFile(field, nameAndContent[0])
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(nameAndContent[1]))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestRunQueuesTask(t *testing.T) {
	pub := &fakePublisher{}
	srv := newTestServer(t, offlineStore(), pub)

	body, contentType := multipartBody(t, map[string][2]string{
		"file":        {"strategy.py", "class Strategy: pass"},
		"requirement": {"requirements.txt", "numpy==1.26.4\n"},
	})

	resp, err := http.Post(srv.URL+"/run", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "queued" {
		t.Fatalf("status field %q, want queued", out["status"])
	}
	if len(out["task_id"]) != 32 || strings.Contains(out["task_id"], "-") {
		t.Fatalf("task_id %q is not a 32-char hex id", out["task_id"])
	}
	if out["websocket_url"] != "ws://localhost:5000/ws/"+out["task_id"] {
		t.Fatalf("unexpected websocket_url: %q", out["websocket_url"])
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d tasks, want 1", len(pub.published))
	}
	if pub.published[0].Code != "class Strategy: pass" {
		t.Fatalf("wrong code enqueued: %q", pub.published[0].Code)
	}
	if pub.published[0].Requirements != "numpy==1.26.4\n" {
		t.Fatalf("wrong requirements enqueued: %q", pub.published[0].Requirements)
	}
}

func TestRunRejectsWrongExtension(t *testing.T) {
	srv := newTestServer(t, offlineStore(), &fakePublisher{})

	body, contentType := multipartBody(t, map[string][2]string{
		"file": {"strategy.sh", "echo hi"},
	})

	resp, err := http.Post(srv.URL+"/run", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestRunRejectsWrongManifestExtension(t *testing.T) {
	srv := newTestServer(t, offlineStore(), &fakePublisher{})

	body, contentType := multipartBody(t, map[string][2]string{
		"file":        {"strategy.py", "class Strategy: pass"},
		"requirement": {"requirements.py", "import evil"},
	})

	resp, err := http.Post(srv.URL+"/run", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestRunRejectsMissingFile(t *testing.T) {
	srv := newTestServer(t, offlineStore(), &fakePublisher{})

	body, contentType := multipartBody(t, map[string][2]string{
		"requirement": {"requirements.txt", "numpy"},
	})

	resp, err := http.Post(srv.URL+"/run", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestRunBrokerDown(t *testing.T) {
	srv := newTestServer(t, offlineStore(), &fakePublisher{err: errors.New("connection refused")})

	body, contentType := multipartBody(t, map[string][2]string{
		"file": {"strategy.py", "class Strategy: pass"},
	})

	resp, err := http.Post(srv.URL+"/run", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
}

func TestChartNotFound(t *testing.T) {
	srv := newTestServer(t, onlineStore(t), &fakePublisher{})

	resp, err := http.Get(srv.URL + "/chart/nonexistent/AAPL")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestChartReturnsCachedJSON(t *testing.T) {
	store := onlineStore(t)
	srv := newTestServer(t, store, &fakePublisher{})

	detail := `{"equity_curve":[100,101,105]}`
	err := store.CacheDetails(context.Background(), "chart01", map[string]json.RawMessage{
		"AAPL": json.RawMessage(detail),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/chart/chart01/AAPL")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.String() != detail {
		t.Fatalf("detail not returned verbatim: %s", buf.String())
	}
}

func TestStreamSendsSyntheticEventWhenNoCache(t *testing.T) {
	srv := newTestServer(t, offlineStore(), &fakePublisher{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sometask"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev task.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("malformed event: %v", err)
	}
	if ev.Status != task.StatusProcessing {
		t.Fatalf("status %q, want processing", ev.Status)
	}
	if !strings.Contains(ev.Message, "Waiting for worker") {
		t.Fatalf("unexpected greeting: %q", ev.Message)
	}
}

func TestStreamReplaysCachedStatus(t *testing.T) {
	store := onlineStore(t)
	srv := newTestServer(t, store, &fakePublisher{})

	cached := &task.StatusEvent{
		TaskID:  "replay01",
		Status:  task.StatusProcessing,
		Message: "Executing Backtesting..",
	}
	if err := store.PublishStatus(context.Background(), cached); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/replay01"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev task.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("malformed event: %v", err)
	}
	if ev.Message != cached.Message {
		t.Fatalf("replayed %q, want %q", ev.Message, cached.Message)
	}
}

func TestStreamDisplacesDuplicateSubscriber(t *testing.T) {
	srv := newTestServer(t, offlineStore(), &fakePublisher{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/duptask"

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("first greeting: %v", err)
	}

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err != nil {
		t.Fatalf("second greeting: %v", err)
	}

	// The first connection was displaced and must observe a close.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("displaced connection still readable")
	}
}
