package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisTextLine/timer-platform/internal/events"
	"github.com/CrisisTextLine/timer-platform/internal/pubsub"
	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type outcome struct {
	id      uuid.UUID
	failure string
	success bool
}

// fakeRecorder captures MarkCompleted/MarkFailed calls on a channel so
// tests can wait for the detached jobs.
type fakeRecorder struct {
	completeErr error
	failErr     error
	calls       chan outcome
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{calls: make(chan outcome, 16)}
}

func (r *fakeRecorder) MarkCompleted(_ context.Context, id uuid.UUID) error {
	r.calls <- outcome{id: id, success: true}
	return r.completeErr
}

func (r *fakeRecorder) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	r.calls <- outcome{id: id, failure: errMsg}
	return r.failErr
}

func (r *fakeRecorder) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.calls:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a recorded outcome")
		return outcome{}
	}
}

func newDispatcher(t *testing.T, cfg Config, recorder Recorder, publisher Publisher, bus *events.Bus) *Dispatcher {
	t.Helper()
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	d := New(cfg, recorder, publisher, bus, nil, testLogger())
	t.Cleanup(func() { d.Drain(2 * time.Second) })
	return d
}

func httpTimer(url string, headers map[string]any, payload json.RawMessage) *timer.Timer {
	return &timer.Timer{
		ID:        uuid.New(),
		Status:    timer.StatusExecuting,
		ExecuteAt: time.Now().UTC(),
		Callback: timer.NewHTTPCallback(timer.HTTPCallback{
			URL:     url,
			Headers: headers,
			Payload: payload,
		}),
	}
}

func pubTimer(topic, key string, headers map[string]any, payload json.RawMessage) *timer.Timer {
	return &timer.Timer{
		ID:        uuid.New(),
		Status:    timer.StatusExecuting,
		ExecuteAt: time.Now().UTC(),
		Callback: timer.NewPubCallback(timer.PubCallback{
			Topic:   topic,
			Key:     key,
			Headers: headers,
			Payload: payload,
		}),
	}
}

func TestHTTPDispatchSuccess(t *testing.T) {
	type captured struct {
		method      string
		contentType string
		userAgent   string
		tenant      string
		body        []byte
	}
	requests := make(chan captured, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- captured{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			userAgent:   r.Header.Get("User-Agent"),
			tenant:      r.Header.Get("X-Tenant"),
			body:        body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{}, recorder, nil, nil)

	tm := httpTimer(srv.URL, map[string]any{"X-Tenant": "acme", "X-Attempt": 3}, json.RawMessage(`{"kind":"reminder"}`))
	d.Dispatch(tm)

	got := recorder.wait(t)
	assert.Equal(t, tm.ID, got.id)
	assert.True(t, got.success)

	req := <-requests
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "application/json", req.contentType)
	assert.Equal(t, "timer-platform/0.1.0", req.userAgent)
	assert.Equal(t, "acme", req.tenant, "string headers are forwarded")
	assert.JSONEq(t, `{"kind":"reminder"}`, string(req.body))
}

func TestHTTPDispatchStatusClassification(t *testing.T) {
	tests := []struct {
		status      int
		wantSuccess bool
		wantFailure string
	}{
		{status: 200, wantSuccess: true},
		{status: 201, wantSuccess: true},
		{status: 299, wantSuccess: true},
		{status: 300, wantFailure: "HTTP 300: Multiple Choices"},
		{status: 404, wantFailure: "HTTP 404: Not Found"},
		{status: 500, wantFailure: "HTTP 500: Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			recorder := newFakeRecorder()
			d := newDispatcher(t, Config{}, recorder, nil, nil)
			d.Dispatch(httpTimer(srv.URL, nil, nil))

			got := recorder.wait(t)
			if tt.wantSuccess {
				assert.True(t, got.success)
				return
			}
			assert.False(t, got.success)
			assert.Equal(t, tt.wantFailure, got.failure)
		})
	}
}

func TestHTTPDispatchSkipsNonStringHeaders(t *testing.T) {
	headerSeen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerSeen <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{}, recorder, nil, nil)
	d.Dispatch(httpTimer(srv.URL, map[string]any{"X-Str": "ok", "X-Num": 7, "X-Bool": true}, nil))

	recorder.wait(t)
	headers := <-headerSeen
	assert.Equal(t, "ok", headers.Get("X-Str"))
	assert.Empty(t, headers.Get("X-Num"))
	assert.Empty(t, headers.Get("X-Bool"))
}

func TestHTTPDispatchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{HTTPTimeout: 50 * time.Millisecond}, recorder, nil, nil)
	d.Dispatch(httpTimer(srv.URL, nil, nil))

	got := recorder.wait(t)
	assert.False(t, got.success)
	assert.Equal(t, "Connection timeout after 50ms", got.failure)
}

func TestHTTPDispatchConnectionError(t *testing.T) {
	// A listener that is immediately closed gives a connection-refused
	// target without racing another process for the port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{}, recorder, nil, nil)
	d.Dispatch(httpTimer(target, nil, nil))

	got := recorder.wait(t)
	assert.False(t, got.success)
	assert.Contains(t, got.failure, "Connection error: ")
}

func runNATS(t *testing.T) int {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.Addr().(*net.TCPAddr).Port
}

func TestPubDispatch(t *testing.T) {
	port := runNATS(t)

	conn, err := pubsub.Connect(pubsub.Config{Host: "127.0.0.1", Port: port}, testLogger())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	nc, err := nats.Connect((pubsub.Config{Host: "127.0.0.1", Port: port}).URL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	received := make(chan *nats.Msg, 1)
	_, err = nc.ChanSubscribe("orders.shipped.o-9", received)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{}, recorder, conn, nil)

	tm := pubTimer("orders.shipped", "o-9", map[string]any{"X-Tenant": "acme"}, json.RawMessage(`{"order":"o-9"}`))
	d.Dispatch(tm)

	got := recorder.wait(t)
	assert.True(t, got.success)

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"order":"o-9"}`, string(msg.Data))
		assert.Equal(t, "acme", msg.Header.Get("X-Tenant"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the published message")
	}
}

func TestPubDispatchTopicOnlySubject(t *testing.T) {
	port := runNATS(t)

	conn, err := pubsub.Connect(pubsub.Config{Host: "127.0.0.1", Port: port}, testLogger())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	nc, err := nats.Connect((pubsub.Config{Host: "127.0.0.1", Port: port}).URL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	received := make(chan *nats.Msg, 1)
	_, err = nc.ChanSubscribe("orders.shipped", received)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{}, recorder, conn, nil)
	d.Dispatch(pubTimer("orders.shipped", "", nil, nil))

	got := recorder.wait(t)
	assert.True(t, got.success)

	select {
	case msg := <-received:
		assert.Empty(t, msg.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the published message")
	}
}

func TestPubDispatchWithoutPublisher(t *testing.T) {
	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{}, recorder, nil, nil)
	d.Dispatch(pubTimer("orders.shipped", "", nil, nil))

	got := recorder.wait(t)
	assert.False(t, got.success)
	assert.Equal(t, "publish failed: pub/sub not configured", got.failure)
}

type erroringPublisher struct{}

func (erroringPublisher) PublishMsg(string, map[string]string, []byte) error {
	return errors.New("broker unavailable")
}

func TestPubDispatchPublishError(t *testing.T) {
	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{}, recorder, erroringPublisher{}, nil)
	d.Dispatch(pubTimer("orders.shipped", "", nil, nil))

	got := recorder.wait(t)
	assert.False(t, got.success)
	assert.Equal(t, "publish failed: broker unavailable", got.failure)
}

func TestRecordingFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	recorder := newFakeRecorder()
	recorder.completeErr = errors.New("database gone")

	d := newDispatcher(t, Config{}, recorder, nil, nil)
	d.Dispatch(httpTimer(srv.URL, nil, nil))

	// The job records, logs the failure, and exits without retrying.
	recorder.wait(t)
	d.Drain(2 * time.Second)
	assert.Empty(t, recorder.calls)
}

func TestDispatchEmitsLifecycleEvents(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failSrv.Close()

	bus := events.NewBus("timer-platform", testLogger())
	seen := make(chan string, 4)
	require.NoError(t, bus.RegisterObserver(events.NewFunctionalObserver("capture", func(_ context.Context, event cloudevents.Event) error {
		seen <- event.Type()
		return nil
	})))

	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{}, recorder, nil, bus)

	d.Dispatch(httpTimer(okSrv.URL, nil, nil))
	recorder.wait(t)
	d.Dispatch(httpTimer(failSrv.URL, nil, nil))
	recorder.wait(t)

	types := map[string]bool{}
	for len(types) < 2 {
		select {
		case eventType := <-seen:
			types[eventType] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, saw %v", types)
		}
	}
	assert.True(t, types[events.EventTypeTimerCompleted])
	assert.True(t, types[events.EventTypeTimerFailed])
}

func TestMaxConcurrentLimitsParallelJobs(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	recorder := newFakeRecorder()
	d := newDispatcher(t, Config{MaxConcurrent: 1}, recorder, nil, nil)

	d.Dispatch(httpTimer(srv.URL, nil, nil))
	d.Dispatch(httpTimer(srv.URL, nil, nil))

	<-entered
	select {
	case <-entered:
		t.Fatal("second job started while the first held the only slot")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	recorder.wait(t)
	recorder.wait(t)
}

func TestDrainWaitsForInflightJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	recorder := newFakeRecorder()
	d := New(Config{HTTPTimeout: 5 * time.Second}, recorder, nil, nil, nil, testLogger())
	d.Dispatch(httpTimer(srv.URL, nil, nil))

	d.Drain(2 * time.Second)

	got := recorder.wait(t)
	assert.True(t, got.success, "the in-flight job finished inside the grace window")
}
