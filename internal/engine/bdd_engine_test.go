package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/CrisisTextLine/timer-platform/internal/dispatch"
	"github.com/CrisisTextLine/timer-platform/internal/store"
	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// Engine BDD Test Context
type engineBDDTestContext struct {
	st        *store.MemoryStore
	collector *Collector
	disp      *dispatch.Dispatcher
	eng       *Engine
	publisher *capturePublisher

	webhook       *countingStub
	secondWebhook *countingStub

	created       *timer.Timer
	originalAt    time.Time
	rescheduledAt time.Time
}

// countingStub is a webhook endpoint that counts the requests it receives.
type countingStub struct {
	srv *httptest.Server

	mu   sync.Mutex
	hits int
}

func newCountingStub(status int) *countingStub {
	stub := &countingStub{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits++
		stub.mu.Unlock()
		w.WriteHeader(status)
	}))
	return stub
}

func (s *countingStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

type publishedMessage struct {
	subject string
	data    []byte
}

// capturePublisher stands in for the pub/sub connection.
type capturePublisher struct {
	mu   sync.Mutex
	msgs []publishedMessage
}

func (p *capturePublisher) PublishMsg(subject string, _ map[string]string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMessage{subject: subject, data: data})
	return nil
}

func (p *capturePublisher) onSubject(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if m.subject == subject {
			n++
		}
	}
	return n
}

func (ctx *engineBDDTestContext) reset() error {
	if ctx.eng != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctx.eng.Stop(stopCtx); err != nil {
			return err
		}
	}
	if ctx.webhook != nil {
		ctx.webhook.srv.Close()
	}
	if ctx.secondWebhook != nil {
		ctx.secondWebhook.srv.Close()
	}
	*ctx = engineBDDTestContext{}
	return nil
}

func (ctx *engineBDDTestContext) aRunningTimerEngine() error {
	ctx.st = store.NewMemoryStore()
	ctx.collector = NewCollector()
	ctx.publisher = &capturePublisher{}

	logger := testLogger()
	ctx.disp = dispatch.New(dispatch.Config{HTTPTimeout: 5 * time.Second}, ctx.st, ctx.publisher, nil, ctx.collector, logger)

	cfg := Config{
		TickInterval: 10 * time.Millisecond,
		LoadInterval: 40 * time.Millisecond,
		Lookback:     5 * time.Minute,
		Lookahead:    time.Minute,
		DrainTimeout: 2 * time.Second,
	}
	ctx.eng = New(cfg, ctx.st, ctx.disp, nil, ctx.collector, logger)
	return ctx.eng.Start(context.Background())
}

func (ctx *engineBDDTestContext) iCreateAnHTTPTimerDueIn(ms int) error {
	return ctx.iCreateAnHTTPTimerDueInAnswering(ms, http.StatusOK)
}

func (ctx *engineBDDTestContext) iCreateAnHTTPTimerDueInAnswering(ms, status int) error {
	ctx.webhook = newCountingStub(status)
	ctx.originalAt = time.Now().UTC().Add(time.Duration(ms) * time.Millisecond)

	created, err := ctx.st.Create(context.Background(), store.CreateParams{
		ExecuteAt: ctx.originalAt,
		Callback: timer.NewHTTPCallback(timer.HTTPCallback{
			URL:     ctx.webhook.srv.URL,
			Payload: json.RawMessage(`{"kind":"reminder"}`),
		}),
	})
	if err != nil {
		return err
	}
	ctx.created = created
	return nil
}

func (ctx *engineBDDTestContext) iCreateAPubTimerForTopicDueIn(topic string, ms int) error {
	ctx.originalAt = time.Now().UTC().Add(time.Duration(ms) * time.Millisecond)

	created, err := ctx.st.Create(context.Background(), store.CreateParams{
		ExecuteAt: ctx.originalAt,
		Callback: timer.NewPubCallback(timer.PubCallback{
			Topic:   topic,
			Payload: json.RawMessage(`{"order_id":"o-1"}`),
		}),
	})
	if err != nil {
		return err
	}
	ctx.created = created
	return nil
}

func (ctx *engineBDDTestContext) iCancelItBeforeItFires() error {
	_, err := ctx.st.Cancel(context.Background(), ctx.created.ID)
	return err
}

func (ctx *engineBDDTestContext) iRescheduleItAgainstASecondWebhook(laterMs int) error {
	ctx.secondWebhook = newCountingStub(http.StatusOK)
	ctx.rescheduledAt = ctx.originalAt.Add(time.Duration(laterMs) * time.Millisecond)

	callback := timer.NewHTTPCallback(timer.HTTPCallback{URL: ctx.secondWebhook.srv.URL})
	_, err := ctx.st.Update(context.Background(), ctx.created.ID, store.UpdateParams{
		ExecuteAt: &ctx.rescheduledAt,
		Callback:  &callback,
	})
	return err
}

func (ctx *engineBDDTestContext) iWaitPastItsOriginalFireTime() error {
	time.Sleep(time.Until(ctx.originalAt.Add(200 * time.Millisecond)))
	return nil
}

// theStoredTimerEndsWithStatus polls until the row reaches the wanted
// status; dispatch outcomes land asynchronously.
func (ctx *engineBDDTestContext) theStoredTimerEndsWithStatus(want string) error {
	deadline := time.Now().Add(4 * time.Second)
	var last timer.Status
	for time.Now().Before(deadline) {
		row, err := ctx.st.Get(context.Background(), ctx.created.ID)
		if err != nil {
			return err
		}
		last = row.Status
		if string(last) == want {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timer %s stuck in status %q, wanted %q", ctx.created.ID, last, want)
}

func (ctx *engineBDDTestContext) theWebhookReceivesExactly(n int) error {
	if got := ctx.webhook.count(); got != n {
		return fmt.Errorf("webhook received %d requests, wanted %d", got, n)
	}
	return nil
}

func (ctx *engineBDDTestContext) theSecondWebhookReceivesExactly(n int) error {
	if got := ctx.secondWebhook.count(); got != n {
		return fmt.Errorf("second webhook received %d requests, wanted %d", got, n)
	}
	return nil
}

func (ctx *engineBDDTestContext) theExecutedTimestampIsRecorded() error {
	row, err := ctx.st.Get(context.Background(), ctx.created.ID)
	if err != nil {
		return err
	}
	if row.ExecutedAt == nil {
		return fmt.Errorf("executed_at was not set on timer %s", row.ID)
	}
	return nil
}

func (ctx *engineBDDTestContext) theStoredErrorIs(want string) error {
	row, err := ctx.st.Get(context.Background(), ctx.created.ID)
	if err != nil {
		return err
	}
	if row.LastError == "" {
		return fmt.Errorf("last_error was not set on timer %s", row.ID)
	}
	if row.LastError != want {
		return fmt.Errorf("last_error is %q, wanted %q", row.LastError, want)
	}
	return nil
}

func (ctx *engineBDDTestContext) theTimerFiredNoEarlierThanItsRescheduledTime() error {
	row, err := ctx.st.Get(context.Background(), ctx.created.ID)
	if err != nil {
		return err
	}
	if row.ExecutedAt == nil {
		return fmt.Errorf("executed_at was not set on timer %s", row.ID)
	}
	// Stored instants are truncated to microseconds.
	if row.ExecutedAt.Before(ctx.rescheduledAt.Truncate(time.Microsecond)) {
		return fmt.Errorf("timer fired at %s, before its rescheduled time %s", row.ExecutedAt, ctx.rescheduledAt)
	}
	return nil
}

func (ctx *engineBDDTestContext) messagesArePublishedToSubject(n int, subject string) error {
	if got := ctx.publisher.onSubject(subject); got != n {
		return fmt.Errorf("%d messages published to %q, wanted %d", got, subject, n)
	}
	return nil
}
