package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clientportal/internal/obs"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []Message
	started chan struct{}
	release chan struct{}
	err     error
}

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func metricsBody(t *testing.T, m *obs.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	next := &recordingSender{}
	m := obs.New()
	d := NewDispatcher(DispatcherConfig{QueueSize: 16, Workers: 2, SendTimeout: time.Second}, next, m)
	for i := 0; i < 5; i++ {
		if err := d.Send(context.Background(), Message{Kind: KindWelcome, To: "a@example.com"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	d.Close()
	if got := next.count(); got != 5 {
		t.Fatalf("expected 5 delivered mails, got %d", got)
	}
	if !strings.Contains(metricsBody(t, m), `portal_mail_dispatch_total{kind="welcome",outcome="sent"} 5`) {
		t.Fatalf("expected sent counter")
	}
	if err := d.Send(context.Background(), Message{Kind: KindWelcome, To: "a@example.com"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed after close, got %v", err)
	}
	d.Close()
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	next := &recordingSender{started: make(chan struct{}, 4), release: make(chan struct{})}
	m := obs.New()
	d := NewDispatcher(DispatcherConfig{QueueSize: 1, Workers: 1, SendTimeout: 5 * time.Second}, next, m)

	if err := d.Send(context.Background(), Message{Kind: KindPasswordReset, To: "a@example.com", Token: "t"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	<-next.started
	if err := d.Send(context.Background(), Message{Kind: KindPasswordReset, To: "b@example.com", Token: "t"}); err != nil {
		t.Fatalf("second send should be queued: %v", err)
	}
	if err := d.Send(context.Background(), Message{Kind: KindPasswordReset, To: "c@example.com", Token: "t"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if d.Dropped() != 1 {
		t.Fatalf("expected one dropped mail, got %d", d.Dropped())
	}

	close(next.release)
	d.Close()
	if got := next.count(); got != 2 {
		t.Fatalf("expected 2 delivered mails, got %d", got)
	}
	if !strings.Contains(metricsBody(t, m), `portal_mail_dispatch_total{kind="password_reset",outcome="dropped"} 1`) {
		t.Fatalf("expected dropped counter")
	}
}

func TestDispatcherAppliesSendTimeout(t *testing.T) {
	next := &recordingSender{release: make(chan struct{})}
	m := obs.New()
	d := NewDispatcher(DispatcherConfig{QueueSize: 1, Workers: 1, SendTimeout: 20 * time.Millisecond}, next, m)
	if err := d.Send(context.Background(), Message{Kind: KindWelcome, To: "a@example.com"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	d.Close()
	if next.count() != 0 {
		t.Fatalf("timed out send must not be recorded as delivered")
	}
	if !strings.Contains(metricsBody(t, m), `portal_mail_dispatch_total{kind="welcome",outcome="failed"} 1`) {
		t.Fatalf("expected failed counter")
	}
}
