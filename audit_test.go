package vigil

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDispatcherDeliversEvents(t *testing.T) {
	sink := NewChannelSink(16)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16}, sink)
	defer d.Close()

	d.Emit(context.Background(), AuditEvent{
		EventType: "login_success",
		Severity:  SeverityInfo,
		AccountID: "acct-1",
		Success:   true,
	})

	select {
	case event := <-sink.Events():
		if event.EventType != "login_success" || event.AccountID != "acct-1" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached the sink")
	}
}

func TestDispatcherDisabled(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, NewChannelSink(1))
	if d != nil {
		t.Fatal("disabled config must yield a nil dispatcher")
	}

	// Nil dispatcher methods are no-ops.
	d.Emit(context.Background(), AuditEvent{EventType: "ignored"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher must report zero drops")
	}
}

// blockingSink stalls Emit until its gate opens, simulating a slow backend.
type blockingSink struct {
	gate chan struct{}
}

func (s *blockingSink) Emit(_ context.Context, _ AuditEvent) {
	<-s.gate
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &blockingSink{gate: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event occupies the dispatcher goroutine inside the stalled sink.
	d.Emit(context.Background(), AuditEvent{EventType: "first"})
	time.Sleep(20 * time.Millisecond)

	// Second fills the buffer; the rest must be dropped without blocking.
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "overflow"})
	}

	if d.Dropped() == 0 {
		t.Fatal("expected dropped events with a full buffer")
	}

	close(sink.gate)
	d.Close()
}

// recordingSink stalls like blockingSink but remembers what got through.
type recordingSink struct {
	gate chan struct{}
	mu   sync.Mutex
	seen []string
}

func (s *recordingSink) Emit(_ context.Context, event AuditEvent) {
	<-s.gate
	s.mu.Lock()
	s.seen = append(s.seen, event.EventType)
	s.mu.Unlock()
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func TestDispatcherCriticalNeverDropped(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// Stall the dispatcher goroutine and fill the buffer.
	d.Emit(context.Background(), AuditEvent{EventType: "first", Severity: SeverityInfo})
	time.Sleep(20 * time.Millisecond)
	d.Emit(context.Background(), AuditEvent{EventType: "buffered", Severity: SeverityInfo})
	d.Emit(context.Background(), AuditEvent{EventType: "overflow", Severity: SeverityWarning})

	if d.Dropped() != 1 {
		t.Fatalf("expected 1 dropped routine event, got %d", d.Dropped())
	}

	// A critical event must wait for a slot instead of joining the drops.
	delivered := make(chan struct{})
	go func() {
		d.Emit(context.Background(), AuditEvent{EventType: "breach_detected", Severity: SeverityCritical})
		close(delivered)
	}()

	close(sink.gate)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("critical emit never completed")
	}
	d.Close()

	if d.Dropped() != 1 {
		t.Fatalf("critical event counted as dropped: %d", d.Dropped())
	}
	found := false
	for _, typ := range sink.types() {
		if typ == "breach_detected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("critical event missing from sink, saw %v", sink.types())
	}
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	sink := NewChannelSink(32)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 32}, sink)

	const n = 10
	for i := 0; i < n; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "queued", Severity: SeverityInfo})
	}

	d.Close()

	delivered := 0
	for {
		select {
		case <-sink.Events():
			delivered++
		default:
			if delivered != n {
				t.Fatalf("expected %d delivered events after Close, got %d", n, delivered)
			}
			return
		}
	}
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	sink := NewChannelSink(4)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, sink)

	d.Close()
	d.Emit(context.Background(), AuditEvent{EventType: "late"})

	select {
	case event := <-sink.Events():
		t.Fatalf("unexpected event after Close: %+v", event)
	default:
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now(),
		EventType: "breach_detected",
		Severity:  SeverityCritical,
		AccountID: "acct-1",
		FamilyID:  "fam-1",
	})
	sink.Emit(context.Background(), AuditEvent{
		EventType: "logout",
		Severity:  SeverityInfo,
		Success:   true,
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0 is not valid JSON: %v", err)
	}
	if first.EventType != "breach_detected" || first.Severity != SeverityCritical {
		t.Fatalf("unexpected event %+v", first)
	}
}
