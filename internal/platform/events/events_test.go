package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestDecode_Valid(t *testing.T) {
	env, err := Decode([]byte(`{"type":"new_document","title":"Lab result","recipients":["p1","p2"],"data":{"document_id":"d1"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != "new_document" || len(env.Recipients) != 2 {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if string(env.Data) != `{"document_id":"d1"}` {
		t.Fatalf("unexpected data %s", env.Data)
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"malformed":    `{"type":`,
		"missing type": `{"recipients":["p1"]}`,
		"no target":    `{"type":"new_document"}`,
		"blank recip":  `{"type":"x","recipients":[""]}`,
		"long title":   `{"type":"x","role":"staff","title":"` + strings.Repeat("a", 256) + `"}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidate_NoTargetSentinel(t *testing.T) {
	env := Envelope{Type: "x"}
	if err := env.Validate(); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

type fakeSink struct {
	mu      sync.Mutex
	got     []Envelope
	tenants []string
	fail    bool
}

func (s *fakeSink) Consume(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, env)
	if t, ok := ctx.Value(tenantKey{}).(string); ok {
		s.tenants = append(s.tenants, t)
	}
	if s.fail {
		return errors.New("store down")
	}
	return nil
}

type tenantKey struct{}

func recordingScope(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	return fn(context.WithValue(ctx, tenantKey{}, tenantID))
}

type resultRecorder struct {
	mu      sync.Mutex
	results []string
}

func (r *resultRecorder) EventConsumed(source, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, source+":"+result)
}

func runConsumer(t *testing.T, c *Consumer, reader *fakeReader, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestConsumer_DispatchesAndCommits(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte(`{"tenant_id":"acme","type":"new_document","recipients":["p1"]}`)},
		{Offset: 2, Value: []byte(`{"type":"shift","role":"staff"}`)},
	}}
	sink := &fakeSink{}
	rec := &resultRecorder{}
	c := NewConsumer(reader, sink, zerolog.Nop(), WithTenantScope(recordingScope, "default"), WithRecorder(rec))

	runConsumer(t, c, reader, 2)

	if len(sink.got) != 2 {
		t.Fatalf("expected 2 dispatched events, got %d", len(sink.got))
	}
	if sink.tenants[0] != "acme" || sink.tenants[1] != "default" {
		t.Fatalf("unexpected tenants %v", sink.tenants)
	}
	if got := reader.commits(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected commits %v", got)
	}
	if rec.results[0] != "kafka:ok" {
		t.Fatalf("unexpected result %v", rec.results)
	}
}

func TestConsumer_SkipsMalformedAndFailed(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 7, Value: []byte(`not json`)},
		{Offset: 8, Value: []byte(`{"type":"new_document","recipients":["p1"]}`)},
	}}
	sink := &fakeSink{fail: true}
	rec := &resultRecorder{}
	c := NewConsumer(reader, sink, zerolog.Nop(), WithRecorder(rec))

	runConsumer(t, c, reader, 2)

	if len(sink.got) != 1 {
		t.Fatalf("expected only the valid event to reach the sink, got %d", len(sink.got))
	}
	if len(rec.results) != 2 || rec.results[0] != "kafka:invalid" || rec.results[1] != "kafka:failed" {
		t.Fatalf("unexpected results %v", rec.results)
	}
	if len(reader.commits()) != 2 {
		t.Fatal("expected both messages to be committed")
	}
}

func TestConsumer_Close(t *testing.T) {
	reader := &fakeReader{}
	c := NewConsumer(reader, &fakeSink{}, zerolog.Nop())
	if err := c.Close(); err != nil || !reader.closed {
		t.Fatal("expected reader to be closed")
	}
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	if _, err := NewPublisher(nil, "topic"); err == nil {
		t.Fatal("expected error without brokers")
	}
	p, err := NewPublisher([]string{"localhost:9092"}, "topic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Publish(context.Background(), Envelope{Type: "x"}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected validation error before any write, got %v", err)
	}
	p.Close()
}
