package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/token-service/internal/models"

	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeLoader struct {
	mu     sync.Mutex
	queue  models.Queue
	tokens []models.Token
	err    error
	loads  int
}

func (f *fakeLoader) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return models.Queue{}, f.err
	}
	return f.queue, nil
}

func (f *fakeLoader) ListTokens(ctx context.Context, queueID string, since time.Time) ([]models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Token, len(f.tokens))
	copy(out, f.tokens)
	return out, nil
}

func (f *fakeLoader) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type fakeStream struct {
	events    chan Event
	status    chan bool
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan Event, 16),
		status: make(chan bool, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Events() <-chan Event { return s.events }
func (s *fakeStream) Status() <-chan bool  { return s.status }
func (s *fakeStream) Close()               { s.closeOnce.Do(func() { close(s.closed) }) }

type fakeSource struct {
	stream *fakeStream
	err    error
}

func (f *fakeSource) Open(ctx context.Context, queueID string) (Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type recorder struct {
	mu          sync.Mutex
	changes     []Snapshot
	called      []models.Token
	statuses    []models.Queue
	connections []bool
	notify      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnChange: func(snapshot Snapshot) {
			r.mu.Lock()
			r.changes = append(r.changes, snapshot)
			r.mu.Unlock()
			r.notify <- struct{}{}
		},
		OnTokenCalled: func(token models.Token) {
			r.mu.Lock()
			r.called = append(r.called, token)
			r.mu.Unlock()
		},
		OnQueueStatus: func(queue models.Queue) {
			r.mu.Lock()
			r.statuses = append(r.statuses, queue)
			r.mu.Unlock()
		},
		OnConnection: func(connected bool) {
			r.mu.Lock()
			r.connections = append(r.connections, connected)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) waitChanges(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d of %d", i+1, n)
		}
	}
}

func (r *recorder) lastChange() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func (r *recorder) calledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.called)
}

func token(id string, number, priority int, status models.Status) models.Token {
	return models.Token{
		TokenID:     id,
		QueueID:     "q1",
		TokenNumber: number,
		Priority:    priority,
		Status:      status,
		CreatedAt:   testNow.Add(-time.Hour),
	}
}

func startSubscriber(t *testing.T, loader *fakeLoader, stream *fakeStream, rec *recorder) *Subscriber {
	t.Helper()
	sub := NewSubscriber("q1", loader, &fakeSource{stream: stream}, rec.handlers(), Options{
		Now: func() time.Time { return testNow },
	}, zerolog.Nop())
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(sub.Close)
	rec.waitChanges(t, 1)
	return sub
}

func TestStartLoadsSortedSnapshot(t *testing.T) {
	loader := &fakeLoader{
		queue: models.Queue{QueueID: "q1", IsActive: true},
		tokens: []models.Token{
			token("a", 1, 0, models.StatusWaiting),
			token("b", 2, 0, models.StatusWaiting),
			token("c", 3, 1, models.StatusWaiting),
		},
	}
	rec := newRecorder()
	sub := startSubscriber(t, loader, newFakeStream(), rec)

	snapshot := sub.Snapshot()
	if !snapshot.Connected {
		t.Fatalf("expected connected after start")
	}
	got := []string{snapshot.Tokens[0].TokenID, snapshot.Tokens[1].TokenID, snapshot.Tokens[2].TokenID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestStartFailsWhenLoadFails(t *testing.T) {
	stream := newFakeStream()
	loader := &fakeLoader{err: errors.New("db down")}
	sub := NewSubscriber("q1", loader, &fakeSource{stream: stream}, Handlers{}, Options{}, zerolog.Nop())
	if err := sub.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	select {
	case <-stream.closed:
	default:
		t.Fatalf("expected stream to be closed after failed start")
	}
}

func TestTokenCalledFiresOnlyOnWaitingToCalled(t *testing.T) {
	waiting := token("a", 1, 0, models.StatusWaiting)
	loader := &fakeLoader{queue: models.Queue{QueueID: "q1", IsActive: true}, tokens: []models.Token{waiting}}
	stream := newFakeStream()
	rec := newRecorder()
	startSubscriber(t, loader, stream, rec)

	called := waiting
	called.Status = models.StatusCalled
	stream.events <- Event{Table: TableTokens, Type: EventUpdate, QueueID: "q1", OldToken: &waiting, NewToken: &called}
	rec.waitChanges(t, 1)

	recalled := called
	at := testNow
	recalled.CalledAt = &at
	stream.events <- Event{Table: TableTokens, Type: EventUpdate, QueueID: "q1", OldToken: &called, NewToken: &recalled}
	rec.waitChanges(t, 1)

	if got := rec.calledCount(); got != 1 {
		t.Fatalf("expected token called once, got %d", got)
	}
	if status := rec.lastChange().Tokens[0].Status; status != models.StatusCalled {
		t.Fatalf("expected called status in snapshot, got %s", status)
	}
}

func TestTokenCalledUsesCachedStatusWithoutOldImage(t *testing.T) {
	waiting := token("a", 1, 0, models.StatusWaiting)
	loader := &fakeLoader{queue: models.Queue{QueueID: "q1"}, tokens: []models.Token{waiting}}
	stream := newFakeStream()
	rec := newRecorder()
	startSubscriber(t, loader, stream, rec)

	called := waiting
	called.Status = models.StatusCalled
	stream.events <- Event{Table: TableTokens, Type: EventUpdate, QueueID: "q1", NewToken: &called}
	rec.waitChanges(t, 1)

	if got := rec.calledCount(); got != 1 {
		t.Fatalf("expected token called once, got %d", got)
	}
}

func TestInsertAndDeleteKeepOrdering(t *testing.T) {
	loader := &fakeLoader{
		queue:  models.Queue{QueueID: "q1"},
		tokens: []models.Token{token("a", 1, 0, models.StatusWaiting), token("b", 2, 0, models.StatusWaiting)},
	}
	stream := newFakeStream()
	rec := newRecorder()
	startSubscriber(t, loader, stream, rec)

	urgent := token("c", 3, 5, models.StatusWaiting)
	stream.events <- Event{Table: TableTokens, Type: EventInsert, QueueID: "q1", NewToken: &urgent}
	rec.waitChanges(t, 1)
	if first := rec.lastChange().Tokens[0].TokenID; first != "c" {
		t.Fatalf("expected priority token first, got %s", first)
	}

	removed := token("a", 1, 0, models.StatusWaiting)
	stream.events <- Event{Table: TableTokens, Type: EventDelete, QueueID: "q1", OldToken: &removed}
	rec.waitChanges(t, 1)
	tokens := rec.lastChange().Tokens
	if len(tokens) != 2 || tokens[0].TokenID != "c" || tokens[1].TokenID != "b" {
		t.Fatalf("unexpected tokens after delete: %+v", tokens)
	}
}

func TestIgnoresTokensFromPreviousDay(t *testing.T) {
	loader := &fakeLoader{queue: models.Queue{QueueID: "q1"}}
	stream := newFakeStream()
	rec := newRecorder()
	startSubscriber(t, loader, stream, rec)

	stale := token("old", 9, 0, models.StatusWaiting)
	stale.CreatedAt = testNow.Add(-24 * time.Hour)
	stream.events <- Event{Table: TableTokens, Type: EventInsert, QueueID: "q1", NewToken: &stale}
	rec.waitChanges(t, 1)
	if n := len(rec.lastChange().Tokens); n != 0 {
		t.Fatalf("expected stale token to be dropped, got %d tokens", n)
	}
}

func TestQueueStatusChange(t *testing.T) {
	active := models.Queue{QueueID: "q1", IsActive: true}
	loader := &fakeLoader{queue: active}
	stream := newFakeStream()
	rec := newRecorder()
	startSubscriber(t, loader, stream, rec)

	renamed := active
	renamed.Name = "Front desk"
	stream.events <- Event{Table: TableQueues, Type: EventUpdate, QueueID: "q1", OldQueue: &active, NewQueue: &renamed}
	rec.waitChanges(t, 1)

	inactive := renamed
	inactive.IsActive = false
	stream.events <- Event{Table: TableQueues, Type: EventUpdate, QueueID: "q1", OldQueue: &renamed, NewQueue: &inactive}
	rec.waitChanges(t, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.statuses) != 1 || rec.statuses[0].IsActive {
		t.Fatalf("expected one inactive status change, got %+v", rec.statuses)
	}
}

func TestReconnectResyncs(t *testing.T) {
	loader := &fakeLoader{queue: models.Queue{QueueID: "q1"}, tokens: []models.Token{token("a", 1, 0, models.StatusWaiting)}}
	stream := newFakeStream()
	rec := newRecorder()
	sub := startSubscriber(t, loader, stream, rec)
	loadsAfterStart := loader.loadCount()

	stream.status <- false
	deadline := time.Now().Add(2 * time.Second)
	for sub.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("expected disconnected state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	loader.mu.Lock()
	loader.tokens = append(loader.tokens, token("b", 2, 0, models.StatusWaiting))
	loader.mu.Unlock()

	stream.status <- true
	rec.waitChanges(t, 1)

	if loader.loadCount() != loadsAfterStart+1 {
		t.Fatalf("expected one reload on reconnect")
	}
	if n := len(rec.lastChange().Tokens); n != 2 {
		t.Fatalf("expected resynced snapshot with 2 tokens, got %d", n)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.connections) != 2 || rec.connections[0] || !rec.connections[1] {
		t.Fatalf("unexpected connection transitions %v", rec.connections)
	}
}

func TestCloseReleasesHandlersAndStream(t *testing.T) {
	loader := &fakeLoader{queue: models.Queue{QueueID: "q1"}, tokens: []models.Token{token("a", 1, 0, models.StatusWaiting)}}
	stream := newFakeStream()
	rec := newRecorder()
	sub := startSubscriber(t, loader, stream, rec)

	sub.Close()
	sub.Close()

	select {
	case <-stream.closed:
	default:
		t.Fatalf("expected stream closed")
	}

	inserted := token("b", 2, 0, models.StatusWaiting)
	stream.events <- Event{Table: TableTokens, Type: EventInsert, QueueID: "q1", NewToken: &inserted}
	select {
	case <-rec.notify:
		t.Fatalf("handler ran after close")
	case <-time.After(50 * time.Millisecond):
	}
	if sub.Connected() {
		t.Fatalf("expected disconnected after close")
	}
}

func TestDecodeEvent(t *testing.T) {
	payload := []byte(`{"table":"queue_tokens","type":"UPDATE","queue_id":"q1",
		"old":{"id":"t1","queue_id":"q1","token_number":4,"status":"waiting","priority":0,"created_at":"2026-03-02T08:00:00+00:00"},
		"new":{"id":"t1","queue_id":"q1","token_number":4,"status":"called","priority":0,"holder_phone":null,"created_at":"2026-03-02T08:00:00+00:00","called_at":"2026-03-02T09:00:00.5+00:00"}}`)
	event, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type != EventUpdate || event.QueueID != "q1" {
		t.Fatalf("unexpected event header %+v", event)
	}
	if event.OldToken.Status != models.StatusWaiting || event.NewToken.Status != models.StatusCalled {
		t.Fatalf("unexpected images %+v %+v", event.OldToken, event.NewToken)
	}
	if event.NewToken.CalledAt == nil {
		t.Fatalf("expected called_at")
	}

	insert, err := DecodeEvent([]byte(`{"table":"queues","type":"INSERT","queue_id":"q1","old":null,"new":{"id":"q1","is_active":true}}`))
	if err != nil {
		t.Fatalf("decode insert: %v", err)
	}
	if insert.OldQueue != nil || insert.NewQueue == nil || !insert.NewQueue.IsActive {
		t.Fatalf("unexpected queue insert %+v", insert)
	}

	if _, err := DecodeEvent([]byte(`{"table":"tickets","type":"INSERT"}`)); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`{"table":"queues","type":"TRUNCATE"}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestQueueImageFromPreviousDayResetsCounter(t *testing.T) {
	loader := &fakeLoader{queue: models.Queue{QueueID: "q1", IsActive: true}}
	stream := newFakeStream()
	rec := newRecorder()
	startSubscriber(t, loader, stream, rec)

	yesterday := models.Queue{QueueID: "q1", IsActive: true, CurrentTokenNumber: 12}
	stream.events <- Event{Table: TableQueues, Type: EventUpdate, QueueID: "q1", NewQueue: &yesterday, QueueTokenDate: "2026-03-01"}
	rec.waitChanges(t, 1)
	if got := rec.lastChange().Queue.CurrentTokenNumber; got != 0 {
		t.Fatalf("expected counter reset for previous day, got %d", got)
	}

	today := models.Queue{QueueID: "q1", IsActive: true, CurrentTokenNumber: 3}
	stream.events <- Event{Table: TableQueues, Type: EventUpdate, QueueID: "q1", NewQueue: &today, QueueTokenDate: "2026-03-02"}
	rec.waitChanges(t, 1)
	if got := rec.lastChange().Queue.CurrentTokenNumber; got != 3 {
		t.Fatalf("expected counter 3, got %d", got)
	}
}

func TestReloadEventReadsRowBack(t *testing.T) {
	waiting := token("a", 1, 0, models.StatusWaiting)
	loader := &fakeLoader{queue: models.Queue{QueueID: "q1", IsActive: true}, tokens: []models.Token{waiting}}
	stream := newFakeStream()
	rec := newRecorder()
	sub := startSubscriber(t, loader, stream, rec)
	loadsAfterStart := loader.loadCount()

	stored := waiting
	stored.Status = models.StatusCalled
	stored.Purpose = strings.Repeat("x", 6000)
	loader.mu.Lock()
	loader.tokens = []models.Token{stored}
	loader.mu.Unlock()

	stream.events <- Event{
		Table:    TableTokens,
		Type:     EventUpdate,
		QueueID:  "q1",
		Reload:   true,
		OldToken: &models.Token{TokenID: "a", Status: models.StatusWaiting},
		NewToken: &models.Token{TokenID: "a", Status: models.StatusCalled},
	}
	rec.waitChanges(t, 1)

	if loader.loadCount() != loadsAfterStart+1 {
		t.Fatalf("expected the queue to be read back")
	}
	deadline := time.Now().Add(2 * time.Second)
	for rec.calledCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected token called handler after reload")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec.mu.Lock()
	purpose := rec.called[0].Purpose
	rec.mu.Unlock()
	if len(purpose) != 6000 {
		t.Fatalf("expected the stored row in the called handler, got purpose of %d bytes", len(purpose))
	}
	if got := sub.Snapshot().Tokens[0].Status; got != models.StatusCalled {
		t.Fatalf("expected called in snapshot, got %s", got)
	}
}

func TestDecodeReloadAndTokenDate(t *testing.T) {
	event, err := DecodeEvent([]byte(`{"table":"queue_tokens","type":"UPDATE","queue_id":"q1","reload":true,
		"old":{"id":"t1","queue_id":"q1","status":"waiting"},"new":{"id":"t1","queue_id":"q1","status":"called"}}`))
	if err != nil {
		t.Fatalf("decode reload: %v", err)
	}
	if !event.Reload || event.NewToken.Status != models.StatusCalled {
		t.Fatalf("unexpected reload event %+v", event)
	}

	queue, err := DecodeEvent([]byte(`{"table":"queues","type":"UPDATE","queue_id":"q1",
		"old":{"id":"q1","is_active":true},"new":{"id":"q1","is_active":true,"current_token_number":7,"token_date":"2026-03-02"}}`))
	if err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if queue.QueueTokenDate != "2026-03-02" || queue.NewQueue.CurrentTokenNumber != 7 || queue.Reload {
		t.Fatalf("unexpected queue event %+v", queue)
	}
}

func TestDecodeRejectsUnknownTokenStatus(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"table":"queue_tokens","type":"INSERT","queue_id":"q1","new":{"id":"t1","queue_id":"q1","status":"paused"}}`))
	if err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
