package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/notify"
	"qms/token-service/internal/stats"
	"qms/token-service/internal/store"
	"qms/token-service/internal/store/storetest"

	"github.com/rs/zerolog"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu            sync.Mutex
	announcements []notify.Announcement
	err           error
}

func (r *recordingNotifier) Notify(ctx context.Context, a notify.Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announcements = append(r.announcements, a)
	return r.err
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []notify.Kind
	for _, a := range r.announcements {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

type fixture struct {
	store    *storetest.Memory
	notifier *recordingNotifier
	async    *notify.Async
	d        *Dispatcher
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mem := storetest.NewMemory()
	mem.PutQueue(models.Queue{QueueID: "q1", BusinessID: "b1", IsActive: true, EstimatedWaitTime: 5})
	rec := &recordingNotifier{}
	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)
	async := notify.NewAsync(rec, time.Second, logger)
	d := New(mem, async, Options{Now: func() time.Time { return fixedNow }}, logger)
	return fixture{store: mem, notifier: rec, async: async, d: d, logs: logs}
}

func (f fixture) put(id string, status models.Status) models.Token {
	token := models.Token{TokenID: id, QueueID: "q1", BusinessID: "b1", TokenNumber: 1, HolderName: "Ana", Status: status, CreatedAt: fixedNow.Add(-time.Hour)}
	f.store.PutToken(token)
	return token
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	f.put("t1", models.StatusWaiting)
	ctx := context.Background()

	called, err := f.d.Call(ctx, "t1")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if called.Status != models.StatusCalled || called.CalledAt == nil || !called.CalledAt.Equal(fixedNow) {
		t.Fatalf("unexpected called token %+v", called)
	}
	serving, err := f.d.StartServing(ctx, "t1")
	if err != nil || serving.Status != models.StatusServing || serving.ServingStartedAt == nil {
		t.Fatalf("start serving: %+v %v", serving, err)
	}
	served, err := f.d.Complete(ctx, "t1")
	if err != nil || served.Status != models.StatusServed || served.CompletedAt == nil {
		t.Fatalf("complete: %+v %v", served, err)
	}

	f.async.Wait()
	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[0] != notify.KindCalled || kinds[1] != notify.KindServed {
		t.Fatalf("unexpected announcements %v", kinds)
	}
}

func TestRejectedTransitionDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	f.put("t1", models.StatusServed)

	_, err := f.d.StartServing(context.Background(), "t1")
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	stored, _ := f.store.Token("t1")
	if stored.Status != models.StatusServed {
		t.Fatalf("expected served to remain, got %s", stored.Status)
	}
	if f.store.Transitions != 0 {
		t.Fatalf("expected no writes, got %d", f.store.Transitions)
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		from   models.Status
		action store.Action
	}{
		{models.StatusWaiting, store.ActionStartServing},
		{models.StatusWaiting, store.ActionComplete},
		{models.StatusWaiting, store.ActionRecall},
		{models.StatusServing, store.ActionCall},
		{models.StatusServing, store.ActionSkip},
		{models.StatusServing, store.ActionCancel},
		{models.StatusSkipped, store.ActionCall},
		{models.StatusCancelled, store.ActionComplete},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"_"+string(tc.action), func(t *testing.T) {
			f := newFixture(t)
			f.put("t1", tc.from)
			if _, err := f.d.Apply(context.Background(), "t1", tc.action, ""); !errors.Is(err, store.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if stored, _ := f.store.Token("t1"); stored.Status != tc.from {
				t.Fatalf("status changed to %s", stored.Status)
			}
		})
	}
}

func TestCallOnCalledRefreshesTimestamp(t *testing.T) {
	f := newFixture(t)
	token := f.put("t1", models.StatusCalled)
	earlier := fixedNow.Add(-10 * time.Minute)
	token.CalledAt = &earlier
	f.store.PutToken(token)

	got, err := f.d.Call(context.Background(), "t1")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !got.CalledAt.Equal(fixedNow) {
		t.Fatalf("expected called_at refreshed, got %v", got.CalledAt)
	}
	f.async.Wait()
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != notify.KindRecalled {
		t.Fatalf("expected recall announcement, got %v", kinds)
	}
}

func TestRepeatedTerminalActionIsNoop(t *testing.T) {
	f := newFixture(t)
	f.put("t1", models.StatusServed)

	got, err := f.d.Complete(context.Background(), "t1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.StatusServed || f.store.Transitions != 0 {
		t.Fatalf("expected no-op, got %+v with %d writes", got, f.store.Transitions)
	}
	f.async.Wait()
	if kinds := f.notifier.kinds(); len(kinds) != 0 {
		t.Fatalf("expected no announcement, got %v", kinds)
	}
}

func TestCancelRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.put("t1", models.StatusWaiting)

	got, err := f.d.Cancel(context.Background(), "t1", "  changed plans ")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.StatusCancelled || got.CancelReason != "changed plans" {
		t.Fatalf("unexpected cancelled token %+v", got)
	}
}

func TestNotifierFailureKeepsTransition(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("push service down")
	f.put("t1", models.StatusWaiting)

	if _, err := f.d.Skip(context.Background(), "t1"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	f.async.Wait()
	if stored, _ := f.store.Token("t1"); stored.Status != models.StatusSkipped {
		t.Fatalf("expected skipped to persist, got %s", stored.Status)
	}
	if !strings.Contains(f.logs.String(), "notification failed") {
		t.Fatalf("expected notifier failure to be logged")
	}
}

func TestConcurrentWriterRetriesOnce(t *testing.T) {
	f := newFixture(t)
	f.put("t1", models.StatusWaiting)

	raced := false
	f.store.BeforeTransition = func(input store.TransitionInput) {
		if raced {
			return
		}
		raced = true
		other := input.Token
		at := fixedNow.Add(-time.Second)
		other.CalledAt = &at
		f.store.PutToken(other)
	}

	got, err := f.d.Call(context.Background(), "t1")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.Status != models.StatusCalled || !got.CalledAt.Equal(fixedNow) {
		t.Fatalf("expected retried call to refresh called_at, got %+v", got)
	}
}

func TestConcurrentCompleteIsHarmless(t *testing.T) {
	f := newFixture(t)
	f.put("t1", models.StatusServing)

	f.store.BeforeTransition = func(input store.TransitionInput) {
		f.store.BeforeTransition = nil
		f.store.PutToken(input.Token)
	}
	got, err := f.d.Complete(context.Background(), "t1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.StatusServed {
		t.Fatalf("expected served, got %s", got.Status)
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.d.Call(context.Background(), "missing"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestPersistenceFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.put("t1", models.StatusWaiting)
	f.store.Err = errors.New("connection reset")

	if _, err := f.d.Call(context.Background(), "t1"); err == nil || err.Error() != "connection reset" {
		t.Fatalf("expected store error, got %v", err)
	}
	if !strings.Contains(f.logs.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got %s", f.logs.String())
	}
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.d.IssueToken(ctx, store.IssueTokenInput{QueueID: "q1", HolderName: "  "}); !errors.Is(err, ErrHolderNameRequired) {
		t.Fatalf("expected ErrHolderNameRequired, got %v", err)
	}

	first, created, err := f.d.IssueToken(ctx, store.IssueTokenInput{RequestID: "r1", QueueID: "q1", HolderName: "Ana"})
	if err != nil || !created {
		t.Fatalf("issue: created=%v err=%v", created, err)
	}
	if first.Status != models.StatusWaiting || !first.CreatedAt.Equal(fixedNow) || first.TokenNumber != 1 {
		t.Fatalf("unexpected token %+v", first)
	}
	again, created, err := f.d.IssueToken(ctx, store.IssueTokenInput{RequestID: "r1", QueueID: "q1", HolderName: "Ana"})
	if err != nil || created || again.TokenID != first.TokenID {
		t.Fatalf("expected idempotent issue, got %+v created=%v err=%v", again, created, err)
	}

	if _, err := f.d.SetQueueActive(ctx, "q1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, _, err := f.d.IssueToken(ctx, store.IssueTokenInput{QueueID: "q1", HolderName: "Budi"}); !errors.Is(err, store.ErrQueueInactive) {
		t.Fatalf("expected ErrQueueInactive, got %v", err)
	}
}

func TestSetQueueActiveNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.d.SetQueueActive(context.Background(), "nope", true); !errors.Is(err, store.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

type statsCache struct {
	mu     sync.Mutex
	values map[string]stats.Stats
}

func (c *statsCache) Get(ctx context.Context, queueID string) (stats.Stats, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[queueID]
	return value, ok, nil
}

func (c *statsCache) Set(ctx context.Context, value stats.Stats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[value.QueueID] = value
	return nil
}

func TestWritesRefreshCachedStats(t *testing.T) {
	mem := storetest.NewMemory()
	mem.PutQueue(models.Queue{QueueID: "q1", BusinessID: "b1", IsActive: true, EstimatedWaitTime: 5})
	cache := &statsCache{values: map[string]stats.Stats{}}
	clock := func() time.Time { return fixedNow }
	recomputer := stats.NewRecomputer(mem, cache, time.UTC, zerolog.Nop()).WithClock(clock)
	d := New(mem, nil, Options{Now: clock, Stats: recomputer}, zerolog.Nop())
	ctx := context.Background()

	issued, _, err := d.IssueToken(ctx, store.IssueTokenInput{QueueID: "q1", HolderName: "Ana"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got, _ := recomputer.Get(ctx, "q1"); got.Waiting != 1 {
		t.Fatalf("expected one waiting after issue, got %+v", got)
	}

	if _, err := d.Call(ctx, issued.TokenID); err != nil {
		t.Fatalf("call: %v", err)
	}
	got, _ := recomputer.Get(ctx, "q1")
	if got.Waiting != 0 || got.Called != 1 {
		t.Fatalf("expected cached stats to follow the call, got %+v", got)
	}
}
