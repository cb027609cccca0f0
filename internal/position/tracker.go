package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/rs/zerolog"
)

const DefaultRefreshInterval = 30 * time.Second

// Handlers must not call back into the Tracker that invokes them.
type Handlers struct {
	OnUpdate      func(Position)
	OnAlmostReady func(Position)
	OnInactive    func(Position)
}

type Options struct {
	RefreshInterval time.Duration
	Location        *time.Location
	Now             func() time.Time
}

// Tracker follows one token. It recomputes on every snapshot it is given and
// reloads from the store on a fallback timer. Once the token is inactive the
// tracker stops emitting.
type Tracker struct {
	queueID string
	tokenID string
	loader  store.QueueReader
	opts    Options
	logger  zerolog.Logger

	mu          sync.Mutex
	handlers    Handlers
	last        Position
	hasLast     bool
	almostReady bool
	inactive    bool
}

func NewTracker(queueID, tokenID string, loader store.QueueReader, handlers Handlers, opts Options, logger zerolog.Logger) *Tracker {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		queueID:  queueID,
		tokenID:  tokenID,
		loader:   loader,
		opts:     opts,
		handlers: handlers,
		logger:   logger.With().Str("component", "position").Str("token_id", tokenID).Logger(),
	}
}

// Update recomputes from a snapshot and emits when the result changed.
func (t *Tracker) Update(tokens []models.Token, perTokenMinutes int) {
	pos, err := Calculate(tokens, t.tokenID, perTokenMinutes)
	if errors.Is(err, store.ErrTokenNotFound) {
		pos = Position{TokenID: t.tokenID}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inactive {
		return
	}

	changed := !t.hasLast || t.last != pos
	t.last = pos
	t.hasLast = true
	enteredWindow := pos.AlmostReady && !t.almostReady
	t.almostReady = pos.AlmostReady

	if changed && t.handlers.OnUpdate != nil {
		t.handlers.OnUpdate(pos)
	}
	if enteredWindow && t.handlers.OnAlmostReady != nil {
		t.handlers.OnAlmostReady(pos)
	}
	if !pos.Active {
		t.inactive = true
		if t.handlers.OnInactive != nil {
			t.handlers.OnInactive(pos)
		}
	}
}

// Refresh reloads the queue and today's tokens from the store.
func (t *Tracker) Refresh(ctx context.Context) error {
	queue, err := t.loader.GetQueue(ctx, t.queueID)
	if err != nil {
		return err
	}
	since := models.StartOfDay(t.opts.Now(), t.opts.Location)
	tokens, err := t.loader.ListTokens(ctx, t.queueID, since)
	if err != nil {
		return err
	}
	t.Update(tokens, queue.EstimatedWaitTime)
	return nil
}

// Run refreshes on the fallback interval until ctx is done or the token
// becomes inactive.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.Inactive() {
				return
			}
			if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn().Err(err).Msg("position refresh failed")
			}
		}
	}
}

func (t *Tracker) Current() (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

func (t *Tracker) Inactive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inactive
}

// Close drops the handlers; later updates are computed but not emitted.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = Handlers{}
}
