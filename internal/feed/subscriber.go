package feed

import (
	"context"
	"sync"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/rs/zerolog"
)

// Snapshot is the subscriber's local view of one queue for the current day.
type Snapshot struct {
	Queue     models.Queue
	Tokens    []models.Token
	Connected bool
}

// Handlers run on the subscriber goroutine, or on the goroutine calling
// Start or Resync. Nil handlers are skipped.
type Handlers struct {
	OnChange      func(Snapshot)
	OnTokenCalled func(models.Token)
	OnQueueStatus func(models.Queue)
	OnConnection  func(connected bool)
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
	// ResyncInterval reloads the queue periodically to recover from dropped
	// notifications. Zero disables it.
	ResyncInterval time.Duration
}

// Subscriber keeps a live copy of one queue's row and today's tokens.
type Subscriber struct {
	queueID string
	loader  store.QueueReader
	source  Source
	logger  zerolog.Logger
	opts    Options

	mu        sync.RWMutex
	queue     models.Queue
	tokens    []models.Token
	connected bool
	handlers  Handlers
	stream    Stream

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewSubscriber(queueID string, loader store.QueueReader, source Source, handlers Handlers, opts Options, logger zerolog.Logger) *Subscriber {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		queueID:  queueID,
		loader:   loader,
		source:   source,
		logger:   logger.With().Str("component", "feed").Str("queue_id", queueID).Logger(),
		opts:     opts,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start opens the stream, loads the queue and today's tokens, marks the
// subscriber connected and begins applying events. The stream is opened
// before the load so no change between the two is lost.
func (s *Subscriber) Start(ctx context.Context) error {
	stream, err := s.source.Open(ctx, s.queueID)
	if err != nil {
		return err
	}
	queue, tokens, err := s.load(ctx)
	if err != nil {
		stream.Close()
		return err
	}

	s.mu.Lock()
	s.queue = queue
	s.tokens = tokens
	s.connected = true
	s.stream = stream
	s.mu.Unlock()

	s.emitChange()

	s.wg.Add(1)
	go s.run(stream)
	return nil
}

// Close stops event delivery and releases the handlers. No handler runs
// after Close returns. It must not be called from inside a handler.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		stream := s.stream
		s.stream = nil
		s.handlers = Handlers{}
		s.connected = false
		s.mu.Unlock()

		if stream != nil {
			stream.Close()
		}
	})
}

func (s *Subscriber) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]models.Token, len(s.tokens))
	copy(tokens, s.tokens)
	return Snapshot{Queue: s.queue, Tokens: tokens, Connected: s.connected}
}

func (s *Subscriber) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Resync reloads the queue and today's tokens. On failure the last known
// state is kept.
func (s *Subscriber) Resync(ctx context.Context) error {
	queue, tokens, err := s.load(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("resync failed")
		return err
	}
	s.mu.Lock()
	s.queue = queue
	s.tokens = tokens
	s.mu.Unlock()
	s.emitChange()
	return nil
}

func (s *Subscriber) run(stream Stream) {
	defer s.wg.Done()

	var resync <-chan time.Time
	if s.opts.ResyncInterval > 0 {
		ticker := time.NewTicker(s.opts.ResyncInterval)
		defer ticker.Stop()
		resync = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-stream.Events():
			if !ok {
				s.setConnected(false)
				return
			}
			s.apply(event)
		case connected := <-stream.Status():
			s.setConnected(connected)
		case <-resync:
			_ = s.Resync(s.ctx)
		}
	}
}

func (s *Subscriber) load(ctx context.Context) (models.Queue, []models.Token, error) {
	queue, err := s.loader.GetQueue(ctx, s.queueID)
	if err != nil {
		return models.Queue{}, nil, err
	}
	tokens, err := s.loader.ListTokens(ctx, s.queueID, s.dayStart())
	if err != nil {
		return models.Queue{}, nil, err
	}
	models.SortTokens(tokens)
	return queue, tokens, nil
}

func (s *Subscriber) dayStart() time.Time {
	return models.StartOfDay(s.opts.Now(), s.opts.Location)
}

func (s *Subscriber) today() string {
	return s.opts.Now().In(s.opts.Location).Format("2006-01-02")
}

func (s *Subscriber) setConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	handler := s.handlers.OnConnection
	s.mu.Unlock()

	if !changed {
		return
	}
	s.logger.Info().Bool("connected", connected).Msg("feed connection changed")
	if handler != nil {
		handler(connected)
	}
	if connected {
		_ = s.Resync(s.ctx)
	}
}

func (s *Subscriber) apply(event Event) {
	if event.QueueID != "" && event.QueueID != s.queueID {
		return
	}
	if event.Reload {
		s.reload(event)
		return
	}

	var called *models.Token
	var statusChanged *models.Queue

	s.mu.Lock()
	switch event.Table {
	case TableTokens:
		called = s.applyToken(event)
	case TableQueues:
		statusChanged = s.applyQueue(event)
	default:
		s.mu.Unlock()
		return
	}
	s.pruneLocked()
	handlers := s.handlers
	s.mu.Unlock()

	s.emitChange()
	if called != nil && handlers.OnTokenCalled != nil {
		handlers.OnTokenCalled(*called)
	}
	if statusChanged != nil && handlers.OnQueueStatus != nil {
		handlers.OnQueueStatus(*statusChanged)
	}
}

// applyToken returns the token when the event moved it from waiting to called.
func (s *Subscriber) applyToken(event Event) *models.Token {
	switch event.Type {
	case EventInsert:
		if event.NewToken == nil {
			return nil
		}
		s.upsertLocked(*event.NewToken)
	case EventUpdate:
		if event.NewToken == nil {
			return nil
		}
		next := *event.NewToken
		previous := models.Status("")
		if event.OldToken != nil && event.OldToken.Status != "" {
			previous = event.OldToken.Status
		} else if index := s.indexLocked(next.TokenID); index >= 0 {
			previous = s.tokens[index].Status
		}
		s.upsertLocked(next)
		if previous == models.StatusWaiting && next.Status == models.StatusCalled {
			return &next
		}
	case EventDelete:
		if event.OldToken == nil {
			return nil
		}
		if index := s.indexLocked(event.OldToken.TokenID); index >= 0 {
			s.tokens = append(s.tokens[:index], s.tokens[index+1:]...)
		}
	}
	return nil
}

// applyQueue returns the new queue row when is_active changed.
func (s *Subscriber) applyQueue(event Event) *models.Queue {
	if event.NewQueue == nil {
		return nil
	}
	wasActive := s.queue.IsActive
	if event.OldQueue != nil {
		wasActive = event.OldQueue.IsActive
	}
	s.queue = *event.NewQueue
	if event.QueueTokenDate != s.today() {
		s.queue.CurrentTokenNumber = 0
	}
	if wasActive != s.queue.IsActive {
		queue := s.queue
		return &queue
	}
	return nil
}

// reload reads the queue back for a change that arrived without its row,
// then fires the handlers the full event would have fired.
func (s *Subscriber) reload(event Event) {
	if err := s.Resync(s.ctx); err != nil {
		return
	}

	var called *models.Token
	var statusChanged *models.Queue

	s.mu.RLock()
	switch event.Table {
	case TableTokens:
		if event.Type == EventUpdate && event.OldToken != nil && event.NewToken != nil &&
			event.OldToken.Status == models.StatusWaiting && event.NewToken.Status == models.StatusCalled {
			if index := s.indexLocked(event.NewToken.TokenID); index >= 0 {
				token := s.tokens[index]
				called = &token
			}
		}
	case TableQueues:
		if event.OldQueue != nil && event.NewQueue != nil && event.OldQueue.IsActive != event.NewQueue.IsActive {
			queue := s.queue
			statusChanged = &queue
		}
	}
	handlers := s.handlers
	s.mu.RUnlock()

	if called != nil && handlers.OnTokenCalled != nil {
		handlers.OnTokenCalled(*called)
	}
	if statusChanged != nil && handlers.OnQueueStatus != nil {
		handlers.OnQueueStatus(*statusChanged)
	}
}

func (s *Subscriber) upsertLocked(token models.Token) {
	if index := s.indexLocked(token.TokenID); index >= 0 {
		s.tokens[index] = token
	} else {
		s.tokens = append(s.tokens, token)
	}
	models.SortTokens(s.tokens)
}

func (s *Subscriber) indexLocked(tokenID string) int {
	for i, token := range s.tokens {
		if token.TokenID == tokenID {
			return i
		}
	}
	return -1
}

// pruneLocked drops tokens issued before today so a long-lived subscriber
// rolls over at midnight.
func (s *Subscriber) pruneLocked() {
	start := s.dayStart()
	kept := s.tokens[:0]
	for _, token := range s.tokens {
		if token.CreatedAt.Before(start) {
			continue
		}
		kept = append(kept, token)
	}
	s.tokens = kept
}

func (s *Subscriber) emitChange() {
	s.mu.RLock()
	handler := s.handlers.OnChange
	s.mu.RUnlock()
	if handler != nil {
		handler(s.Snapshot())
	}
}
