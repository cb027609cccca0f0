package postgres

import (
	"context"
	"sync"
	"time"

	"qms/token-service/internal/feed"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	ChangeChannel      = "queue_changes"
	streamBufferSize   = 64
	defaultMaxBackoff  = 30 * time.Second
	initialBackoffWait = 500 * time.Millisecond
)

// Listener holds one LISTEN connection for the whole process and fans
// notifications out to per-queue streams.
type Listener struct {
	pool       *pgxpool.Pool
	channel    string
	maxBackoff time.Duration
	logger     zerolog.Logger

	mu        sync.RWMutex
	streams   map[string]map[*stream]struct{}
	connected bool
}

type ListenerOptions struct {
	Channel    string
	MaxBackoff time.Duration
}

func NewListener(pool *pgxpool.Pool, options ListenerOptions, logger zerolog.Logger) *Listener {
	channel := options.Channel
	if channel == "" {
		channel = ChangeChannel
	}
	maxBackoff := options.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Listener{
		pool:       pool,
		channel:    channel,
		maxBackoff: maxBackoff,
		logger:     logger.With().Str("component", "listener").Str("channel", channel).Logger(),
		streams:    make(map[string]map[*stream]struct{}),
	}
}

// Run listens until ctx is done, reconnecting with capped exponential
// backoff whenever the connection drops.
func (l *Listener) Run(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = initialBackoffWait
	retry.MaxInterval = l.maxBackoff

	for {
		connected, err := l.listen(ctx)
		l.setConnected(false)
		if ctx.Err() != nil {
			l.logger.Info().Msg("listener stopped")
			return
		}
		if connected {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		l.logger.Warn().Err(err).Dur("retry_in", wait).Msg("change feed disconnected")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info().Msg("listener stopped")
			return
		case <-timer.C:
		}
	}
}

func (l *Listener) listen(ctx context.Context) (bool, error) {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return false, err
	}
	l.setConnected(true)
	l.logger.Info().Msg("change feed connected")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		l.dispatch([]byte(notification.Payload))
	}
}

func (l *Listener) dispatch(payload []byte) {
	event, err := feed.DecodeEvent(payload)
	if err != nil {
		l.logger.Warn().Err(err).Msg("skip change notification")
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for s := range l.streams[event.QueueID] {
		select {
		case s.events <- event:
		default:
			l.logger.Warn().Str("queue_id", event.QueueID).Msg("drop change event for slow stream")
		}
	}
}

func (l *Listener) setConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected == connected {
		return
	}
	l.connected = connected
	for _, set := range l.streams {
		for s := range set {
			s.pushStatus(connected)
		}
	}
}

func (l *Listener) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Open registers a stream for one queue. The stream immediately carries the
// current connection status.
func (l *Listener) Open(ctx context.Context, queueID string) (feed.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &stream{
		listener: l,
		queueID:  queueID,
		events:   make(chan feed.Event, streamBufferSize),
		status:   make(chan bool, 1),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.streams[queueID]
	if !ok {
		set = make(map[*stream]struct{})
		l.streams[queueID] = set
	}
	set[s] = struct{}{}
	s.pushStatus(l.connected)
	return s, nil
}

func (l *Listener) release(s *stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.streams[s.queueID]
	delete(set, s)
	if len(set) == 0 {
		delete(l.streams, s.queueID)
	}
}

type stream struct {
	listener  *Listener
	queueID   string
	events    chan feed.Event
	status    chan bool
	closeOnce sync.Once
}

func (s *stream) Events() <-chan feed.Event { return s.events }

func (s *stream) Status() <-chan bool { return s.status }

// Close unregisters the stream. Channels stay open; readers stop selecting
// on them instead.
func (s *stream) Close() {
	s.closeOnce.Do(func() {
		s.listener.release(s)
	})
}

// pushStatus keeps only the latest status in the buffer. Callers hold the
// listener lock.
func (s *stream) pushStatus(connected bool) {
	select {
	case <-s.status:
	default:
	}
	select {
	case s.status <- connected:
	default:
	}
}
