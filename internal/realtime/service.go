// Package realtime keeps one change feed subscriber per watched queue and
// pushes snapshots, stats and per-token positions to connected viewers.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"qms/token-service/internal/feed"
	"qms/token-service/internal/hub"
	"qms/token-service/internal/models"
	"qms/token-service/internal/position"
	"qms/token-service/internal/stats"
	"qms/token-service/internal/store"

	"github.com/rs/zerolog"
)

const (
	TypeSnapshot    = "queue.snapshot"
	TypePosition    = "token.position"
	TypeAlmostReady = "token.almost_ready"
	TypeInactive    = "token.inactive"
	TypeCalled      = "token.called"
	TypeQueueStatus = "queue.status"
	TypeConnection  = "feed.connection"
	TypeError       = "error"
)

type Envelope struct {
	Type      string      `json:"type"`
	QueueID   string      `json:"queue_id,omitempty"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

type SnapshotPayload struct {
	Queue     models.Queue   `json:"queue"`
	Tokens    []models.Token `json:"tokens"`
	Stats     stats.Stats    `json:"stats"`
	Connected bool           `json:"connected"`
}

type CalledPayload struct {
	TokenID     string `json:"token_id"`
	TokenNumber int    `json:"token_number"`
	HolderName  string `json:"holder_name"`
}

type Options struct {
	Location        *time.Location
	RefreshInterval time.Duration
	ResyncInterval  time.Duration
	AttachTimeout   time.Duration
}

type Service struct {
	hub     *hub.Hub
	loader  store.QueueReader
	source  feed.Source
	stats   *stats.Recomputer
	opts    Options
	logger  zerolog.Logger
	metrics *metrics

	mu      sync.Mutex
	queues  map[string]*queueFeed
	clients map[string]string
}

type queueFeed struct {
	queueID string
	sub     *feed.Subscriber

	mu      sync.Mutex
	viewers map[string]*viewer
}

type viewer struct {
	clientID string
	tracker  *position.Tracker
	cancel   context.CancelFunc
}

func NewService(h *hub.Hub, loader store.QueueReader, source feed.Source, recomputer *stats.Recomputer, opts Options, logger zerolog.Logger) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = 5 * time.Second
	}
	return &Service{
		hub:     h,
		loader:  loader,
		source:  source,
		stats:   recomputer,
		opts:    opts,
		logger:  logger.With().Str("component", "realtime").Logger(),
		metrics: sharedMetrics,
		queues:  make(map[string]*queueFeed),
		clients: make(map[string]string),
	}
}

// Attach subscribes client to a queue, replacing any earlier subscription.
// The first viewer of a queue starts its subscriber; the client receives the
// current snapshot and, when a token is named, its position. The subscriber
// loads outside the service lock, so a slow queue does not hold up others.
func (s *Service) Attach(ctx context.Context, client *hub.Client, sub hub.Subscription) error {
	s.Detach(client)

	ctx, cancel := context.WithTimeout(ctx, s.opts.AttachTimeout)
	defer cancel()

	// started is closed on return unless it was installed.
	var started *queueFeed
	defer func() {
		if started != nil {
			started.sub.Close()
		}
	}()

	for {
		s.mu.Lock()
		qf, ok := s.queues[sub.QueueID]
		if !ok && started != nil {
			qf, ok = started, true
			started = nil
			s.queues[sub.QueueID] = qf
			s.metrics.queues.Add(1)
		}
		if ok {
			s.attachLocked(qf, client, sub)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		started = s.newQueueFeed(sub.QueueID)
		if err := started.sub.Start(ctx); err != nil {
			return err
		}
	}
}

func (s *Service) newQueueFeed(queueID string) *queueFeed {
	qf := &queueFeed{queueID: queueID, viewers: make(map[string]*viewer)}
	qf.sub = feed.NewSubscriber(queueID, s.loader, s.source, s.feedHandlers(qf), feed.Options{
		Location:       s.opts.Location,
		ResyncInterval: s.opts.ResyncInterval,
	}, s.logger)
	return qf
}

func (s *Service) attachLocked(qf *queueFeed, client *hub.Client, sub hub.Subscription) {
	v := &viewer{clientID: client.ID}
	snapshot := qf.sub.Snapshot()
	if sub.TokenID != "" {
		trackerCtx, stop := context.WithCancel(context.Background())
		v.cancel = stop
		v.tracker = position.NewTracker(sub.QueueID, sub.TokenID, s.loader, s.trackerHandlers(sub.QueueID, client.ID), position.Options{
			RefreshInterval: s.opts.RefreshInterval,
			Location:        s.opts.Location,
		}, s.logger)
		go v.tracker.Run(trackerCtx)
	}

	qf.mu.Lock()
	qf.viewers[client.ID] = v
	qf.mu.Unlock()
	s.clients[client.ID] = sub.QueueID
	s.hub.UpdateSubscription(client, sub)
	s.metrics.viewers.Add(1)

	s.send(client.ID, sub.QueueID, TypeSnapshot, s.snapshotPayload(sub.QueueID, snapshot))
	if v.tracker != nil {
		v.tracker.Update(snapshot.Tokens, snapshot.Queue.EstimatedWaitTime)
	}
}

// Detach drops the client's subscription. The last viewer of a queue closes
// its subscriber synchronously.
func (s *Service) Detach(client *hub.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueID, ok := s.clients[client.ID]
	if !ok {
		return
	}
	delete(s.clients, client.ID)
	s.hub.UpdateSubscription(client, hub.Subscription{})
	s.metrics.viewers.Add(-1)

	qf := s.queues[queueID]
	if qf == nil {
		return
	}
	qf.mu.Lock()
	v := qf.viewers[client.ID]
	delete(qf.viewers, client.ID)
	remaining := len(qf.viewers)
	qf.mu.Unlock()

	if v != nil && v.tracker != nil {
		v.cancel()
		v.tracker.Close()
	}
	if remaining == 0 {
		delete(s.queues, queueID)
		qf.sub.Close()
		s.metrics.queues.Add(-1)
	}
}

// Close releases every subscriber and tracker.
func (s *Service) Close() {
	s.mu.Lock()
	queues := s.queues
	s.queues = make(map[string]*queueFeed)
	s.clients = make(map[string]string)
	s.mu.Unlock()

	for _, qf := range queues {
		qf.mu.Lock()
		for _, v := range qf.viewers {
			if v.tracker != nil {
				v.cancel()
				v.tracker.Close()
			}
		}
		qf.viewers = map[string]*viewer{}
		qf.mu.Unlock()
		qf.sub.Close()
	}
}

func (s *Service) QueueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

func (s *Service) feedHandlers(qf *queueFeed) feed.Handlers {
	queueID := qf.queueID
	return feed.Handlers{
		OnChange: func(snapshot feed.Snapshot) {
			s.broadcast(queueID, TypeSnapshot, s.snapshotPayload(queueID, snapshot))
			qf.mu.Lock()
			trackers := make([]*position.Tracker, 0, len(qf.viewers))
			for _, v := range qf.viewers {
				if v.tracker != nil {
					trackers = append(trackers, v.tracker)
				}
			}
			qf.mu.Unlock()
			for _, tracker := range trackers {
				tracker.Update(snapshot.Tokens, snapshot.Queue.EstimatedWaitTime)
			}
		},
		OnTokenCalled: func(token models.Token) {
			s.broadcast(queueID, TypeCalled, CalledPayload{
				TokenID:     token.TokenID,
				TokenNumber: token.TokenNumber,
				HolderName:  token.HolderName,
			})
		},
		OnQueueStatus: func(queue models.Queue) {
			s.broadcast(queueID, TypeQueueStatus, map[string]interface{}{
				"queue_id":  queue.QueueID,
				"is_active": queue.IsActive,
			})
		},
		OnConnection: func(connected bool) {
			s.broadcast(queueID, TypeConnection, map[string]bool{"connected": connected})
		},
	}
}

func (s *Service) trackerHandlers(queueID, clientID string) position.Handlers {
	return position.Handlers{
		OnUpdate: func(pos position.Position) {
			s.send(clientID, queueID, TypePosition, pos)
		},
		OnAlmostReady: func(pos position.Position) {
			s.send(clientID, queueID, TypeAlmostReady, pos)
		},
		OnInactive: func(pos position.Position) {
			s.send(clientID, queueID, TypeInactive, pos)
		},
	}
}

func (s *Service) snapshotPayload(queueID string, snapshot feed.Snapshot) SnapshotPayload {
	computed := stats.Compute(queueID, snapshot.Tokens)
	if s.stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.stats.Publish(ctx, computed)
		cancel()
	}
	tokens := snapshot.Tokens
	if tokens == nil {
		tokens = []models.Token{}
	}
	return SnapshotPayload{Queue: snapshot.Queue, Tokens: tokens, Stats: computed, Connected: snapshot.Connected}
}

func (s *Service) broadcast(queueID, kind string, payload interface{}) {
	data, err := encode(queueID, kind, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", kind).Msg("encode envelope")
		return
	}
	s.metrics.messages.Add(1)
	s.hub.Broadcast(data, queueID)
}

func (s *Service) send(clientID, queueID, kind string, payload interface{}) {
	data, err := encode(queueID, kind, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", kind).Msg("encode envelope")
		return
	}
	s.metrics.messages.Add(1)
	s.hub.SendTo(clientID, data)
}

func encode(queueID, kind string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: kind, QueueID: queueID, Payload: payload, CreatedAt: time.Now().UTC()})
}
