// Package storetest provides an in-memory store.TokenStore for tests. It
// keeps the conditional-update semantics of the Postgres store.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/google/uuid"
)

type Memory struct {
	mu       sync.Mutex
	queues   map[string]models.Queue
	tokens   map[string]models.Token
	requests map[string]string
	events   map[string][]store.TokenEvent

	// BeforeTransition runs before each conditional write without the lock
	// held, letting a test move the token underneath the writer.
	BeforeTransition func(input store.TransitionInput)
	// Err, when set, is returned by every call.
	Err error

	Transitions int
}

func NewMemory() *Memory {
	return &Memory{
		queues:   make(map[string]models.Queue),
		tokens:   make(map[string]models.Token),
		requests: make(map[string]string),
		events:   make(map[string][]store.TokenEvent),
	}
}

func (m *Memory) PutQueue(queue models.Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue.QueueID] = queue
}

func (m *Memory) PutToken(token models.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.TokenID] = token
}

// Token returns the stored token, bypassing Err.
func (m *Memory) Token(tokenID string) (models.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[tokenID]
	return token, ok
}

func (m *Memory) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Queue{}, m.Err
	}
	queue, ok := m.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	return queue, nil
}

func (m *Memory) ListTokens(ctx context.Context, queueID string, since time.Time) ([]models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.Token
	for _, token := range m.tokens {
		if token.QueueID == queueID && !token.CreatedAt.Before(since) {
			out = append(out, token)
		}
	}
	models.SortTokens(out)
	return out, nil
}

func (m *Memory) SetQueueActive(ctx context.Context, queueID string, active bool) (models.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Queue{}, m.Err
	}
	queue, ok := m.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	queue.IsActive = active
	m.queues[queueID] = queue
	return queue, nil
}

func (m *Memory) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Token{}, m.Err
	}
	token, ok := m.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, nil
}

func (m *Memory) IssueToken(ctx context.Context, input store.IssueTokenInput) (models.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Token{}, false, m.Err
	}
	if id, ok := m.requests[input.RequestID]; ok && input.RequestID != "" {
		return m.tokens[id], false, nil
	}
	queue, ok := m.queues[input.QueueID]
	if !ok {
		return models.Token{}, false, store.ErrQueueNotFound
	}
	if !queue.IsActive {
		return models.Token{}, false, store.ErrQueueInactive
	}
	issuedToday := 0
	for _, token := range m.tokens {
		if token.QueueID == input.QueueID && !token.CreatedAt.Before(input.DayStart) {
			issuedToday++
		}
	}
	if queue.MaxTokensPerDay > 0 && issuedToday >= queue.MaxTokensPerDay {
		return models.Token{}, false, store.ErrDailyCapReached
	}

	token := models.Token{
		TokenID:     uuid.NewString(),
		QueueID:     input.QueueID,
		BusinessID:  queue.BusinessID,
		TokenNumber: issuedToday + 1,
		HolderName:  input.HolderName,
		HolderPhone: input.HolderPhone,
		HolderAge:   input.HolderAge,
		Purpose:     input.Purpose,
		Priority:    input.Priority,
		Status:      models.StatusWaiting,
		RequestID:   input.RequestID,
		CreatedAt:   input.IssuedAt,
	}
	m.tokens[token.TokenID] = token
	if input.RequestID != "" {
		m.requests[input.RequestID] = token.TokenID
	}
	queue.CurrentTokenNumber = token.TokenNumber
	m.queues[queue.QueueID] = queue
	m.appendEventLocked(token, "token.issued")
	return token, true, nil
}

func (m *Memory) TransitionToken(ctx context.Context, input store.TransitionInput) (models.Token, error) {
	if hook := m.BeforeTransition; hook != nil {
		hook(input)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Token{}, m.Err
	}
	current, ok := m.tokens[input.Token.TokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if current.Status != input.From {
		return models.Token{}, store.ErrStaleToken
	}
	m.tokens[current.TokenID] = input.Token
	m.Transitions++
	m.appendEventLocked(input.Token, store.EventType(input.Action))
	return input.Token, nil
}

func (m *Memory) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if _, ok := m.tokens[tokenID]; !ok {
		return nil, store.ErrTokenNotFound
	}
	events := append([]store.TokenEvent(nil), m.events[tokenID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].TokenSeq < events[j].TokenSeq })
	return events, nil
}

func (m *Memory) appendEventLocked(token models.Token, eventType string) {
	payload, _ := json.Marshal(token)
	history := m.events[token.TokenID]
	prev := ""
	if len(history) > 0 {
		prev = history[len(history)-1].Hash
	}
	seq := len(history) + 1
	createdAt := time.Now().UTC()
	m.events[token.TokenID] = append(history, store.TokenEvent{
		TokenID:   token.TokenID,
		TokenSeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeTokenEventHash(prev, token.TokenID, eventType, payload, createdAt, seq),
	})
}
