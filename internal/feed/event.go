package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"qms/token-service/internal/models"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const (
	TableTokens = "queue_tokens"
	TableQueues = "queues"
)

var ErrUnknownTable = errors.New("unknown change feed table")

// Event is one row change scoped to a queue. Only the images that exist for
// the operation are set: New for inserts, Old for deletes, both for updates.
// Old images carry ids and status only.
type Event struct {
	Table    string
	Type     EventType
	QueueID  string
	OldToken *models.Token
	NewToken *models.Token
	OldQueue *models.Queue
	NewQueue *models.Queue
	// QueueTokenDate is the day the queue's counter belongs to, as
	// YYYY-MM-DD. Empty when the counter was never used.
	QueueTokenDate string
	// Reload marks a change whose full row was too large to send. The images
	// hold ids and status only and the row must be read back.
	Reload bool
}

type notification struct {
	Table   string          `json:"table"`
	Type    EventType       `json:"type"`
	QueueID string          `json:"queue_id"`
	Reload  bool            `json:"reload"`
	Old     json.RawMessage `json:"old"`
	New     json.RawMessage `json:"new"`
}

type queueImage struct {
	models.Queue
	TokenDate string `json:"token_date"`
}

// DecodeEvent parses a change notification payload as produced by the
// notify_queue_change trigger.
func DecodeEvent(payload []byte) (Event, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Event{}, fmt.Errorf("decode change notification: %w", err)
	}
	switch n.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("decode change notification: unknown type %q", n.Type)
	}

	event := Event{Table: n.Table, Type: n.Type, QueueID: n.QueueID, Reload: n.Reload}
	switch n.Table {
	case TableTokens:
		var err error
		if event.OldToken, err = decodeImage[models.Token](n.Old); err != nil {
			return Event{}, err
		}
		if event.NewToken, err = decodeImage[models.Token](n.New); err != nil {
			return Event{}, err
		}
		for _, image := range []*models.Token{event.OldToken, event.NewToken} {
			if image != nil && image.Status != "" && !image.Status.Valid() {
				return Event{}, fmt.Errorf("decode change notification: unknown token status %q", image.Status)
			}
		}
	case TableQueues:
		var err error
		if event.OldQueue, err = decodeImage[models.Queue](n.Old); err != nil {
			return Event{}, err
		}
		image, err := decodeImage[queueImage](n.New)
		if err != nil {
			return Event{}, err
		}
		if image != nil {
			event.NewQueue = &image.Queue
			event.QueueTokenDate = image.TokenDate
		}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownTable, n.Table)
	}
	return event, nil
}

func decodeImage[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode row image: %w", err)
	}
	return &value, nil
}

// Stream delivers the change events of one queue together with the
// transport's connection status. Status carries only the latest value.
type Stream interface {
	Events() <-chan Event
	Status() <-chan bool
	Close()
}

// Source opens per-queue streams over the change-notification transport.
type Source interface {
	Open(ctx context.Context, queueID string) (Stream, error)
}
