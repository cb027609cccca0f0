// Package notify delivers announcements about token transitions to holders
// and displays. Delivery is best effort and never affects persisted state.
package notify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"qms/token-service/internal/models"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindCalled    Kind = "token.called"
	KindRecalled  Kind = "token.recalled"
	KindServed    Kind = "token.served"
	KindSkipped   Kind = "token.skipped"
	KindCancelled Kind = "token.cancelled"
)

type Announcement struct {
	Kind        Kind      `json:"kind"`
	BusinessID  string    `json:"business_id"`
	QueueID     string    `json:"queue_id"`
	TokenID     string    `json:"token_id"`
	TokenNumber int       `json:"token_number"`
	HolderName  string    `json:"holder_name"`
	HolderPhone string    `json:"holder_phone,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, announcement Announcement) error
}

var templates = map[Kind]string{
	KindCalled:    "Token {token_number}, {holder_name}, please proceed to the counter",
	KindRecalled:  "Reminder: token {token_number}, {holder_name}, please proceed to the counter",
	KindServed:    "Thank you {holder_name}, token {token_number} is complete",
	KindSkipped:   "Token {token_number} was skipped",
	KindCancelled: "Token {token_number} was cancelled",
}

func NewAnnouncement(kind Kind, token models.Token, at time.Time) Announcement {
	announcement := Announcement{
		Kind:        kind,
		BusinessID:  token.BusinessID,
		QueueID:     token.QueueID,
		TokenID:     token.TokenID,
		TokenNumber: token.TokenNumber,
		HolderName:  token.HolderName,
		HolderPhone: token.HolderPhone,
		Reason:      token.CancelReason,
		At:          at,
	}
	announcement.Message = renderTemplate(templates[kind], announcement)
	return announcement
}

func renderTemplate(template string, a Announcement) string {
	result := template
	result = strings.ReplaceAll(result, "{token_number}", strconv.Itoa(a.TokenNumber))
	result = strings.ReplaceAll(result, "{holder_name}", a.HolderName)
	result = strings.ReplaceAll(result, "{queue_id}", a.QueueID)
	result = strings.ReplaceAll(result, "{reason}", a.Reason)
	return result
}

// Multi fans an announcement out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, announcement Announcement) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, announcement); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async sends in the background with its own timeout, so callers never wait
// on delivery. Failures are logged at warn level.
type Async struct {
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewAsync(notifier Notifier, timeout time.Duration, logger zerolog.Logger) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

func (a *Async) Send(announcement Announcement) {
	if a == nil || a.notifier == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.notifier.Notify(ctx, announcement); err != nil {
			a.logger.Warn().Err(err).
				Str("kind", string(announcement.Kind)).
				Str("token_id", announcement.TokenID).
				Msg("notification failed")
		}
	}()
}

// Wait blocks until in-flight sends finish.
func (a *Async) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}
