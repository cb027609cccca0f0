// Package dispatch validates operator actions against the token state
// machine, persists them, and hands announcements to the notifier.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/notify"
	"qms/token-service/internal/stats"
	"qms/token-service/internal/store"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrHolderNameRequired = errors.New("holder name required")

type Options struct {
	Location *time.Location
	Now      func() time.Time
	// Stats, when set, is refreshed after every successful write so cached
	// counts never trail the store.
	Stats *stats.Recomputer
}

type Dispatcher struct {
	store    store.TokenStore
	notifier *notify.Async
	stats    *stats.Recomputer
	tracer   trace.Tracer
	location *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// New accepts a nil notifier; announcements are then dropped.
func New(st store.TokenStore, notifier *notify.Async, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:    st,
		notifier: notifier,
		stats:    opts.Stats,
		tracer:   otel.Tracer("qms/token-service/dispatch"),
		location: opts.Location,
		now:      opts.Now,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

func (d *Dispatcher) Call(ctx context.Context, tokenID string) (models.Token, error) {
	return d.Apply(ctx, tokenID, store.ActionCall, "")
}

func (d *Dispatcher) StartServing(ctx context.Context, tokenID string) (models.Token, error) {
	return d.Apply(ctx, tokenID, store.ActionStartServing, "")
}

func (d *Dispatcher) Recall(ctx context.Context, tokenID string) (models.Token, error) {
	return d.Apply(ctx, tokenID, store.ActionRecall, "")
}

func (d *Dispatcher) Complete(ctx context.Context, tokenID string) (models.Token, error) {
	return d.Apply(ctx, tokenID, store.ActionComplete, "")
}

func (d *Dispatcher) Skip(ctx context.Context, tokenID string) (models.Token, error) {
	return d.Apply(ctx, tokenID, store.ActionSkip, "")
}

func (d *Dispatcher) Cancel(ctx context.Context, tokenID, reason string) (models.Token, error) {
	return d.Apply(ctx, tokenID, store.ActionCancel, strings.TrimSpace(reason))
}

// Apply reads the token, checks the transition and writes it with a
// conditional update. A write that loses a race is retried once against the
// fresh status; a rejected transition never reaches the store.
func (d *Dispatcher) Apply(ctx context.Context, tokenID string, action store.Action, reason string) (models.Token, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch."+string(action),
		trace.WithAttributes(attribute.String("token.id", tokenID)))
	defer span.End()

	logger := d.logger.With().Str("token_id", tokenID).Str("action", string(action)).Logger()

	for attempt := 0; ; attempt++ {
		current, err := d.store.GetToken(ctx, tokenID)
		if err != nil {
			return models.Token{}, d.fail(span, logger, "load token", err)
		}

		next, noop, err := store.Apply(current, action, d.now().UTC(), reason)
		if err != nil {
			logger.Info().Str("status", string(current.Status)).Msg("transition rejected")
			span.SetStatus(codes.Error, err.Error())
			return current, err
		}
		if noop {
			return current, nil
		}

		saved, err := d.store.TransitionToken(ctx, store.TransitionInput{Action: action, From: current.Status, Token: next})
		if errors.Is(err, store.ErrStaleToken) && attempt == 0 {
			logger.Debug().Msg("token changed concurrently, retrying")
			continue
		}
		if err != nil {
			return models.Token{}, d.fail(span, logger, "persist transition", err)
		}

		span.SetAttributes(attribute.String("token.status", string(saved.Status)))
		logger.Info().
			Str("from", string(current.Status)).
			Str("to", string(saved.Status)).
			Int("token_number", saved.TokenNumber).
			Msg("token transitioned")
		d.refreshStats(ctx, saved.QueueID)
		d.announce(action, current.Status, saved)
		return saved, nil
	}
}

// IssueToken creates a waiting token. A repeated request id returns the
// token created the first time with created set to false.
func (d *Dispatcher) IssueToken(ctx context.Context, input store.IssueTokenInput) (models.Token, bool, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.issue",
		trace.WithAttributes(attribute.String("queue.id", input.QueueID)))
	defer span.End()

	input.HolderName = strings.TrimSpace(input.HolderName)
	if input.HolderName == "" {
		span.SetStatus(codes.Error, ErrHolderNameRequired.Error())
		return models.Token{}, false, ErrHolderNameRequired
	}
	now := d.now()
	input.IssuedAt = now.UTC()
	input.DayStart = models.StartOfDay(now, d.location)

	token, created, err := d.store.IssueToken(ctx, input)
	if err != nil {
		logger := d.logger.With().Str("queue_id", input.QueueID).Logger()
		return models.Token{}, false, d.fail(span, logger, "issue token", err)
	}
	if created {
		d.refreshStats(ctx, token.QueueID)
		d.logger.Info().
			Str("queue_id", token.QueueID).
			Str("token_id", token.TokenID).
			Int("token_number", token.TokenNumber).
			Msg("token issued")
	}
	return token, created, nil
}

// SetQueueActive flips the queue's active flag without touching tokens.
func (d *Dispatcher) SetQueueActive(ctx context.Context, queueID string, active bool) (models.Queue, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.queue_active",
		trace.WithAttributes(attribute.String("queue.id", queueID), attribute.Bool("queue.active", active)))
	defer span.End()

	queue, err := d.store.SetQueueActive(ctx, queueID, active)
	if err != nil {
		logger := d.logger.With().Str("queue_id", queueID).Logger()
		return models.Queue{}, d.fail(span, logger, "set queue active", err)
	}
	d.logger.Info().Str("queue_id", queueID).Bool("is_active", active).Msg("queue status changed")
	return queue, nil
}

func (d *Dispatcher) refreshStats(ctx context.Context, queueID string) {
	if d.stats == nil {
		return
	}
	d.stats.Refresh(ctx, queueID)
}

func (d *Dispatcher) fail(span trace.Span, logger zerolog.Logger, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if isDomainError(err) {
		logger.Info().Err(err).Msg(op)
	} else {
		logger.Error().Err(err).Msg(op)
	}
	return err
}

func isDomainError(err error) bool {
	return errors.Is(err, store.ErrTokenNotFound) ||
		errors.Is(err, store.ErrQueueNotFound) ||
		errors.Is(err, store.ErrQueueInactive) ||
		errors.Is(err, store.ErrDailyCapReached) ||
		errors.Is(err, store.ErrStaleToken)
}

func (d *Dispatcher) announce(action store.Action, from models.Status, token models.Token) {
	var kind notify.Kind
	switch action {
	case store.ActionCall:
		kind = notify.KindCalled
		if from == models.StatusCalled {
			kind = notify.KindRecalled
		}
	case store.ActionRecall:
		kind = notify.KindRecalled
	case store.ActionComplete:
		kind = notify.KindServed
	case store.ActionSkip:
		kind = notify.KindSkipped
	case store.ActionCancel:
		kind = notify.KindCancelled
	default:
		return
	}
	d.notifier.Send(notify.NewAnnouncement(kind, token, d.now().UTC()))
}
