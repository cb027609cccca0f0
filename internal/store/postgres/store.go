package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenColumns = `id, queue_id, business_id, token_number, holder_name, holder_phone, holder_age, purpose,
	priority, status, cancel_reason, request_id, created_at, called_at, serving_started_at, completed_at`

const dayFormat = "2006-01-02"

type Store struct {
	pool     *pgxpool.Pool
	location *time.Location
	now      func() time.Time
}

type Options struct {
	// Location decides where the daily token counter rolls over.
	Location *time.Location
	Now      func() time.Time
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{pool: pool, location: location, now: now}
}

func (s *Store) today() string {
	return s.now().In(s.location).Format(dayFormat)
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, business_id, department_id, name, is_active, is_public, estimated_wait_time, max_tokens_per_day,
			CASE WHEN token_date = $2::date THEN current_token_number ELSE 0 END,
			operating_hours, created_at
		FROM queues
		WHERE id = $1
	`, queueID, s.today())
	return scanQueue(row)
}

func (s *Store) SetQueueActive(ctx context.Context, queueID string, active bool) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queues
		SET is_active = $2
		WHERE id = $1
		RETURNING id, business_id, department_id, name, is_active, is_public, estimated_wait_time, max_tokens_per_day,
			CASE WHEN token_date = $3::date THEN current_token_number ELSE 0 END,
			operating_hours, created_at
	`, queueID, active, s.today())
	return scanQueue(row)
}

func (s *Store) ListTokens(ctx context.Context, queueID string, since time.Time) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM queue_tokens
		WHERE queue_id = $1 AND created_at >= $2
		ORDER BY priority DESC, token_number ASC
	`, queueID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM queue_tokens WHERE id = $1`, tokenID)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, err
}

// IssueToken returns the stored token and false when the request id was
// already used.
func (s *Store) IssueToken(ctx context.Context, input store.IssueTokenInput) (models.Token, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if input.RequestID != "" {
		existing, found, err := findTokenByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return models.Token{}, false, err
		}
		if found {
			return existing, false, tx.Commit(ctx)
		}
	}

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	day := issuedAt.In(s.location).Format(dayFormat)

	var number int
	var businessID string
	err = tx.QueryRow(ctx, `
		UPDATE queues
		SET current_token_number = CASE WHEN token_date = $2::date THEN current_token_number + 1 ELSE 1 END,
			token_date = $2::date
		WHERE id = $1
			AND is_active
			AND (max_tokens_per_day <= 0
				OR (CASE WHEN token_date = $2::date THEN current_token_number ELSE 0 END) < max_tokens_per_day)
		RETURNING current_token_number, business_id
	`, input.QueueID, day).Scan(&number, &businessID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, false, explainRejectedIssue(ctx, tx, input.QueueID)
	}
	if err != nil {
		return models.Token{}, false, err
	}

	// A concurrent retry with the same request id inserts nothing here. The
	// rollback then returns the counter increment and the winner is read back.
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_tokens (id, queue_id, business_id, token_number, token_date, holder_name, holder_phone,
			holder_age, purpose, priority, status, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+tokenColumns,
		uuid.NewString(), input.QueueID, businessID, number, day, strings.TrimSpace(input.HolderName),
		nullIfEmpty(input.HolderPhone), input.HolderAge, nullIfEmpty(input.Purpose), input.Priority,
		string(models.StatusWaiting), nullIfEmpty(input.RequestID), issuedAt.UTC())
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) && input.RequestID != "" {
		_ = tx.Rollback(ctx)
		existing, found, err := findTokenByRequestID(ctx, s.pool, input.RequestID)
		if err != nil {
			return models.Token{}, false, err
		}
		if !found {
			return models.Token{}, false, fmt.Errorf("request id %s conflicted without a stored token", input.RequestID)
		}
		return existing, false, nil
	}
	if err != nil {
		return models.Token{}, false, err
	}

	if err := insertTokenEvent(ctx, tx, token, "token.issued"); err != nil {
		return models.Token{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

// TransitionToken persists a token advanced by store.Apply. It returns
// store.ErrStaleToken when another writer moved the token away from From.
func (s *Store) TransitionToken(ctx context.Context, input store.TransitionInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	next := input.Token
	row := tx.QueryRow(ctx, `
		UPDATE queue_tokens
		SET status = $2, called_at = $3, serving_started_at = $4, completed_at = $5, cancel_reason = $6
		WHERE id = $1 AND status = $7
		RETURNING `+tokenColumns,
		next.TokenID, string(next.Status), next.CalledAt, next.ServingStartedAt, next.CompletedAt,
		nullIfEmpty(next.CancelReason), string(input.From))
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_tokens WHERE id = $1)`, next.TokenID).Scan(&exists); err != nil {
			return models.Token{}, err
		}
		if !exists {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, store.ErrStaleToken
	}
	if err != nil {
		return models.Token{}, err
	}

	if err := insertTokenEvent(ctx, tx, token, store.EventType(input.Action)); err != nil {
		return models.Token{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_seq, type, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq ASC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_tokens WHERE id = $1)`, tokenID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrTokenNotFound
		}
	}
	return events, nil
}

func explainRejectedIssue(ctx context.Context, tx pgx.Tx, queueID string) error {
	var active bool
	err := tx.QueryRow(ctx, `SELECT is_active FROM queues WHERE id = $1`, queueID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrQueueNotFound
	}
	if err != nil {
		return err
	}
	if !active {
		return store.ErrQueueInactive
	}
	return store.ErrDailyCapReached
}

func insertTokenEvent(ctx context.Context, tx pgx.Tx, token models.Token, eventType string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, token.TokenID); err != nil {
		return err
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
	`, token.TokenID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeTokenEventHash(prev, token.TokenID, eventType, payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.TokenID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findTokenByRequestID(ctx context.Context, q rowQuerier, requestID string) (models.Token, bool, error) {
	row := q.QueryRow(ctx, `SELECT `+tokenColumns+` FROM queue_tokens WHERE request_id = $1`, requestID)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, false, nil
	}
	if err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (models.Token, error) {
	var token models.Token
	var status string
	var phone, purpose, cancelReason, requestID sql.NullString
	var calledAt, servingStartedAt, completedAt sql.NullTime
	if err := row.Scan(&token.TokenID, &token.QueueID, &token.BusinessID, &token.TokenNumber, &token.HolderName,
		&phone, &token.HolderAge, &purpose, &token.Priority, &status, &cancelReason, &requestID,
		&token.CreatedAt, &calledAt, &servingStartedAt, &completedAt); err != nil {
		return models.Token{}, err
	}
	token.Status = models.Status(status)
	token.HolderPhone = phone.String
	token.Purpose = purpose.String
	token.CancelReason = cancelReason.String
	token.RequestID = requestID.String
	token.CalledAt = nullTimePtr(calledAt)
	token.ServingStartedAt = nullTimePtr(servingStartedAt)
	token.CompletedAt = nullTimePtr(completedAt)
	return token, nil
}

func scanQueue(row rowScanner) (models.Queue, error) {
	var queue models.Queue
	var departmentID sql.NullString
	var hours []byte
	if err := row.Scan(&queue.QueueID, &queue.BusinessID, &departmentID, &queue.Name, &queue.IsActive, &queue.IsPublic,
		&queue.EstimatedWaitTime, &queue.MaxTokensPerDay, &queue.CurrentTokenNumber, &hours, &queue.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	queue.DepartmentID = nullStringPtr(departmentID)
	if len(hours) > 0 {
		queue.OperatingHours = json.RawMessage(hours)
	}
	return queue, nil
}

func nullIfEmpty(value string) interface{} {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
