package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// StoreOption is a function that configures a Store instance.
type StoreOption func(*Store)

// WithClock replaces the time source of the store. Mostly useful in tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWorkerID sets the identity written into the lease of claimed messages.
// Default is "<hostname>-<random>".
func WithWorkerID(workerID string) StoreOption {
	return func(s *Store) {
		if workerID != "" {
			s.workerID = workerID
		}
	}
}

// Store persists outbox messages and arbitrates which worker owns a pending message.
type Store struct {
	dbCtx    *DBContext
	now      func() time.Time
	workerID string
}

// NewStore creates a new outbox Store.
func NewStore(dbCtx *DBContext, opts ...StoreOption) *Store {
	s := &Store{
		dbCtx:    dbCtx,
		now:      func() time.Time { return time.Now().UTC() },
		workerID: defaultWorkerID(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// WorkerID returns the lease owner identity of this store.
func (s *Store) WorkerID() string {
	return s.workerID
}

// Enqueue stores msg as pending inside tx. The message only becomes visible to the
// dispatcher if tx commits.
func (s *Store) Enqueue(ctx context.Context, tx *Tx, msg *Message) error {
	if !tx.Active() {
		return ErrInvalidTransactionState
	}
	if msg == nil {
		return ErrMessageRequired
	}
	if msg.Destination == "" {
		return ErrDestinationRequired
	}

	now := s.now()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.Must(uuid.NewV7())
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.ScheduledAt.IsZero() {
		msg.ScheduledAt = msg.CreatedAt
	}
	if msg.ContentType == "" {
		msg.ContentType = ContentTypeJSON
	}

	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.dbCtx.buildInsertMessageQuery(),
		s.dbCtx.formatIDForDB(msg.ID), msg.Destination, msg.Type, msg.ContentType, msg.Payload, metadata,
		string(StatePending), msg.CreatedAt.UTC(), msg.ScheduledAt.UTC(), nil, 0, "")
	if err != nil {
		return fmt.Errorf("storing message in outbox: %w", err)
	}

	msg.State = StatePending
	msg.TimesAttempted = 0
	tx.markStored()

	return nil
}

// FetchBatch claims up to limit pending messages that are due and still have attempts
// left, oldest first. A claimed message is leased to this store's worker until
// now+lease; concurrent callers never receive the same message while the lease holds.
func (s *Store) FetchBatch(ctx context.Context, limit int, maxAttempts int32, lease time.Duration) ([]*Message, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	now := s.now()
	candidates, err := s.query(ctx, s.dbCtx.buildSelectCandidatesQuery(),
		string(StatePending), now, maxAttempts, now, limit)
	if err != nil {
		return nil, err
	}

	claimedUntil := now.Add(lease)
	claimed := make([]*Message, 0, len(candidates))
	for _, msg := range candidates {
		res, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildClaimQuery(),
			s.workerID, claimedUntil, s.dbCtx.formatIDForDB(msg.ID), string(StatePending), now, now, msg.TimesAttempted)
		if err != nil {
			// keep what was already claimed, leases expire for the rest
			if len(claimed) > 0 {
				return claimed, nil
			}
			return nil, fmt.Errorf("claiming message %s: %w", msg.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claiming message %s: %w", msg.ID, err)
		}
		if n == 1 {
			claimed = append(claimed, msg)
		}
	}

	return claimed, nil
}

// MarkDispatched records the broker acknowledgment of a message.
// Marking an already dispatched message is a no-op.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	dispatchedAt := s.now()
	return s.transition(ctx, id, StatePending, StateDispatched, dispatchedAt, "", 0)
}

// MarkFailed moves a pending message to failed, e.g. when an operator gives up on it.
// Marking an already failed message is a no-op.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(ctx, id, StatePending, StateFailed, nil, reason, 0)
}

// FailAttempt counts a final failed publish attempt and moves the message to failed
// in a single statement.
func (s *Store) FailAttempt(ctx context.Context, id uuid.UUID, cause string) error {
	return s.transition(ctx, id, StatePending, StateFailed, nil, cause, 1)
}

func (s *Store) transition(ctx context.Context, id uuid.UUID, from, to State, dispatchedAt any, lastError string, attempts int) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	res, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildTransitionQuery(),
		string(to), dispatchedAt, lastError, attempts, s.dbCtx.formatIDForDB(id), string(from))
	if err != nil {
		return fmt.Errorf("marking message %s %s: %w", id, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking message %s %s: %w", id, to, err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.State == to {
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, to)
}

// RecordAttempt counts a failed publish attempt, stores its cause and makes the
// message eligible again at nextAt. The lease is released.
func (s *Store) RecordAttempt(ctx context.Context, id uuid.UUID, nextAt time.Time, cause string) error {
	_, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildRecordAttemptQuery(),
		nextAt.UTC(), cause, s.dbCtx.formatIDForDB(id), string(StatePending))
	if err != nil {
		return fmt.Errorf("scheduling next attempt for message %s: %w", id, err)
	}
	return nil
}

// FailExhausted moves to failed every pending message whose attempts already reached
// maxAttempts, e.g. after the budget was lowered, and returns the messages it failed.
// A message failed concurrently by another worker is not returned.
func (s *Store) FailExhausted(ctx context.Context, maxAttempts int32) ([]*Message, error) {
	candidates, err := s.query(ctx, s.dbCtx.buildSelectExhaustedQuery(), string(StatePending), maxAttempts)
	if err != nil {
		return nil, err
	}

	var failed []*Message
	for _, msg := range candidates {
		res, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildFailExhaustedQuery(),
			string(StateFailed), s.dbCtx.formatIDForDB(msg.ID), string(StatePending), maxAttempts)
		if err != nil {
			return failed, fmt.Errorf("failing exhausted message %s: %w", msg.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return failed, fmt.Errorf("failing exhausted message %s: %w", msg.ID, err)
		}
		if n == 1 {
			msg.State = StateFailed
			failed = append(failed, msg)
		}
	}

	return failed, nil
}

// Release drops this worker's leases on the given pending messages so other
// workers can claim them without waiting for the lease to expire.
func (s *Store) Release(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	args := append([]any{s.workerID, string(StatePending)}, s.dbCtx.formatIDsForDB(ids)...)
	_, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildReleaseQuery(len(ids)), args...)
	if err != nil {
		return fmt.Errorf("releasing %d messages: %w", len(ids), err)
	}
	return nil
}

// Get returns a single message by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	msgs, err := s.query(ctx, s.dbCtx.buildGetMessageQuery(), s.dbCtx.formatIDForDB(id))
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return msgs[0], nil
}

// ListFailed returns up to limit dead-lettered messages, oldest first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}
	return s.query(ctx, s.dbCtx.buildListByStateQuery(), string(StateFailed), limit)
}

// Requeue gives a failed message a fresh retry budget and makes it eligible immediately.
// Requeueing a pending message is a no-op.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	res, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildRequeueQuery(),
		string(StatePending), s.now(), s.dbCtx.formatIDForDB(id), string(StateFailed))
	if err != nil {
		return fmt.Errorf("requeueing message %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeueing message %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.State == StatePending {
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, StatePending)
}

// PurgeDispatched deletes messages dispatched before the given time and returns how many were removed.
func (s *Store) PurgeDispatched(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildPurgeQuery(), string(StateDispatched), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging dispatched messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.dbCtx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox messages: %w", err)
	}
	return messages, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var (
		msg          Message
		msgType      sql.NullString
		contentType  sql.NullString
		metadata     []byte
		state        string
		dispatchedAt sql.NullTime
		lastError    sql.NullString
	)

	err := rows.Scan(&msg.ID, &msg.Destination, &msgType, &contentType, &msg.Payload, &metadata, &state,
		&msg.CreatedAt, &msg.ScheduledAt, &dispatchedAt, &msg.TimesAttempted, &lastError)
	if err != nil {
		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	msg.State, err = ParseState(state)
	if err != nil {
		return nil, err
	}
	msg.Metadata, err = decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	msg.Type = msgType.String
	msg.ContentType = contentType.String
	msg.LastError = lastError.String
	if dispatchedAt.Valid {
		t := dispatchedAt.Time
		msg.DispatchedAt = &t
	}

	return &msg, nil
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding message metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(b, &metadata); err != nil {
		return nil, fmt.Errorf("decoding message metadata: %w", err)
	}
	return metadata, nil
}
