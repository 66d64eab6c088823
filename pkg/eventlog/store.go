// Package eventlog persists raw events: the append-mostly staging table every
// ingested observation lands in before the processing pipeline distills it.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/google/uuid"
)

const eventColumns = `id, source, event_type, external_id, payload, metadata,
	ingested_at, processed_at, processing_status, error_message`

// Store provides raw-event persistence over hand-written SQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an event-log store.
func NewStore(db *sql.DB) *Store {
	if db == nil {
		panic("eventlog: db is required")
	}
	return &Store{db: db}
}

// InsertInput is the normalized shape accepted for staging.
type InsertInput struct {
	Source     string
	EventType  string
	ExternalID string
	Payload    map[string]any
	Metadata   map[string]any
}

// Insert stages a new event in pending status. When the (source, external_id)
// pair already exists the existing row is returned together with a Duplicate
// error, so callers can treat re-delivery as success.
func (s *Store) Insert(ctx context.Context, in InsertInput) (*models.RawEvent, error) {
	if in.Source == "" {
		return nil, errs.Validationf("source is required")
	}
	if in.EventType == "" {
		return nil, errs.Validationf("event_type is required")
	}

	payload, err := marshalJSONB(in.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "payload is not serializable", err)
	}
	metadata, err := marshalJSONB(in.Metadata)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "metadata is not serializable", err)
	}

	event := &models.RawEvent{
		ID:               uuid.New().String(),
		Source:           in.Source,
		EventType:        in.EventType,
		ExternalID:       in.ExternalID,
		Payload:          in.Payload,
		Metadata:         in.Metadata,
		IngestedAt:       time.Now().UTC(),
		ProcessingStatus: models.StatusPending,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_events (id, source, event_type, external_id, payload, metadata, ingested_at, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source, external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		event.ID, event.Source, event.EventType, nullString(in.ExternalID),
		payload, metadata, event.IngestedAt, event.ProcessingStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		existing, err := s.GetByExternalID(ctx, in.Source, in.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch duplicate event: %w", err)
		}
		return existing, errs.Duplicatef("event %s/%s already ingested", in.Source, in.ExternalID)
	}
	return event, nil
}

// GetByID fetches one event.
func (s *Store) GetByID(ctx context.Context, id string) (*models.RawEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM raw_events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("event %s not found", id)
	}
	return event, err
}

// GetByExternalID fetches the event carrying an upstream identifier.
func (s *Store) GetByExternalID(ctx context.Context, source, externalID string) (*models.RawEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM raw_events WHERE source = $1 AND external_id = $2`,
		source, externalID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("event %s/%s not found", source, externalID)
	}
	return event, err
}

// MarkStatus transitions an event's processing status. Terminal states stamp
// processed_at; repeating a transition is a no-op, not an error.
func (s *Store) MarkStatus(ctx context.Context, id string, status models.ProcessingStatus) error {
	if !status.Valid() {
		return errs.Validationf("unknown processing status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE raw_events
		SET processing_status = $2,
		    processed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE processed_at END
		WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return errs.NotFoundf("event %s not found", id)
	}
	return nil
}

// MarkFailed records a terminal failure with its message.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE raw_events
		SET processing_status = 'failed', error_message = $2, processed_at = now()
		WHERE id = $1`,
		id, message)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return errs.NotFoundf("event %s not found", id)
	}
	return nil
}

// GetPending returns pending events oldest-first, for recovery re-drives.
func (s *Store) GetPending(ctx context.Context, limit int) ([]*models.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM raw_events
		 WHERE processing_status = 'pending'
		 ORDER BY ingested_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RequeueStuck flips events stuck in processing back to pending so the
// recovery scan re-drives them. Staleness is anchored on ingested_at: any
// event still processing that long after ingestion has lost its worker.
// Returns the number of events requeued.
func (s *Store) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE raw_events
		SET processing_status = 'pending', error_message = NULL
		WHERE processing_status = 'processing'
		  AND ingested_at < now() - $1::interval`,
		durationInterval(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck events: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus reports how many events sit in each processing status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.ProcessingStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT processing_status, count(*) FROM raw_events GROUP BY processing_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ProcessingStatus]int64)
	for rows.Next() {
		var status models.ProcessingStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.RawEvent, error) {
	var (
		event        models.RawEvent
		externalID   sql.NullString
		payload      []byte
		metadata     []byte
		processedAt  sql.NullTime
		errorMessage sql.NullString
	)
	err := row.Scan(&event.ID, &event.Source, &event.EventType, &externalID,
		&payload, &metadata, &event.IngestedAt, &processedAt,
		&event.ProcessingStatus, &errorMessage)
	if err != nil {
		return nil, err
	}
	event.ExternalID = externalID.String
	event.ErrorMessage = errorMessage.String
	if processedAt.Valid {
		t := processedAt.Time
		event.ProcessedAt = &t
	}
	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode event metadata: %w", err)
	}
	return &event, nil
}

func scanEvents(rows *sql.Rows) ([]*models.RawEvent, error) {
	var events []*models.RawEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func durationInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
