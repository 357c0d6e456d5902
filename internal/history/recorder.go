package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"jobline/internal/domain"
)

// Fixed status vocabulary. note_changed is collected but has no consumer
// yet; it stays defined pending a product decision.
const (
	StatusDiscovered      = "discovered"
	StatusEnriched        = "enriched"
	StatusDocumentUpdated = "document_updated"
	StatusUserChanged     = "user_status_changed"
	StatusNoteChanged     = "note_changed"
)

// MaxLimit bounds page sizes for history reads.
const MaxLimit = 10000

// ErrInvalidArgument marks a request rejected before any store interaction.
var ErrInvalidArgument = errors.New("invalid argument")

var validStatuses = map[string]struct{}{
	StatusDiscovered:      {},
	StatusEnriched:        {},
	StatusDocumentUpdated: {},
	StatusUserChanged:     {},
	StatusNoteChanged:     {},
}

// ValidStatus reports whether s belongs to the closed vocabulary.
func ValidStatus(s string) bool {
	_, ok := validStatuses[s]
	return ok
}

// Transition is one observed state change to append.
type Transition struct {
	EntityRef  string
	OwnerRef   string
	CampaignID *int64
	OldStatus  string
	NewStatus  string
	Actor      string
	Metadata   map[string]any
}

// Validate rejects malformed transitions before the store is touched.
func (t Transition) Validate() error {
	if t.EntityRef == "" {
		return fmt.Errorf("%w: entity_ref required", ErrInvalidArgument)
	}
	if t.OwnerRef == "" {
		return fmt.Errorf("%w: owner_ref required", ErrInvalidArgument)
	}
	if !ValidStatus(t.NewStatus) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, t.NewStatus)
	}
	if t.OldStatus != "" && !ValidStatus(t.OldStatus) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, t.OldStatus)
	}
	return nil
}

// Recorder appends entity state transitions to the status_history log.
// It never updates or deletes rows. Multiple uncoordinated producers call
// it concurrently; the store's append safety is the only coordination.
type Recorder struct {
	DB     *sql.DB
	Logger *log.Logger
	Now    func() time.Time
}

func (r Recorder) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Record appends a transition and returns the new entry id. A write failure
// is logged and reported as 0; it must never abort the producer's primary
// operation, so no error escapes.
func (r Recorder) Record(ctx context.Context, t Transition) int64 {
	id, err := r.append(ctx, t)
	if err != nil {
		r.logger().Printf("history: record %s -> %s for %s failed: %v", t.OldStatus, t.NewStatus, t.EntityRef, err)
		return 0
	}
	return id
}

func (r Recorder) append(ctx context.Context, t Transition) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	actor := t.Actor
	if actor == "" {
		actor = "system"
	}
	var metadata any
	if len(t.Metadata) > 0 {
		data, err := json.Marshal(t.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(data)
	}
	// RFC3339Nano keeps per-entity ordering unambiguous even for
	// back-to-back writes; the row id breaks exact ties.
	ts := r.now().UTC().Format(time.RFC3339Nano)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO status_history(entity_ref,owner_ref,campaign_id,old_status,new_status,actor,occurred_at,metadata_json) VALUES (?,?,?,?,?,?,?,?)`,
		t.EntityRef, t.OwnerRef, nullableInt64Ptr(t.CampaignID), nullable(t.OldStatus), t.NewStatus, actor, ts, metadata)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func validateRange(limit, offset int) error {
	if limit < 1 || limit > MaxLimit {
		return fmt.Errorf("%w: limit must be in [1,%d], got %d", ErrInvalidArgument, MaxLimit, limit)
	}
	if offset < 0 {
		return fmt.Errorf("%w: offset must be non-negative, got %d", ErrInvalidArgument, offset)
	}
	return nil
}

// History returns entries for an entity, oldest first. limit and offset are
// validated before the store is touched and always passed as bound
// parameters.
func (r Recorder) History(ctx context.Context, entityRef string, limit, offset int) ([]domain.StatusEntry, error) {
	if err := validateRange(limit, offset); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_ref,owner_ref,campaign_id,old_status,new_status,actor,occurred_at,metadata_json FROM status_history WHERE entity_ref=? ORDER BY occurred_at ASC, id ASC LIMIT ? OFFSET ?`,
		entityRef, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// HistoryForOwner returns entries across all of an owner's entities, oldest
// first.
func (r Recorder) HistoryForOwner(ctx context.Context, ownerRef string, limit, offset int) ([]domain.StatusEntry, error) {
	if err := validateRange(limit, offset); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_ref,owner_ref,campaign_id,old_status,new_status,actor,occurred_at,metadata_json FROM status_history WHERE owner_ref=? ORDER BY occurred_at ASC, id ASC LIMIT ? OFFSET ?`,
		ownerRef, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// EntriesAfter returns entries with ids greater than the cursor in ascending
// id order. The webhook dispatcher tails the log through this.
func (r Recorder) EntriesAfter(ctx context.Context, limit int, cursor int64) ([]domain.StatusEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_ref,owner_ref,campaign_id,old_status,new_status,actor,occurred_at,metadata_json FROM status_history WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// LatestEntryID returns the most recent entry id, 0 for an empty log.
func (r Recorder) LatestEntryID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM status_history`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectEntries(rows *sql.Rows) ([]domain.StatusEntry, error) {
	defer rows.Close()
	var res []domain.StatusEntry
	for rows.Next() {
		var e domain.StatusEntry
		var campaignID sql.NullInt64
		var oldStatus, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityRef, &e.OwnerRef, &campaignID, &oldStatus, &e.NewStatus, &e.Actor, &e.OccurredAt, &metadata); err != nil {
			return nil, err
		}
		if campaignID.Valid {
			v := campaignID.Int64
			e.CampaignID = &v
		}
		if oldStatus.Valid {
			e.OldStatus = oldStatus.String
		}
		if metadata.Valid {
			e.MetadataJSON = metadata.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
