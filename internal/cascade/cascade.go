package cascade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"jobline/internal/domain"
)

// ErrDeletionInProgress surfaces when another caller holds the write lock
// past the busy timeout. The delete is idempotent, so retrying is safe.
var ErrDeletionInProgress = errors.New("campaign deletion already in progress")

// StepError marks a per-tier failure that aborted the whole cascade. The
// outer transaction is rolled back, so no partial removal is ever visible.
type StepError struct {
	Tier string
	Err  error
}

func (e StepError) Error() string {
	return fmt.Sprintf("cascade step %s failed: %v", e.Tier, e.Err)
}

func (e StepError) Unwrap() error { return e.Err }

// Tier describes one layer of dependent records. Unmanaged tiers carry no
// referential constraint and must be cleared explicitly before the campaign
// row disappears; managed tiers are cascaded by the store when it does.
type Tier struct {
	Name    string
	Table   string
	Managed bool
	// deleteSQL takes the campaign id as its only bound parameter.
	deleteSQL string
	// countSQL reports rows the store cascade will remove for managed tiers.
	countSQL string
}

// unmanagedTiers is ordered deepest first: aggregates, then derived, then
// staged, then raw. Adding a tier means adding a descriptor here, not new
// control flow.
func unmanagedTiers(pruneHistory bool) []Tier {
	tiers := []Tier{
		{Name: "stats", Table: "campaign_stats", deleteSQL: `DELETE FROM campaign_stats WHERE campaign_id=?`},
		{Name: "rankings", Table: "posting_rankings", deleteSQL: `DELETE FROM posting_rankings WHERE campaign_id=?`},
		{Name: "staged", Table: "staged_listings", deleteSQL: `DELETE FROM staged_listings WHERE campaign_id=?`},
		{Name: "raw", Table: "raw_listings", deleteSQL: `DELETE FROM raw_listings WHERE campaign_id=?`},
	}
	if pruneHistory {
		tiers = append(tiers, Tier{Name: "history", Table: "status_history", deleteSQL: `DELETE FROM status_history WHERE campaign_id=?`})
	}
	return tiers
}

var managedTiers = []Tier{
	{Name: "enrichments", Table: "posting_enrichments", Managed: true,
		countSQL: `SELECT COUNT(*) FROM posting_enrichments e JOIN job_postings p ON p.id=e.posting_id WHERE p.campaign_id=?`},
	{Name: "postings", Table: "job_postings", Managed: true,
		countSQL: `SELECT COUNT(*) FROM job_postings WHERE campaign_id=?`},
}

// Coordinator removes a campaign and every dependent record across all
// tiers inside one transaction. Each tier runs under its own savepoint so a
// failing step can be pinned to a tier in the report while the outer
// transaction still rolls back whole.
type Coordinator struct {
	DB           *sql.DB
	Logger       *log.Logger
	PruneHistory bool
	Now          func() time.Time
}

func (c Coordinator) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// DeleteCampaign is idempotent: deleting an absent or already-deleted id
// succeeds with a zero report.
func (c Coordinator) DeleteCampaign(ctx context.Context, id int64) (domain.DeletionReport, error) {
	report := domain.DeletionReport{CampaignID: id}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	// Touch the campaign row first. SQLite serializes writers at the
	// database level, so this is the point where concurrent deleters of the
	// same id queue up instead of racing.
	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET id=id WHERE id=?`, id); err != nil {
		if isBusy(err) {
			return report, ErrDeletionInProgress
		}
		return report, err
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM campaigns WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return report, nil
	}
	if err != nil {
		return report, err
	}
	report.Found = true

	for i, tier := range unmanagedTiers(c.PruneHistory) {
		removed, err := c.deleteTier(ctx, tx, i, tier, id)
		if err != nil {
			if isMissingTable(err) {
				// Tier not materialized yet (e.g. metrics pipeline has not
				// run). Skipped, not fatal.
				c.logger().Printf("cascade: tier %s (%s) absent, skipping", tier.Name, tier.Table)
				report.Tiers = append(report.Tiers, domain.TierResult{Tier: tier.Name, Table: tier.Table, Skipped: true})
				continue
			}
			return report, StepError{Tier: tier.Name, Err: err}
		}
		report.Tiers = append(report.Tiers, domain.TierResult{Tier: tier.Name, Table: tier.Table, RowsRemoved: removed})
		report.TotalRemoved += removed
	}

	// Count managed tiers before the campaign row goes; the store cascade
	// removes them silently and the report still has to enumerate them.
	for _, tier := range managedTiers {
		var n int64
		if err := tx.QueryRowContext(ctx, tier.countSQL, id).Scan(&n); err != nil {
			return report, StepError{Tier: tier.Name, Err: err}
		}
		report.Tiers = append(report.Tiers, domain.TierResult{Tier: tier.Name, Table: tier.Table, Managed: true, RowsRemoved: n})
		report.TotalRemoved += n
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id=?`, id); err != nil {
		return report, StepError{Tier: "campaign", Err: err}
	}
	report.TotalRemoved++

	if err := tx.Commit(); err != nil {
		return report, err
	}
	report.DeletedAt = c.now().UTC().Format(time.RFC3339)
	return report, nil
}

// deleteTier runs one tier's delete under a savepoint so a failure rolls
// back to a clean point before the coordinator decides whether to skip or
// abort.
func (c Coordinator) deleteTier(ctx context.Context, tx *sql.Tx, i int, tier Tier, id int64) (int64, error) {
	sp := fmt.Sprintf("tier_%d", i)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tier.deleteSQL, id)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+sp); rbErr != nil {
			return 0, errors.Join(err, rbErr)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE "+sp)
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
