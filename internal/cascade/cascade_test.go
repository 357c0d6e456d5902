package cascade_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"jobline/internal/cascade"
	"jobline/internal/db"
	"jobline/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

// seedCampaign populates one campaign across every tier except stats, which
// only exists once the metrics pipeline has run.
func seedCampaign(t *testing.T, conn *sql.DB, id int64) {
	t.Helper()
	ctx := context.Background()
	stmts := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO campaigns(id,owner_ref,name,created_at) VALUES (?,?,?,?)`, []any{id, "user-1", "backend search", "2024-03-01T00:00:00Z"}},
		{`INSERT INTO raw_listings(id,campaign_id,source,payload_json,fetched_at) VALUES (?,?,?,?,?)`, []any{"raw-1", id, "boards", "{}", "2024-03-01T00:00:00Z"}},
		{`INSERT INTO raw_listings(id,campaign_id,source,payload_json,fetched_at) VALUES (?,?,?,?,?)`, []any{"raw-2", id, "boards", "{}", "2024-03-01T00:00:00Z"}},
		{`INSERT INTO staged_listings(id,campaign_id,raw_id,url,title,company,staged_at) VALUES (?,?,?,?,?,?,?)`, []any{"staged-1", id, "raw-1", "https://x/1", "Engineer", "Acme", "2024-03-01T00:00:00Z"}},
		{`INSERT INTO job_postings(id,campaign_id,url,title,company,status,score,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			[]any{"posting-1", id, "https://x/1", "Engineer", "Acme", "discovered", nil, "2024-03-01T00:00:00Z", "2024-03-01T00:00:00Z"}},
		{`INSERT INTO job_postings(id,campaign_id,url,title,company,status,score,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			[]any{"posting-2", id, "https://x/2", "SRE", "Acme", "discovered", nil, "2024-03-01T00:00:00Z", "2024-03-01T00:00:00Z"}},
		{`INSERT INTO posting_enrichments(id,posting_id,kind,payload_json,created_at) VALUES (?,?,?,?,?)`, []any{"enr-1", "posting-1", "summary", "{}", "2024-03-01T00:00:00Z"}},
		{`INSERT INTO posting_rankings(posting_id,campaign_id,rank,score,ranked_at) VALUES (?,?,?,?,?)`, []any{"posting-1", id, 1, 0.9, "2024-03-01T00:00:00Z"}},
		{`INSERT INTO posting_rankings(posting_id,campaign_id,rank,score,ranked_at) VALUES (?,?,?,?,?)`, []any{"posting-2", id, 2, 0.4, "2024-03-01T00:00:00Z"}},
		{`INSERT INTO status_history(entity_ref,owner_ref,campaign_id,old_status,new_status,actor,metadata_json,occurred_at) VALUES (?,?,?,?,?,?,?,?)`,
			[]any{"posting-1", "user-1", id, "", "discovered", "pipeline", "{}", "2024-03-01T00:00:00Z"}},
	}
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s.sql, s.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func materializeStats(t *testing.T, conn *sql.DB, id int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS campaign_stats (
  campaign_id INTEGER NOT NULL,
  metric TEXT NOT NULL,
  value REAL NOT NULL,
  computed_at TEXT NOT NULL,
  PRIMARY KEY (campaign_id, metric)
)`); err != nil {
		t.Fatalf("create stats: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO campaign_stats(campaign_id,metric,value,computed_at) VALUES (?,?,?,?)`,
		id, "postings_total", 2.0, "2024-03-01T00:00:00Z"); err != nil {
		t.Fatalf("seed stats: %v", err)
	}
}

func countRows(t *testing.T, conn *sql.DB, table string, campaignID int64) int64 {
	t.Helper()
	var n int64
	q := "SELECT COUNT(*) FROM " + table + " WHERE campaign_id=?"
	if table == "posting_enrichments" {
		q = `SELECT COUNT(*) FROM posting_enrichments e JOIN job_postings p ON p.id=e.posting_id WHERE p.campaign_id=?`
	}
	if table == "campaigns" {
		q = "SELECT COUNT(*) FROM campaigns WHERE id=?"
	}
	if err := conn.QueryRow(q, campaignID).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestDeleteRemovesEveryTier(t *testing.T) {
	conn := newTestDB(t)
	seedCampaign(t, conn, 7)
	materializeStats(t, conn, 7)

	coord := cascade.Coordinator{DB: conn}
	report, err := coord.DeleteCampaign(context.Background(), 7)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !report.Found {
		t.Fatal("expected Found=true")
	}
	// 1 stat + 2 rankings + 1 staged + 2 raw + 1 enrichment + 2 postings + the
	// campaign row itself.
	if report.TotalRemoved != 10 {
		t.Fatalf("expected 10 rows removed, got %d", report.TotalRemoved)
	}
	if report.DeletedAt == "" {
		t.Fatal("expected DeletedAt to be set")
	}
	byTier := map[string]int64{}
	for _, tr := range report.Tiers {
		if tr.Skipped {
			t.Fatalf("tier %s unexpectedly skipped", tr.Tier)
		}
		byTier[tr.Tier] = tr.RowsRemoved
	}
	want := map[string]int64{"stats": 1, "rankings": 2, "staged": 1, "raw": 2, "enrichments": 1, "postings": 2}
	for tier, n := range want {
		if byTier[tier] != n {
			t.Fatalf("tier %s: expected %d removed, got %d", tier, n, byTier[tier])
		}
	}
	for _, table := range []string{"campaign_stats", "posting_rankings", "staged_listings", "raw_listings", "posting_enrichments", "job_postings", "campaigns"} {
		if n := countRows(t, conn, table, 7); n != 0 {
			t.Fatalf("%s still holds %d rows", table, n)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	conn := newTestDB(t)
	seedCampaign(t, conn, 7)

	coord := cascade.Coordinator{DB: conn}
	ctx := context.Background()
	if _, err := coord.DeleteCampaign(ctx, 7); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	report, err := coord.DeleteCampaign(ctx, 7)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if report.Found {
		t.Fatal("second delete should not find the campaign")
	}
	if report.TotalRemoved != 0 || len(report.Tiers) != 0 {
		t.Fatalf("second delete should report nothing removed, got %+v", report)
	}
}

func TestDeleteUnknownCampaignSucceeds(t *testing.T) {
	conn := newTestDB(t)
	report, err := cascade.Coordinator{DB: conn}.DeleteCampaign(context.Background(), 999)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if report.Found || report.TotalRemoved != 0 {
		t.Fatalf("expected empty report for unknown id, got %+v", report)
	}
}

func TestMissingStatsTierIsSkipped(t *testing.T) {
	conn := newTestDB(t)
	seedCampaign(t, conn, 7)
	// campaign_stats never materialized: metrics pipeline has not run.

	report, err := cascade.Coordinator{DB: conn}.DeleteCampaign(context.Background(), 7)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	var skipped bool
	for _, tr := range report.Tiers {
		if tr.Tier == "stats" {
			skipped = tr.Skipped
		}
	}
	if !skipped {
		t.Fatal("expected stats tier to be reported as skipped")
	}
	if n := countRows(t, conn, "campaigns", 7); n != 0 {
		t.Fatal("campaign should still be removed when a tier is absent")
	}
}

func TestStepFailureRollsBackEverything(t *testing.T) {
	conn := newTestDB(t)
	seedCampaign(t, conn, 7)
	materializeStats(t, conn, 7)
	// Force the staged tier to fail mid-cascade, after stats and rankings
	// have already been cleared inside the transaction.
	if _, err := conn.Exec(`CREATE TRIGGER fail_staged_delete BEFORE DELETE ON staged_listings
BEGIN SELECT RAISE(ABORT, 'staged delete rejected'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err := cascade.Coordinator{DB: conn}.DeleteCampaign(context.Background(), 7)
	var step cascade.StepError
	if !errors.As(err, &step) {
		t.Fatalf("expected StepError, got %v", err)
	}
	if step.Tier != "staged" {
		t.Fatalf("expected failure pinned to staged tier, got %s", step.Tier)
	}
	// Nothing may have been removed, including tiers deleted before the
	// failing step.
	checks := map[string]int64{
		"campaign_stats":   1,
		"posting_rankings": 2,
		"staged_listings":  1,
		"raw_listings":     2,
		"job_postings":     2,
		"campaigns":        1,
	}
	for table, want := range checks {
		if n := countRows(t, conn, table, 7); n != want {
			t.Fatalf("%s: expected %d rows after rollback, got %d", table, want, n)
		}
	}
}

func TestHistoryRetainedByDefault(t *testing.T) {
	conn := newTestDB(t)
	seedCampaign(t, conn, 7)

	if _, err := (cascade.Coordinator{DB: conn}).DeleteCampaign(context.Background(), 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := countRows(t, conn, "status_history", 7); n != 1 {
		t.Fatalf("history should survive campaign deletion, got %d rows", n)
	}
}

func TestHistoryPrunedWhenConfigured(t *testing.T) {
	conn := newTestDB(t)
	seedCampaign(t, conn, 7)

	report, err := cascade.Coordinator{DB: conn, PruneHistory: true}.DeleteCampaign(context.Background(), 7)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := countRows(t, conn, "status_history", 7); n != 0 {
		t.Fatalf("history should be pruned, got %d rows", n)
	}
	var found bool
	for _, tr := range report.Tiers {
		if tr.Tier == "history" && tr.RowsRemoved == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected history tier in the report")
	}
}
