package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/migrate"
	"jobline/internal/repo"
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

func insertCampaign(t *testing.T, conn *sql.DB, id int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertCampaignTx(ctx, tx, domain.Campaign{ID: id, OwnerRef: "user-1", Name: "search", CreatedAt: "2024-03-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert campaign: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func insertPosting(t *testing.T, conn *sql.DB, id string, campaignID int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertPostingTx(ctx, tx, domain.JobPosting{
		ID: id, CampaignID: campaignID, URL: "https://x/" + id, Title: "Engineer",
		Status: "discovered", CreatedAt: "2024-03-01T00:00:00Z", UpdatedAt: "2024-03-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert posting: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// seedOrphanPosting writes a posting whose campaign does not exist by
// disabling constraint checks on a pinned connection, mimicking a partially
// replicated or legacy store.
func seedOrphanPosting(t *testing.T, conn *sql.DB, id string, campaignID int64) {
	t.Helper()
	ctx := context.Background()
	c, err := conn.Conn(ctx)
	if err != nil {
		t.Fatalf("pin conn: %v", err)
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, `PRAGMA foreign_keys=OFF`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := c.ExecContext(ctx, `INSERT INTO job_postings(id,campaign_id,url,title,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		id, campaignID, "https://x/"+id, "Orphan", "discovered", "2024-03-01T00:00:00Z", "2024-03-01T00:00:00Z"); err != nil {
		t.Fatalf("insert orphan: %v", err)
	}
	if _, err := c.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
}

func TestGetPostingHidesOrphans(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	insertCampaign(t, conn, 1)
	insertPosting(t, conn, "posting-1", 1)
	seedOrphanPosting(t, conn, "orphan-1", 999)

	if _, err := r.GetPosting(ctx, "posting-1"); err != nil {
		t.Fatalf("valid posting should be visible: %v", err)
	}
	if _, err := r.GetPosting(ctx, "orphan-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("orphan should be invisible, got %v", err)
	}
}

func TestListPostingsHidesOrphans(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	insertCampaign(t, conn, 1)
	insertPosting(t, conn, "posting-1", 1)
	seedOrphanPosting(t, conn, "orphan-1", 999)

	postings, err := r.ListPostings(ctx, 999)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(postings) != 0 {
		t.Fatalf("orphaned campaign id should list nothing, got %d", len(postings))
	}
}

func TestListRankingsHidesOrphans(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	insertCampaign(t, conn, 1)
	insertPosting(t, conn, "posting-1", 1)
	// Rankings carry no referential constraint, so an orphan row goes in
	// without any pragma games.
	if _, err := conn.ExecContext(ctx, `INSERT INTO posting_rankings(posting_id,campaign_id,rank,score,ranked_at) VALUES ('posting-x',999,1,0.5,'2024-03-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed orphan ranking: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO posting_rankings(posting_id,campaign_id,rank,score,ranked_at) VALUES ('posting-1',1,1,0.9,'2024-03-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed ranking: %v", err)
	}

	if got, err := r.ListRankings(ctx, 999); err != nil || len(got) != 0 {
		t.Fatalf("orphan ranking should be invisible, got %d entries err=%v", len(got), err)
	}
	if got, err := r.ListRankings(ctx, 1); err != nil || len(got) != 1 {
		t.Fatalf("valid ranking should be visible, got %d entries err=%v", len(got), err)
	}
}

func TestListStatsToleratesMissingTable(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	insertCampaign(t, conn, 1)

	stats, err := r.ListStats(context.Background(), 1)
	if err != nil {
		t.Fatalf("stats read should tolerate absent tier: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected no stats, got %d", len(stats))
	}
}

func TestListStatsHidesOrphans(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	insertCampaign(t, conn, 1)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.EnsureStatsTableTx(ctx, tx); err != nil {
		t.Fatalf("ensure stats: %v", err)
	}
	if err := r.UpsertStatTx(ctx, tx, domain.CampaignStat{CampaignID: 1, Metric: "postings_total", Value: 3, ComputedAt: "2024-03-01T00:00:00Z"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.UpsertStatTx(ctx, tx, domain.CampaignStat{CampaignID: 999, Metric: "postings_total", Value: 8, ComputedAt: "2024-03-01T00:00:00Z"}); err != nil {
		t.Fatalf("upsert orphan: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got, err := r.ListStats(ctx, 999); err != nil || len(got) != 0 {
		t.Fatalf("orphan stat should be invisible, got %d err=%v", len(got), err)
	}
	if got, err := r.ListStats(ctx, 1); err != nil || len(got) != 1 {
		t.Fatalf("valid stat should be visible, got %d err=%v", len(got), err)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	conn := newTestDB(t)
	if _, err := (repo.Repo{DB: conn}).GetCampaign(context.Background(), 404); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
