package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/engine"
	"jobline/internal/history"
	"jobline/internal/migrate"
	"jobline/internal/repo"
)

func newTestEnv(t *testing.T) (engine.Engine, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default()), conn
}

func TestCreateCampaignAssignsIncreasingIDs(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		c, err := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search", OwnerRef: "user-1"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if c.ID <= last {
			t.Fatalf("id %d not greater than previous %d", c.ID, last)
		}
		last = c.ID
	}
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()

	const n = 20
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search"})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- c.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate campaign id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(seen))
	}
}

func TestIDsNotReusedAfterDeletion(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()

	first, err := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.DeleteCampaign(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, err := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("id %d reused or regressed after deleting %d", second.ID, first.ID)
	}
}

func TestIngestRecordsDiscoveredTransition(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()

	c, err := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search", OwnerRef: "user-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	posting, err := e.IngestPosting(ctx, engine.IngestOptions{
		CampaignID: c.ID, Source: "boards", URL: "https://x/1", Title: "Engineer", ActorID: "pipeline",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if posting.Status != history.StatusDiscovered {
		t.Fatalf("expected status discovered, got %s", posting.Status)
	}
	entries, err := e.GetHistory(ctx, posting.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].NewStatus != history.StatusDiscovered {
		t.Fatalf("expected one discovered entry, got %+v", entries)
	}
	if entries[0].OwnerRef != "user-1" {
		t.Fatalf("expected owner user-1, got %s", entries[0].OwnerRef)
	}
}

func TestIngestSurvivesUnreachableHistoryStore(t *testing.T) {
	e, conn := newTestEnv(t)
	ctx := context.Background()

	c, err := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Point the recorder at a dead store. The primary write path must not
	// notice.
	dead, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open dead db: %v", err)
	}
	dead.Close()
	e.History = history.Recorder{DB: dead}

	posting, err := e.IngestPosting(ctx, engine.IngestOptions{
		CampaignID: c.ID, Source: "boards", URL: "https://x/1", Title: "Engineer",
	})
	if err != nil {
		t.Fatalf("ingest should succeed despite recorder failure: %v", err)
	}
	r := repo.Repo{DB: conn}
	if _, err := r.GetPosting(ctx, posting.ID); err != nil {
		t.Fatalf("posting should be committed: %v", err)
	}
}

func TestEnrichmentTransitionsPosting(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()

	c, _ := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search", OwnerRef: "user-1"})
	posting, err := e.IngestPosting(ctx, engine.IngestOptions{CampaignID: c.ID, URL: "https://x/1", Title: "Engineer"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := e.ApplyEnrichment(ctx, engine.EnrichOptions{
		PostingID: posting.ID, Kind: "summary", Payload: map[string]any{"text": "good fit"},
	}); err != nil {
		t.Fatalf("enrich: %v", err)
	}
	got, err := e.Repo.GetPosting(ctx, posting.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != history.StatusEnriched {
		t.Fatalf("expected enriched, got %s", got.Status)
	}
	entries, err := e.GetHistory(ctx, posting.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	last := entries[len(entries)-1]
	if last.OldStatus != history.StatusDiscovered || last.NewStatus != history.StatusEnriched {
		t.Fatalf("unexpected transition %s -> %s", last.OldStatus, last.NewStatus)
	}
}

func TestDocumentAndUserStatusTransitions(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()

	c, _ := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search"})
	posting, err := e.IngestPosting(ctx, engine.IngestOptions{CampaignID: c.ID, URL: "https://x/1", Title: "Engineer"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := e.AttachDocument(ctx, engine.DocumentOptions{PostingID: posting.ID, Document: "cv-v2.pdf"}); err != nil {
		t.Fatalf("document: %v", err)
	}
	if _, err := e.SetUserStatus(ctx, engine.UserStatusOptions{PostingID: posting.ID, Label: "applied", ActorID: "user-1"}); err != nil {
		t.Fatalf("user status: %v", err)
	}
	entries, err := e.GetHistory(ctx, posting.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[1].NewStatus != history.StatusDocumentUpdated || entries[2].NewStatus != history.StatusUserChanged {
		t.Fatalf("unexpected sequence: %s, %s", entries[1].NewStatus, entries[2].NewStatus)
	}
}

func TestAddNoteRecordsDormantStatus(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()

	c, _ := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search"})
	posting, err := e.IngestPosting(ctx, engine.IngestOptions{CampaignID: c.ID, URL: "https://x/1", Title: "Engineer"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := e.AddNote(ctx, engine.NoteOptions{PostingID: posting.ID, Note: "ping recruiter"}); err != nil {
		t.Fatalf("note: %v", err)
	}
	entries, err := e.GetHistory(ctx, posting.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := entries[len(entries)-1]
	if last.NewStatus != history.StatusNoteChanged {
		t.Fatalf("expected note_changed, got %s", last.NewStatus)
	}
	// Notes do not touch the posting's own status.
	got, _ := e.Repo.GetPosting(ctx, posting.ID)
	if got.Status != history.StatusDiscovered {
		t.Fatalf("posting status should be untouched, got %s", got.Status)
	}
}

func TestRecordTransitionRejectsBadInput(t *testing.T) {
	e, _ := newTestEnv(t)
	if _, err := e.RecordTransition(context.Background(), history.Transition{
		EntityRef: "posting-1", OwnerRef: "user-1", NewStatus: "archived",
	}); !errors.Is(err, history.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRankAndStats(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()

	c, _ := e.CreateCampaign(ctx, engine.CampaignCreateOptions{Name: "search"})
	p1, _ := e.IngestPosting(ctx, engine.IngestOptions{CampaignID: c.ID, URL: "https://x/1", Title: "A"})
	p2, _ := e.IngestPosting(ctx, engine.IngestOptions{CampaignID: c.ID, URL: "https://x/2", Title: "B"})

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.Repo.UpdatePostingScoreTx(ctx, tx, p1.ID, 0.3, p1.UpdatedAt); err != nil {
		t.Fatalf("score: %v", err)
	}
	if err := e.Repo.UpdatePostingScoreTx(ctx, tx, p2.ID, 0.8, p2.UpdatedAt); err != nil {
		t.Fatalf("score: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rankings, err := e.RankPostings(ctx, c.ID)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(rankings) != 2 || rankings[0].PostingID != p2.ID || rankings[0].Rank != 1 {
		t.Fatalf("unexpected rankings %+v", rankings)
	}

	stats, err := e.RefreshStats(ctx, c.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	byMetric := map[string]float64{}
	for _, s := range stats {
		byMetric[s.Metric] = s.Value
	}
	if byMetric["postings_total"] != 2 {
		t.Fatalf("expected postings_total=2, got %v", byMetric["postings_total"])
	}
	if byMetric["score_avg"] < 0.54 || byMetric["score_avg"] > 0.56 {
		t.Fatalf("expected score_avg around 0.55, got %v", byMetric["score_avg"])
	}
	// Second refresh upserts into the now-materialized tier.
	if _, err := e.RefreshStats(ctx, c.ID); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	got, err := e.Repo.ListStats(ctx, c.ID)
	if err != nil {
		t.Fatalf("list stats: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 stats rows, got %d", len(got))
	}
}
