package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"jobline/internal/cascade"
	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/history"
	"jobline/internal/repo"
	"jobline/internal/sequence"
)

// Engine is the orchestration layer over the consistency core. Creation
// goes through the sequencer, deletion through the cascade coordinator,
// and every observed state change through the history recorder.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Seq     sequence.Sequencer
	Cascade cascade.Coordinator
	History history.Recorder
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Seq:     sequence.Sequencer{DB: db},
		Cascade: cascade.Coordinator{DB: db, PruneHistory: cfg.History.PruneOnDelete},
		History: history.Recorder{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type CampaignCreateOptions struct {
	OwnerRef string
	Name     string
}

// CreateCampaign allocates a fresh id and inserts the campaign in one
// transaction. OwnerRef may be empty for guest-owned campaigns.
func (e Engine) CreateCampaign(ctx context.Context, opts CampaignCreateOptions) (domain.Campaign, error) {
	if opts.Name == "" {
		return domain.Campaign{}, errors.New("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()
	id, err := e.Seq.NextTx(ctx, tx)
	if err != nil {
		return domain.Campaign{}, err
	}
	c := domain.Campaign{
		ID:        id,
		OwnerRef:  opts.OwnerRef,
		Name:      opts.Name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertCampaignTx(ctx, tx, c); err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// DeleteCampaign removes the campaign and every dependent record across all
// tiers, or nothing at all. Idempotent; safe to call from a retry policy.
func (e Engine) DeleteCampaign(ctx context.Context, id int64) (domain.DeletionReport, error) {
	return e.Cascade.DeleteCampaign(ctx, id)
}

// RecordTransition validates the transition up front and then appends it
// best-effort. The returned entry id is 0 when the write failed; the
// failure never reaches the producer as an error.
func (e Engine) RecordTransition(ctx context.Context, t history.Transition) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	return e.History.Record(ctx, t), nil
}

func (e Engine) GetHistory(ctx context.Context, entityRef string, limit, offset int) ([]domain.StatusEntry, error) {
	return e.History.History(ctx, entityRef, limit, offset)
}

func (e Engine) GetHistoryForOwner(ctx context.Context, ownerRef string, limit, offset int) ([]domain.StatusEntry, error) {
	return e.History.HistoryForOwner(ctx, ownerRef, limit, offset)
}

type IngestOptions struct {
	CampaignID int64
	Source     string
	URL        string
	Title      string
	Company    string
	Payload    map[string]any
	ActorID    string
}

// IngestPosting is the extraction pipeline's write path: one raw listing,
// one staged listing, and the posting itself land in a single transaction,
// then the first-observed transition is recorded on the side channel.
func (e Engine) IngestPosting(ctx context.Context, opts IngestOptions) (domain.JobPosting, error) {
	if opts.URL == "" || opts.Title == "" {
		return domain.JobPosting{}, errors.New("url and title are required")
	}
	campaign, err := e.Repo.GetCampaign(ctx, opts.CampaignID)
	if err != nil {
		return domain.JobPosting{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	payload := "{}"
	if len(opts.Payload) > 0 {
		data, err := json.Marshal(opts.Payload)
		if err != nil {
			return domain.JobPosting{}, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(data)
	}
	raw := domain.RawListing{
		ID:          uuid.NewString(),
		CampaignID:  campaign.ID,
		Source:      opts.Source,
		PayloadJSON: payload,
		FetchedAt:   now,
	}
	staged := domain.StagedListing{
		ID:         uuid.NewString(),
		CampaignID: campaign.ID,
		RawID:      raw.ID,
		URL:        opts.URL,
		Title:      opts.Title,
		Company:    opts.Company,
		StagedAt:   now,
	}
	posting := domain.JobPosting{
		ID:         uuid.NewString(),
		CampaignID: campaign.ID,
		URL:        opts.URL,
		Title:      opts.Title,
		Company:    opts.Company,
		Status:     history.StatusDiscovered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobPosting{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRawListingTx(ctx, tx, raw); err != nil {
		return domain.JobPosting{}, fmt.Errorf("insert raw listing: %w", err)
	}
	if err := e.Repo.InsertStagedListingTx(ctx, tx, staged); err != nil {
		return domain.JobPosting{}, fmt.Errorf("insert staged listing: %w", err)
	}
	if err := e.Repo.InsertPostingTx(ctx, tx, posting); err != nil {
		return domain.JobPosting{}, fmt.Errorf("insert posting: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.JobPosting{}, err
	}
	e.History.Record(ctx, history.Transition{
		EntityRef:  posting.ID,
		OwnerRef:   ownerRef(campaign),
		CampaignID: &campaign.ID,
		NewStatus:  history.StatusDiscovered,
		Actor:      opts.ActorID,
		Metadata:   map[string]any{"source": opts.Source, "url": opts.URL},
	})
	return posting, nil
}

type EnrichOptions struct {
	PostingID string
	Kind      string
	Payload   map[string]any
	ActorID   string
}

// ApplyEnrichment is the enrichment pipeline's write path.
func (e Engine) ApplyEnrichment(ctx context.Context, opts EnrichOptions) (domain.PostingEnrichment, error) {
	if opts.Kind == "" {
		return domain.PostingEnrichment{}, errors.New("kind is required")
	}
	posting, err := e.Repo.GetPosting(ctx, opts.PostingID)
	if err != nil {
		return domain.PostingEnrichment{}, err
	}
	campaign, err := e.Repo.GetCampaign(ctx, posting.CampaignID)
	if err != nil {
		return domain.PostingEnrichment{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	enrichment := domain.PostingEnrichment{
		ID:        uuid.NewString(),
		PostingID: posting.ID,
		Kind:      opts.Kind,
		CreatedAt: now,
	}
	if len(opts.Payload) > 0 {
		data, err := json.Marshal(opts.Payload)
		if err != nil {
			return domain.PostingEnrichment{}, fmt.Errorf("marshal payload: %w", err)
		}
		enrichment.PayloadJSON = string(data)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PostingEnrichment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEnrichmentTx(ctx, tx, enrichment); err != nil {
		return domain.PostingEnrichment{}, fmt.Errorf("insert enrichment: %w", err)
	}
	if err := e.Repo.UpdatePostingStatusTx(ctx, tx, posting.ID, history.StatusEnriched, now); err != nil {
		return domain.PostingEnrichment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PostingEnrichment{}, err
	}
	e.History.Record(ctx, history.Transition{
		EntityRef:  posting.ID,
		OwnerRef:   ownerRef(campaign),
		CampaignID: &campaign.ID,
		OldStatus:  posting.Status,
		NewStatus:  history.StatusEnriched,
		Actor:      opts.ActorID,
		Metadata:   map[string]any{"kind": opts.Kind},
	})
	return enrichment, nil
}

type DocumentOptions struct {
	PostingID string
	Document  string
	ActorID   string
}

// AttachDocument records a document upload/change from the document
// manager against a posting.
func (e Engine) AttachDocument(ctx context.Context, opts DocumentOptions) (domain.JobPosting, error) {
	return e.transition(ctx, opts.PostingID, history.StatusDocumentUpdated, opts.ActorID,
		map[string]any{"document": opts.Document})
}

type UserStatusOptions struct {
	PostingID string
	Label     string
	ActorID   string
}

// SetUserStatus records a user-initiated status change (applied,
// interviewing, rejected...). The label travels in the entry metadata.
func (e Engine) SetUserStatus(ctx context.Context, opts UserStatusOptions) (domain.JobPosting, error) {
	if opts.Label == "" {
		return domain.JobPosting{}, errors.New("label is required")
	}
	return e.transition(ctx, opts.PostingID, history.StatusUserChanged, opts.ActorID,
		map[string]any{"label": opts.Label})
}

type NoteOptions struct {
	PostingID string
	Note      string
	ActorID   string
}

// AddNote records a note change. No consumer reads these entries today;
// the path stays wired pending a product decision.
func (e Engine) AddNote(ctx context.Context, opts NoteOptions) (int64, error) {
	posting, err := e.Repo.GetPosting(ctx, opts.PostingID)
	if err != nil {
		return 0, err
	}
	campaign, err := e.Repo.GetCampaign(ctx, posting.CampaignID)
	if err != nil {
		return 0, err
	}
	return e.History.Record(ctx, history.Transition{
		EntityRef:  posting.ID,
		OwnerRef:   ownerRef(campaign),
		CampaignID: &campaign.ID,
		OldStatus:  posting.Status,
		NewStatus:  history.StatusNoteChanged,
		Actor:      opts.ActorID,
		Metadata:   map[string]any{"note": opts.Note},
	}), nil
}

// transition updates a posting's status and records the change.
func (e Engine) transition(ctx context.Context, postingID, newStatus, actorID string, metadata map[string]any) (domain.JobPosting, error) {
	posting, err := e.Repo.GetPosting(ctx, postingID)
	if err != nil {
		return domain.JobPosting{}, err
	}
	campaign, err := e.Repo.GetCampaign(ctx, posting.CampaignID)
	if err != nil {
		return domain.JobPosting{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobPosting{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePostingStatusTx(ctx, tx, posting.ID, newStatus, now); err != nil {
		return domain.JobPosting{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JobPosting{}, err
	}
	e.History.Record(ctx, history.Transition{
		EntityRef:  posting.ID,
		OwnerRef:   ownerRef(campaign),
		CampaignID: &campaign.ID,
		OldStatus:  posting.Status,
		NewStatus:  newStatus,
		Actor:      actorID,
		Metadata:   metadata,
	})
	posting.Status = newStatus
	posting.UpdatedAt = now
	return posting, nil
}

// RankPostings rebuilds the ranking tier for a campaign by descending
// score. The scoring itself belongs to the ranking collaborator; this only
// persists an ordering over what it produced.
func (e Engine) RankPostings(ctx context.Context, campaignID int64) ([]domain.PostingRanking, error) {
	if _, err := e.Repo.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	postings, err := e.Repo.ListPostings(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(postings, func(i, j int) bool {
		si, sj := scoreOf(postings[i]), scoreOf(postings[j])
		if si != sj {
			return si > sj
		}
		return postings[i].ID < postings[j].ID
	})
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRankingsTx(ctx, tx, campaignID); err != nil {
		return nil, err
	}
	var res []domain.PostingRanking
	for i, p := range postings {
		k := domain.PostingRanking{
			PostingID:  p.ID,
			CampaignID: campaignID,
			Rank:       i + 1,
			Score:      scoreOf(p),
			RankedAt:   now,
		}
		if err := e.Repo.InsertRankingTx(ctx, tx, k); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// RefreshStats recomputes the aggregated tier, materializing its table on
// first use.
func (e Engine) RefreshStats(ctx context.Context, campaignID int64) ([]domain.CampaignStat, error) {
	if _, err := e.Repo.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	postings, err := e.Repo.ListPostings(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	var scored int
	var scoreSum float64
	for _, p := range postings {
		if p.Score != nil {
			scored++
			scoreSum += *p.Score
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	stats := []domain.CampaignStat{
		{CampaignID: campaignID, Metric: "postings_total", Value: float64(len(postings)), ComputedAt: now},
	}
	if scored > 0 {
		stats = append(stats, domain.CampaignStat{CampaignID: campaignID, Metric: "score_avg", Value: scoreSum / float64(scored), ComputedAt: now})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureStatsTableTx(ctx, tx); err != nil {
		return nil, err
	}
	for _, s := range stats {
		if err := e.Repo.UpsertStatTx(ctx, tx, s); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stats, nil
}

func scoreOf(p domain.JobPosting) float64 {
	if p.Score == nil {
		return 0
	}
	return *p.Score
}

func ownerRef(c domain.Campaign) string {
	if c.OwnerRef == "" {
		return "guest"
	}
	return c.OwnerRef
}
