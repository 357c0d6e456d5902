package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"jobline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertCampaignTx(ctx context.Context, tx *sql.Tx, c domain.Campaign) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO campaigns(id,owner_ref,name,created_at) VALUES (?,?,?,?)`,
		c.ID, nullable(c.OwnerRef), c.Name, c.CreatedAt)
	return err
}

func (r Repo) GetCampaign(ctx context.Context, id int64) (domain.Campaign, error) {
	var c domain.Campaign
	var owner sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner_ref,name,created_at FROM campaigns WHERE id=?`, id).
		Scan(&c.ID, &owner, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if owner.Valid {
		c.OwnerRef = owner.String
	}
	return c, err
}

func (r Repo) ListCampaigns(ctx context.Context, ownerRef string) ([]domain.Campaign, error) {
	query := `SELECT id,owner_ref,name,created_at FROM campaigns`
	var args []any
	if ownerRef != "" {
		query += ` WHERE owner_ref=?`
		args = append(args, ownerRef)
	}
	query += ` ORDER BY id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var owner sql.NullString
		if err := rows.Scan(&c.ID, &owner, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		if owner.Valid {
			c.OwnerRef = owner.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Dependent-record reads below all join against campaigns. The inner join
// is the existence guard: records whose owning campaign is gone, or was
// never there, are invisible no matter what state the tiers are in.

func (r Repo) GetPosting(ctx context.Context, id string) (domain.JobPosting, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT p.id,p.campaign_id,p.url,p.title,p.company,p.status,p.score,p.created_at,p.updated_at
FROM job_postings p JOIN campaigns c ON c.id=p.campaign_id WHERE p.id=?`, id)
	return scanPosting(row)
}

func (r Repo) ListPostings(ctx context.Context, campaignID int64) ([]domain.JobPosting, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id,p.campaign_id,p.url,p.title,p.company,p.status,p.score,p.created_at,p.updated_at
FROM job_postings p JOIN campaigns c ON c.id=p.campaign_id WHERE p.campaign_id=? ORDER BY p.created_at DESC, p.id DESC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobPosting
	for rows.Next() {
		p, err := scanPostingRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListRankings(ctx context.Context, campaignID int64) ([]domain.PostingRanking, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT k.posting_id,k.campaign_id,k.rank,k.score,k.ranked_at
FROM posting_rankings k JOIN campaigns c ON c.id=k.campaign_id WHERE k.campaign_id=? ORDER BY k.rank ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PostingRanking
	for rows.Next() {
		var k domain.PostingRanking
		if err := rows.Scan(&k.PostingID, &k.CampaignID, &k.Rank, &k.Score, &k.RankedAt); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

// ListStats tolerates the stats tier not being materialized yet and reports
// it as empty.
func (r Repo) ListStats(ctx context.Context, campaignID int64) ([]domain.CampaignStat, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.campaign_id,s.metric,s.value,s.computed_at
FROM campaign_stats s JOIN campaigns c ON c.id=s.campaign_id WHERE s.campaign_id=? ORDER BY s.metric ASC`, campaignID)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()
	var res []domain.CampaignStat
	for rows.Next() {
		var s domain.CampaignStat
		if err := rows.Scan(&s.CampaignID, &s.Metric, &s.Value, &s.ComputedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListEnrichments(ctx context.Context, postingID string) ([]domain.PostingEnrichment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT e.id,e.posting_id,e.kind,e.payload_json,e.created_at
FROM posting_enrichments e JOIN job_postings p ON p.id=e.posting_id JOIN campaigns c ON c.id=p.campaign_id
WHERE e.posting_id=? ORDER BY e.created_at ASC, e.id ASC`, postingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PostingEnrichment
	for rows.Next() {
		var e domain.PostingEnrichment
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.PostingID, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.PayloadJSON = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Pipeline write paths.

func (r Repo) InsertRawListingTx(ctx context.Context, tx *sql.Tx, l domain.RawListing) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO raw_listings(id,campaign_id,source,payload_json,fetched_at) VALUES (?,?,?,?,?)`,
		l.ID, l.CampaignID, l.Source, l.PayloadJSON, l.FetchedAt)
	return err
}

func (r Repo) InsertStagedListingTx(ctx context.Context, tx *sql.Tx, l domain.StagedListing) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO staged_listings(id,campaign_id,raw_id,url,title,company,staged_at) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.CampaignID, nullable(l.RawID), l.URL, nullable(l.Title), nullable(l.Company), l.StagedAt)
	return err
}

func (r Repo) InsertPostingTx(ctx context.Context, tx *sql.Tx, p domain.JobPosting) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_postings(id,campaign_id,url,title,company,status,score,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CampaignID, p.URL, p.Title, nullable(p.Company), p.Status, nullableFloat64Ptr(p.Score), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePostingStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE job_postings SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePostingScoreTx(ctx context.Context, tx *sql.Tx, id string, score float64, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE job_postings SET score=?, updated_at=? WHERE id=?`, score, updatedAt, id)
	return err
}

func (r Repo) InsertEnrichmentTx(ctx context.Context, tx *sql.Tx, e domain.PostingEnrichment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO posting_enrichments(id,posting_id,kind,payload_json,created_at) VALUES (?,?,?,?,?)`,
		e.ID, e.PostingID, e.Kind, nullable(e.PayloadJSON), e.CreatedAt)
	return err
}

func (r Repo) InsertRankingTx(ctx context.Context, tx *sql.Tx, k domain.PostingRanking) error {
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO posting_rankings(posting_id,campaign_id,rank,score,ranked_at) VALUES (?,?,?,?,?)`,
		k.PostingID, k.CampaignID, k.Rank, k.Score, k.RankedAt)
	return err
}

func (r Repo) DeleteRankingsTx(ctx context.Context, tx *sql.Tx, campaignID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM posting_rankings WHERE campaign_id=?`, campaignID)
	return err
}

// EnsureStatsTableTx materializes the aggregated tier on first use; the
// migration set leaves it to the metrics pipeline.
func (r Repo) EnsureStatsTableTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS campaign_stats (
  campaign_id INTEGER NOT NULL,
  metric TEXT NOT NULL,
  value REAL NOT NULL,
  computed_at TEXT NOT NULL,
  PRIMARY KEY (campaign_id, metric)
)`)
	return err
}

func (r Repo) UpsertStatTx(ctx context.Context, tx *sql.Tx, s domain.CampaignStat) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO campaign_stats(campaign_id,metric,value,computed_at) VALUES (?,?,?,?)
ON CONFLICT(campaign_id,metric) DO UPDATE SET value=excluded.value, computed_at=excluded.computed_at`,
		s.CampaignID, s.Metric, s.Value, s.ComputedAt)
	return err
}

func scanPosting(row *sql.Row) (domain.JobPosting, error) {
	var p domain.JobPosting
	var company sql.NullString
	var score sql.NullFloat64
	err := row.Scan(&p.ID, &p.CampaignID, &p.URL, &p.Title, &company, &p.Status, &score, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if company.Valid {
		p.Company = company.String
	}
	if score.Valid {
		v := score.Float64
		p.Score = &v
	}
	return p, nil
}

func scanPostingRows(rows *sql.Rows) (domain.JobPosting, error) {
	var p domain.JobPosting
	var company sql.NullString
	var score sql.NullFloat64
	if err := rows.Scan(&p.ID, &p.CampaignID, &p.URL, &p.Title, &company, &p.Status, &score, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if company.Valid {
		p.Company = company.String
	}
	if score.Valid {
		v := score.Float64
		p.Score = &v
	}
	return p, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat64Ptr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
