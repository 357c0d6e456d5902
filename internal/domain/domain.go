package domain

type Campaign struct {
	ID        int64  `json:"id"`
	OwnerRef  string `json:"owner_ref,omitempty"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type JobPosting struct {
	ID         string  `json:"id"`
	CampaignID int64   `json:"campaign_id"`
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Company    string  `json:"company,omitempty"`
	Status     string  `json:"status" enum:"discovered,enriched,document_updated,user_status_changed,note_changed"`
	Score      *float64 `json:"score,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type PostingEnrichment struct {
	ID          string `json:"id"`
	PostingID   string `json:"posting_id"`
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type RawListing struct {
	ID          string `json:"id"`
	CampaignID  int64  `json:"campaign_id"`
	Source      string `json:"source"`
	PayloadJSON string `json:"payload_json"`
	FetchedAt   string `json:"fetched_at" format:"date-time"`
}

type StagedListing struct {
	ID         string `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	RawID      string `json:"raw_id,omitempty"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Company    string `json:"company,omitempty"`
	StagedAt   string `json:"staged_at" format:"date-time"`
}

type PostingRanking struct {
	PostingID  string  `json:"posting_id"`
	CampaignID int64   `json:"campaign_id"`
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
	RankedAt   string  `json:"ranked_at" format:"date-time"`
}

type CampaignStat struct {
	CampaignID int64   `json:"campaign_id"`
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	ComputedAt string  `json:"computed_at" format:"date-time"`
}

// StatusEntry is one immutable audit record of an entity state transition.
// Rows are only ever appended; deletion happens transitively through the
// cascade when history pruning is enabled.
type StatusEntry struct {
	ID           int64  `json:"id"`
	EntityRef    string `json:"entity_ref"`
	OwnerRef     string `json:"owner_ref"`
	CampaignID   *int64 `json:"campaign_id,omitempty"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status"`
	Actor        string `json:"actor"`
	OccurredAt   string `json:"occurred_at" format:"date-time"`
	MetadataJSON string `json:"metadata_json,omitempty"`
}

// TierResult is the per-tier line item of a DeletionReport.
type TierResult struct {
	Tier        string `json:"tier"`
	Table       string `json:"table"`
	Managed     bool   `json:"managed"`
	RowsRemoved int64  `json:"rows_removed"`
	Skipped     bool   `json:"skipped,omitempty"`
}

// DeletionReport enumerates what a cascade deletion removed per tier.
// Found is false when the campaign was already absent; the call is still a
// success and every count is zero.
type DeletionReport struct {
	CampaignID   int64        `json:"campaign_id"`
	Found        bool         `json:"found"`
	Tiers        []TierResult `json:"tiers,omitempty"`
	TotalRemoved int64        `json:"total_removed"`
	DeletedAt    string       `json:"deleted_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
