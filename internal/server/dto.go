package server

import (
	"jobline/internal/domain"
)

// Request payloads

type CreateCampaignRequest struct {
	OwnerRef *string `json:"owner_ref,omitempty"`
	Name     string  `json:"name"`
}

type RecordTransitionRequest struct {
	EntityRef  string         `json:"entity_ref"`
	OwnerRef   string         `json:"owner_ref"`
	CampaignID *int64         `json:"campaign_id,omitempty"`
	OldStatus  string         `json:"old_status,omitempty"`
	NewStatus  string         `json:"new_status" enum:"discovered,enriched,document_updated,user_status_changed,note_changed"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type IngestPostingRequest struct {
	CampaignID int64          `json:"campaign_id"`
	Source     string         `json:"source,omitempty"`
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	Company    string         `json:"company,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type EnrichPostingRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type AttachDocumentRequest struct {
	Document string `json:"document"`
}

type UserStatusRequest struct {
	Label string `json:"label"`
}

type AddNoteRequest struct {
	Note string `json:"note"`
}

// Response payloads

type CampaignListResponse struct {
	Campaigns []domain.Campaign `json:"campaigns"`
}

type PostingListResponse struct {
	Postings []domain.JobPosting `json:"postings"`
}

type RankingListResponse struct {
	Rankings []domain.PostingRanking `json:"rankings"`
}

type StatListResponse struct {
	Stats []domain.CampaignStat `json:"stats"`
}

type EnrichmentListResponse struct {
	Enrichments []domain.PostingEnrichment `json:"enrichments"`
}

type HistoryResponse struct {
	Entries []domain.StatusEntry `json:"entries"`
}

type TransitionResponse struct {
	// EntryID is 0 when the history write was dropped; the transition call
	// itself still succeeds.
	EntryID int64 `json:"entry_id"`
}

type NoteResponse struct {
	EntryID int64 `json:"entry_id"`
}
