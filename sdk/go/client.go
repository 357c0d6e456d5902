package joblinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a minimal Jobline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Campaign represents the API campaign model.
type Campaign struct {
	ID        int64  `json:"id"`
	OwnerRef  string `json:"owner_ref,omitempty"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Posting represents the API posting model (partial).
type Posting struct {
	ID         string `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Status     string `json:"status"`
}

// StatusEntry represents one history log entry.
type StatusEntry struct {
	ID         int64  `json:"id"`
	EntityRef  string `json:"entity_ref"`
	OwnerRef   string `json:"owner_ref"`
	CampaignID *int64 `json:"campaign_id,omitempty"`
	OldStatus  string `json:"old_status,omitempty"`
	NewStatus  string `json:"new_status"`
	Actor      string `json:"actor"`
	OccurredAt string `json:"occurred_at"`
}

// TierResult is one line of a deletion report.
type TierResult struct {
	Tier        string `json:"tier"`
	Table       string `json:"table"`
	Managed     bool   `json:"managed"`
	RowsRemoved int64  `json:"rows_removed"`
	Skipped     bool   `json:"skipped,omitempty"`
}

// DeletionReport enumerates what a campaign deletion removed.
type DeletionReport struct {
	CampaignID   int64        `json:"campaign_id"`
	Found        bool         `json:"found"`
	Tiers        []TierResult `json:"tiers,omitempty"`
	TotalRemoved int64        `json:"total_removed"`
	DeletedAt    string       `json:"deleted_at,omitempty"`
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-ID", c.ActorID)
	}
	res, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CreateCampaign creates a campaign; ownerRef may be empty for guest-owned
// campaigns.
func (c *Client) CreateCampaign(ctx context.Context, name, ownerRef string) (Campaign, error) {
	body := map[string]any{"name": name}
	if ownerRef != "" {
		body["owner_ref"] = ownerRef
	}
	var out Campaign
	err := c.do(ctx, http.MethodPost, "/campaigns", nil, body, &out)
	return out, err
}

// DeleteCampaign deletes a campaign and everything it owns. Idempotent.
func (c *Client) DeleteCampaign(ctx context.Context, id int64) (DeletionReport, error) {
	var out DeletionReport
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/campaigns/%d", id), nil, nil, &out)
	return out, err
}

// IngestPosting pushes one posting through the ingestion path.
func (c *Client) IngestPosting(ctx context.Context, campaignID int64, source, postingURL, title string) (Posting, error) {
	var out Posting
	err := c.do(ctx, http.MethodPost, "/postings", nil, map[string]any{
		"campaign_id": campaignID,
		"source":      source,
		"url":         postingURL,
		"title":       title,
	}, &out)
	return out, err
}

// RecordTransition appends a status transition. The returned entry id is 0
// when the server dropped the write; the call still succeeds.
func (c *Client) RecordTransition(ctx context.Context, entityRef, ownerRef, oldStatus, newStatus string, metadata map[string]any) (int64, error) {
	body := map[string]any{
		"entity_ref": entityRef,
		"owner_ref":  ownerRef,
		"new_status": newStatus,
	}
	if oldStatus != "" {
		body["old_status"] = oldStatus
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var out struct {
		EntryID int64 `json:"entry_id"`
	}
	err := c.do(ctx, http.MethodPost, "/transitions", nil, body, &out)
	return out.EntryID, err
}

// History returns an entity's transitions, oldest first.
func (c *Client) History(ctx context.Context, entityRef string, limit, offset int) ([]StatusEntry, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	var out struct {
		Entries []StatusEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(entityRef)+"/history", query, nil, &out)
	return out.Entries, err
}

// HistoryForOwner returns transitions across an owner's entities, oldest
// first.
func (c *Client) HistoryForOwner(ctx context.Context, ownerRef string, limit, offset int) ([]StatusEntry, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	var out struct {
		Entries []StatusEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/owners/"+url.PathEscape(ownerRef)+"/history", query, nil, &out)
	return out.Entries, err
}

// Postings lists a campaign's postings through the guarded read path.
func (c *Client) Postings(ctx context.Context, campaignID int64) ([]Posting, error) {
	var out struct {
		Postings []Posting `json:"postings"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/campaigns/%d/postings", campaignID), nil, nil, &out)
	return out.Postings, err
}
