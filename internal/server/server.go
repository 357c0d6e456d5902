package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"jobline/internal/cascade"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/history"
	"jobline/internal/repo"
	"jobline/internal/sequence"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_argument"`
	Message string         `json:"message" example:"limit must be in [1,10000]"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Jobline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Jobline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCampaigns(group, cfg.Engine)
	registerPostings(group, cfg.Engine)
	registerHistory(group, cfg.Engine)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var step cascade.StepError
	if errors.As(err, &step) {
		return newAPIError(http.StatusInternalServerError, "cascade_step_failed", err.Error(), map[string]any{"tier": step.Tier})
	}
	switch {
	case errors.Is(err, history.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "invalid_argument", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, cascade.ErrDeletionInProgress):
		return newAPIError(http.StatusConflict, "deletion_in_progress", err.Error(), nil)
	case errors.Is(err, sequence.ErrExhausted):
		return newAPIError(http.StatusInternalServerError, "identity_exhausted", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal", err.Error(), nil)
}

func registerHealth(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerCampaigns(api huma.API, e engine.Engine) {
	type createInput struct {
		Body CreateCampaignRequest
	}
	type campaignOutput struct {
		Body domain.Campaign
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-campaign",
		Method:        http.MethodPost,
		Path:          "/campaigns",
		Summary:       "Create a campaign",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createInput) (*campaignOutput, error) {
		opts := engine.CampaignCreateOptions{Name: input.Body.Name}
		if input.Body.OwnerRef != nil {
			opts.OwnerRef = *input.Body.OwnerRef
		}
		c, err := e.CreateCampaign(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &campaignOutput{Body: c}, nil
	})

	type listInput struct {
		OwnerRef string `query:"owner_ref"`
	}
	type listOutput struct {
		Body CampaignListResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "List campaigns",
	}, func(ctx context.Context, input *listInput) (*listOutput, error) {
		campaigns, err := e.Repo.ListCampaigns(ctx, input.OwnerRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &listOutput{Body: CampaignListResponse{Campaigns: campaigns}}, nil
	})

	type getInput struct {
		ID int64 `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-campaign",
		Method:      http.MethodGet,
		Path:        "/campaigns/{id}",
		Summary:     "Get a campaign",
	}, func(ctx context.Context, input *getInput) (*campaignOutput, error) {
		c, err := e.Repo.GetCampaign(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &campaignOutput{Body: c}, nil
	})

	type deleteOutput struct {
		Body domain.DeletionReport
	}
	huma.Register(api, huma.Operation{
		OperationID: "delete-campaign",
		Method:      http.MethodDelete,
		Path:        "/campaigns/{id}",
		Summary:     "Delete a campaign and all dependent records",
		Description: "Idempotent: deleting an absent campaign succeeds with a zero report.",
	}, func(ctx context.Context, input *getInput) (*deleteOutput, error) {
		report, err := e.DeleteCampaign(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &deleteOutput{Body: report}, nil
	})

	type postingsOutput struct {
		Body PostingListResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-campaign-postings",
		Method:      http.MethodGet,
		Path:        "/campaigns/{id}/postings",
		Summary:     "List postings for a campaign",
	}, func(ctx context.Context, input *getInput) (*postingsOutput, error) {
		postings, err := e.Repo.ListPostings(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &postingsOutput{Body: PostingListResponse{Postings: postings}}, nil
	})

	type rankingsOutput struct {
		Body RankingListResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-campaign-rankings",
		Method:      http.MethodGet,
		Path:        "/campaigns/{id}/rankings",
		Summary:     "List rankings for a campaign",
	}, func(ctx context.Context, input *getInput) (*rankingsOutput, error) {
		rankings, err := e.Repo.ListRankings(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &rankingsOutput{Body: RankingListResponse{Rankings: rankings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-campaign",
		Method:      http.MethodPost,
		Path:        "/campaigns/{id}/rank",
		Summary:     "Rebuild rankings for a campaign",
	}, func(ctx context.Context, input *getInput) (*rankingsOutput, error) {
		rankings, err := e.RankPostings(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &rankingsOutput{Body: RankingListResponse{Rankings: rankings}}, nil
	})

	type statsOutput struct {
		Body StatListResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-campaign-stats",
		Method:      http.MethodGet,
		Path:        "/campaigns/{id}/stats",
		Summary:     "List aggregated stats for a campaign",
	}, func(ctx context.Context, input *getInput) (*statsOutput, error) {
		stats, err := e.Repo.ListStats(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &statsOutput{Body: StatListResponse{Stats: stats}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-campaign-stats",
		Method:      http.MethodPost,
		Path:        "/campaigns/{id}/stats/refresh",
		Summary:     "Recompute aggregated stats for a campaign",
	}, func(ctx context.Context, input *getInput) (*statsOutput, error) {
		stats, err := e.RefreshStats(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &statsOutput{Body: StatListResponse{Stats: stats}}, nil
	})
}

func registerPostings(api huma.API, e engine.Engine) {
	type ingestInput struct {
		Body IngestPostingRequest
	}
	type postingOutput struct {
		Body domain.JobPosting
	}
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-posting",
		Method:        http.MethodPost,
		Path:          "/postings",
		Summary:       "Ingest a posting (extraction pipeline)",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *ingestInput) (*postingOutput, error) {
		p, err := e.IngestPosting(ctx, engine.IngestOptions{
			CampaignID: input.Body.CampaignID,
			Source:     input.Body.Source,
			URL:        input.Body.URL,
			Title:      input.Body.Title,
			Company:    input.Body.Company,
			Payload:    input.Body.Payload,
			ActorID:    actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &postingOutput{Body: p}, nil
	})

	type idInput struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-posting",
		Method:      http.MethodGet,
		Path:        "/postings/{id}",
		Summary:     "Get a posting",
	}, func(ctx context.Context, input *idInput) (*postingOutput, error) {
		p, err := e.Repo.GetPosting(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &postingOutput{Body: p}, nil
	})

	type enrichInput struct {
		ID   string `path:"id"`
		Body EnrichPostingRequest
	}
	type enrichmentOutput struct {
		Body domain.PostingEnrichment
	}
	huma.Register(api, huma.Operation{
		OperationID:   "enrich-posting",
		Method:        http.MethodPost,
		Path:          "/postings/{id}/enrichments",
		Summary:       "Apply an enrichment (enrichment pipeline)",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *enrichInput) (*enrichmentOutput, error) {
		enrichment, err := e.ApplyEnrichment(ctx, engine.EnrichOptions{
			PostingID: input.ID,
			Kind:      input.Body.Kind,
			Payload:   input.Body.Payload,
			ActorID:   actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &enrichmentOutput{Body: enrichment}, nil
	})

	type enrichmentsOutput struct {
		Body EnrichmentListResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-posting-enrichments",
		Method:      http.MethodGet,
		Path:        "/postings/{id}/enrichments",
		Summary:     "List enrichments for a posting",
	}, func(ctx context.Context, input *idInput) (*enrichmentsOutput, error) {
		enrichments, err := e.Repo.ListEnrichments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &enrichmentsOutput{Body: EnrichmentListResponse{Enrichments: enrichments}}, nil
	})

	type documentInput struct {
		ID   string `path:"id"`
		Body AttachDocumentRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "attach-document",
		Method:      http.MethodPost,
		Path:        "/postings/{id}/document",
		Summary:     "Record a document upload/change",
	}, func(ctx context.Context, input *documentInput) (*postingOutput, error) {
		p, err := e.AttachDocument(ctx, engine.DocumentOptions{
			PostingID: input.ID,
			Document:  input.Body.Document,
			ActorID:   actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &postingOutput{Body: p}, nil
	})

	type userStatusInput struct {
		ID   string `path:"id"`
		Body UserStatusRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-user-status",
		Method:      http.MethodPost,
		Path:        "/postings/{id}/user-status",
		Summary:     "Record a user-initiated status change",
	}, func(ctx context.Context, input *userStatusInput) (*postingOutput, error) {
		p, err := e.SetUserStatus(ctx, engine.UserStatusOptions{
			PostingID: input.ID,
			Label:     input.Body.Label,
			ActorID:   actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &postingOutput{Body: p}, nil
	})

	type noteInput struct {
		ID   string `path:"id"`
		Body AddNoteRequest
	}
	type noteOutput struct {
		Body NoteResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "add-note",
		Method:      http.MethodPost,
		Path:        "/postings/{id}/notes",
		Summary:     "Record a note change",
	}, func(ctx context.Context, input *noteInput) (*noteOutput, error) {
		entryID, err := e.AddNote(ctx, engine.NoteOptions{
			PostingID: input.ID,
			Note:      input.Body.Note,
			ActorID:   actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &noteOutput{Body: NoteResponse{EntryID: entryID}}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	type transitionInput struct {
		Body RecordTransitionRequest
	}
	type transitionOutput struct {
		Body TransitionResponse
	}
	huma.Register(api, huma.Operation{
		OperationID:   "record-transition",
		Method:        http.MethodPost,
		Path:          "/transitions",
		Summary:       "Record an entity state transition",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *transitionInput) (*transitionOutput, error) {
		entryID, err := e.RecordTransition(ctx, history.Transition{
			EntityRef:  input.Body.EntityRef,
			OwnerRef:   input.Body.OwnerRef,
			CampaignID: input.Body.CampaignID,
			OldStatus:  input.Body.OldStatus,
			NewStatus:  input.Body.NewStatus,
			Actor:      actorIDFromContext(ctx),
			Metadata:   input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &transitionOutput{Body: TransitionResponse{EntryID: entryID}}, nil
	})

	type historyInput struct {
		Ref    string `path:"ref"`
		Limit  int    `query:"limit" default:"100"`
		Offset int    `query:"offset" default:"0"`
	}
	type historyOutput struct {
		Body HistoryResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-entity-history",
		Method:      http.MethodGet,
		Path:        "/entities/{ref}/history",
		Summary:     "Get status history for an entity, oldest first",
	}, func(ctx context.Context, input *historyInput) (*historyOutput, error) {
		entries, err := e.GetHistory(ctx, input.Ref, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &historyOutput{Body: HistoryResponse{Entries: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-owner-history",
		Method:      http.MethodGet,
		Path:        "/owners/{ref}/history",
		Summary:     "Get status history across an owner's entities, oldest first",
	}, func(ctx context.Context, input *historyInput) (*historyOutput, error) {
		entries, err := e.GetHistoryForOwner(ctx, input.Ref, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &historyOutput{Body: HistoryResponse{Entries: entries}}, nil
	})
}
