package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"promptline/internal/domain"
	"promptline/internal/engine"
	"promptline/internal/engine/auth"
	"promptline/internal/events"
	"promptline/internal/jsonl"
	"promptline/internal/ledger"
	"promptline/internal/logging"
	"promptline/internal/metrics"
	"promptline/internal/pool"
	"promptline/internal/report"
	"promptline/internal/repo"
)

const timeLayout = time.RFC3339

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Reports  report.Service
	Repo     repo.Repo
	Access   auth.Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	BasePath string
	Auth     AuthConfig
	Receipt  report.ReceiptOptions
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"ledger_busy"`
	Message string         `json:"message" example:"ledger partition busy"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"model\":\"grok\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int          { return e.status }
func (e *apiError) Error() string           { return e.Body.Message }
func (e *apiError) GetHeaders() http.Header { return e.headers }

// New returns an HTTP handler exposing the Promptline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine config not loaded")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger.Named("auth")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger.Named("http"), cfg.Metrics))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Promptline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{
		cfg:     cfg,
		limiter: newUserLimiter(cfg.Engine.Config.Submissions.RatePerMinute),
		logger:  logger,
	}
	router.Handle("/metrics", cfg.Metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerLeasing(group)
	h.registerSubmissions(group)
	h.registerLedger(group)
	h.registerReports(group)
	h.registerEvents(group)
	h.registerAPIKeys(group)
	h.registerMe(group)
	registerOpenAPI(router, api, basePath)

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

func retryLater(status int, code, message string, after time.Duration) huma.StatusError {
	e := newAPIError(status, code, message, nil).(*apiError)
	secs := int(math.Ceil(after.Seconds()))
	if secs < 1 {
		secs = 1
	}
	e.headers = http.Header{"Retry-After": []string{strconv.Itoa(secs)}}
	return e
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	switch {
	case errors.Is(err, engine.ErrUnknownModel), errors.Is(err, report.ErrUnknownModel):
		return newAPIError(http.StatusBadRequest, "unknown_model", err.Error(), nil)
	case errors.Is(err, jsonl.ErrBusy):
		return retryLater(http.StatusServiceUnavailable, "ledger_busy", err.Error(), time.Second)
	case errors.Is(err, pool.ErrPoolUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "pool_unavailable", err.Error(), nil)
	case errors.Is(err, ledger.ErrLeaseNotFound):
		return newAPIError(http.StatusConflict, "lease_not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type handlers struct {
	cfg     Config
	limiter *userLimiter
	logger  *zap.Logger
}

// authorize returns the caller after checking perm.
func (h *handlers) authorize(ctx context.Context, perm string) (auth.Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return auth.Principal{}, authErr
	}
	if err := h.cfg.Access.Require(p, perm); err != nil {
		return auth.Principal{}, handleError(err)
	}
	return p, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Promptline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h *handlers) registerLeasing(api huma.API) {
	e := h.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "next-item",
		Method:      http.MethodGet,
		Path:        "/next-item",
		Summary:     "Lease the next item for a model",
		Description: "Grants the caller a lease on the first item with no active lease under the model that the caller has not completed. Returns available=false when none is left.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Model string `query:"model" required:"true"`
		User  string `query:"user" doc:"Lease on behalf of another user (admin only)"`
	}) (*struct {
		Body NextItemResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermLeaseRequest)
		if err != nil {
			return nil, err
		}
		userID, err := h.cfg.Access.ActingUser(p, input.User)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.NextItem(ctx, input.Model, userID)
		if errors.Is(err, engine.ErrNoneAvailable) {
			return &struct {
				Body NextItemResponse `json:"body"`
			}{Body: NextItemResponse{Available: false}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NextItemResponse `json:"body"`
		}{Body: NextItemResponse{
			Available:  true,
			ItemID:     a.Item.ID,
			Title:      a.Item.Title,
			Prompt:     a.Prompt,
			Payload:    a.Item.Payload,
			LeaseToken: a.Token,
			ExpiresAt:  a.ExpiresAt.UTC().Format(timeLayout),
		}}, nil
	})
}

func (h *handlers) registerSubmissions(api huma.API) {
	e := h.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "submit-response",
		Method:      http.MethodPost,
		Path:        "/submissions",
		Summary:     "Submit a response",
		Description: "Rejected submissions (invalid, duplicate, no lease) answer 200 with accepted=false and a reason.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmissionRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermSubmit)
		if err != nil {
			return nil, err
		}
		userID, err := h.cfg.Access.ActingUser(p, input.Body.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		if !h.limiter.Allow(userID) {
			return nil, retryLater(http.StatusTooManyRequests, "rate_limited", "too many submissions", h.limiter.retryAfter(userID))
		}
		sub, err := e.Submit(ctx, engine.SubmissionRequest{
			Model:      input.Body.Model,
			ItemID:     domain.ItemID(input.Body.ItemID),
			UserID:     userID,
			Title:      input.Body.Title,
			Response:   input.Body.Response,
			LeaseToken: input.Body.LeaseToken,
		})
		if resp, ok := rejection(err); ok {
			return &struct {
				Body SubmissionResponse `json:"body"`
			}{Body: resp}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: SubmissionResponse{
			Accepted:       true,
			UUID:           sub.UUID,
			ItemID:         sub.ItemID,
			Model:          sub.Model,
			WordCount:      sub.WordCount,
			SentenceCount:  sub.SentenceCount,
			CharacterCount: sub.CharacterCount,
			Timestamp:      sub.Timestamp,
		}}, nil
	})
}

// rejection maps a refused submission to its 200 response body.
func rejection(err error) (SubmissionResponse, bool) {
	var ve engine.ValidationError
	var dup engine.DuplicateError
	switch {
	case err == nil:
		return SubmissionResponse{}, false
	case errors.As(err, &ve):
		return SubmissionResponse{Reason: metrics.OutcomeInvalid, Message: ve.Reason, Field: ve.Field}, true
	case errors.As(err, &dup):
		return SubmissionResponse{
			Reason:     metrics.OutcomeDuplicate,
			Message:    "Duplicate or similar response detected.",
			Similarity: dup.Ratio,
			Diff:       &dup.Diff,
		}, true
	case errors.Is(err, ledger.ErrLeaseNotFound):
		return SubmissionResponse{Reason: metrics.OutcomeNoLease, Message: "no open lease for this item"}, true
	}
	return SubmissionResponse{}, false
}

func (h *handlers) registerLedger(api huma.API) {
	e := h.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger/{model}",
		Summary:     "List lease entries for a model",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Model string `path:"model"`
		State string `query:"state" enum:"active,expired,fulfilled"`
	}) (*struct {
		Body struct {
			Model  string          `json:"model"`
			Leases []LeaseResponse `json:"leases"`
		} `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermLedgerRead); err != nil {
			return nil, err
		}
		views, err := e.Leases(ctx, input.Model)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Model  string          `json:"model"`
				Leases []LeaseResponse `json:"leases"`
			} `json:"body"`
		}{}
		out.Body.Model = input.Model
		out.Body.Leases = []LeaseResponse{}
		for _, v := range views {
			if input.State != "" && string(v.State) != input.State {
				continue
			}
			out.Body.Leases = append(out.Body.Leases, leaseResponse(v))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reclaim",
		Method:      http.MethodPost,
		Path:        "/reclaim",
		Summary:     "Run a reclaim pass now",
		Description: "Drops expired, unfulfilled leases from every model. Models that could not be compacted are listed under failed.",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReclaimResponse `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermReclaimRun); err != nil {
			return nil, err
		}
		rep, err := e.Reclaim(ctx)
		if err != nil {
			h.logger.Warn("manual reclaim incomplete", zap.Error(err))
		}
		return &struct {
			Body ReclaimResponse `json:"body"`
		}{Body: reclaimResponse(rep)}, nil
	})
}

func (h *handlers) registerReports(api huma.API) {
	reports := h.cfg.Reports
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Submission totals, contributors and daily activity",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body report.Summary `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermStatsRead); err != nil {
			return nil, err
		}
		s, err := reports.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.Summary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-stats",
		Method:      http.MethodGet,
		Path:        "/me/stats",
		Summary:     "Submission counts of the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			UserID string              `json:"user_id"`
			Models []report.ModelTotal `json:"models"`
			Total  int                 `json:"total"`
		} `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermStatsSelf)
		if err != nil {
			return nil, err
		}
		counts, err := reports.UserCounts(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				UserID string              `json:"user_id"`
				Models []report.ModelTotal `json:"models"`
				Total  int                 `json:"total"`
			} `json:"body"`
		}{}
		out.Body.UserID = p.UserID
		out.Body.Models = counts
		for _, c := range counts {
			out.Body.Total += c.Count
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "receipt",
		Method:      http.MethodGet,
		Path:        "/receipts/{username}",
		Summary:     "Receipt for a contributor",
		Description: "Users may fetch their own receipt; other users' receipts need receipt.read.",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
	}) (*struct {
		Body report.Receipt `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if p.UserID != input.Username {
			if err := h.cfg.Access.Require(p, auth.PermReceiptRead); err != nil {
				return nil, handleError(err)
			}
		}
		r, err := reports.Receipt(ctx, input.Username, h.cfg.Receipt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.Receipt `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export",
		Method:      http.MethodGet,
		Path:        "/export/{model}",
		Summary:     "Download a model's submission log as JSON lines",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Model string `path:"model"`
	}) (*huma.StreamResponse, error) {
		if _, err := h.authorize(ctx, auth.PermExportRead); err != nil {
			return nil, err
		}
		if !slices.Contains(reports.Models, input.Model) {
			return nil, handleError(fmt.Errorf("%w: %q", report.ErrUnknownModel, input.Model))
		}
		model := input.Model
		return &huma.StreamResponse{Body: func(hctx huma.Context) {
			hctx.SetHeader("Content-Type", "application/x-ndjson")
			hctx.SetHeader("Content-Disposition", fmt.Sprintf("attachment; filename=%q", model+".jsonl"))
			hctx.SetStatus(http.StatusOK)
			if _, err := reports.Export(hctx.Context(), model, hctx.BodyWriter()); err != nil {
				h.logger.Error("export submissions", zap.String("model", model), zap.Error(err))
			}
		}}, nil
	})
}

func (h *handlers) registerEvents(api huma.API) {
	r := h.cfg.Repo
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		Model      string `query:"model"`
		EntityKind string `query:"entity_kind" enum:"lease,submission,api_key"`
		EntityID   string `query:"entity_id"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermEventsRead); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEvents(ctx, limit+1, cursorID, repo.EventFilters{
			Model:      input.Model,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ActorID:    input.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h *handlers) registerAPIKeys(api huma.API) {
	r := h.cfg.Repo
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermAPIKeyManage)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.UserID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		key, secret := repo.NewAPIKey(input.Body.UserID, input.Body.Name, input.Body.Roles)
		if err := r.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		if err := h.cfg.Engine.Events.Append(ctx, events.APIKeyCreated, "", events.EntityAPIKey, key.ID, p.UserID, events.EventPayload{
			"user_id": key.UserID,
			"roles":   key.RoleList(),
		}); err != nil {
			h.logger.Warn("append audit event", zap.String("type", events.APIKeyCreated), zap.Error(err))
		}
		resp := apiKeyResponse(key)
		resp.Key = secret
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, auth.PermAPIKeyManage); err != nil {
			return nil, err
		}
		keys, err := r.ListAPIKeys(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := h.authorize(ctx, auth.PermAPIKeyManage); err != nil {
			return nil, err
		}
		if err := r.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h *handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID:      p.UserID,
			Source:      p.Source,
			Roles:       nonNilSlice(h.cfg.Access.Roles(p.UserID, p.Roles)),
			Permissions: nonNilSlice(h.cfg.Access.Permissions(p)),
		}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
