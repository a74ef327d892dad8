package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"tubekeeper/internal/app"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Keeper      *app.Keeper
	BasePath    string
	CORSOrigins []string
	RateLimit   RateLimit
	Auth        AuthConfig
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"quota_exceeded"`
	Message string         `json:"message" example:"max concurrent checks reached"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the keeper API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Keeper == nil {
		return nil, errors.New("server: keeper is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	router.Use(newRateLimiter(cfg.RateLimit).middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))

	hcfg := huma.DefaultConfig("Tubekeeper API", "0.3.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	k := cfg.Keeper
	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, k)
	registerConfig(group, k)
	registerChecks(group, k)
	registerPolling(group, k)
	registerEvents(group, k)
	registerJournal(group, k.Journal)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrQuotaExceeded):
		return newAPIError(http.StatusTooManyRequests, "quota_exceeded", msg, nil)
	case errors.Is(err, domain.ErrReadFailure):
		return newAPIError(http.StatusBadRequest, "deal_unreadable", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, app.ErrShuttingDown):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

// applyAuthSecurity marks the mutating routes as bearer protected.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	for _, item := range oas.Paths {
		if item.Post != nil {
			item.Post.Security = []map[string][]string{{"bearerAuth": {}}}
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
    <title>Tubekeeper API Docs</title>
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

func registerStatus(api huma.API, k *app.Keeper) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Keeper snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: k.Snapshot()}, nil
	})
}

func registerConfig(api huma.API, k *app.Keeper) {
	huma.Register(api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPost,
		Path:        "/config",
		Summary:     "Update polling interval and tamper cadence",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ConfigRequest
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		cfg, err := k.UpdateConfig(app.ConfigPatch{
			PollIntervalMs: input.Body.PollIntervalMs,
			EtagCheckCycle: input.Body.EtagCheckCycle,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: ConfigResponse{OK: true, Config: cfg}}, nil
	})
}

func registerChecks(api huma.API, k *app.Keeper) {
	type dealPath struct {
		DealID uint64 `path:"dealId"`
	}
	admit := func(kind domain.CheckKind) func(context.Context, *dealPath) (*struct {
		Body CheckResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *dealPath) (*struct {
			Body CheckResponse `json:"body"`
		}, error) {
			id, err := k.CheckDeal(ctx, input.DealID, kind)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body CheckResponse `json:"body"`
			}{Body: CheckResponse{OK: true, CheckID: id}}, nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "check-views",
		Method:      http.MethodPost,
		Path:        "/check/{dealId}",
		Summary:     "Start a view-count check for a deal",
		Errors:      []int{http.StatusBadRequest, http.StatusTooManyRequests},
	}, admit(domain.CheckViewCount))
	huma.Register(api, huma.Operation{
		OperationID: "check-etag",
		Method:      http.MethodPost,
		Path:        "/check-etag/{dealId}",
		Summary:     "Start a tamper probe for a deal",
		Errors:      []int{http.StatusBadRequest, http.StatusTooManyRequests},
	}, admit(domain.CheckTamperProbe))

	huma.Register(api, huma.Operation{
		OperationID: "check-all",
		Method:      http.MethodPost,
		Path:        "/check-all",
		Summary:     "Start a view-count check for every active deal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CheckAllResponse `json:"body"`
	}, error) {
		ids, count, err := k.CheckAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckAllResponse `json:"body"`
		}{Body: CheckAllResponse{OK: true, CheckIDs: ids, DealCount: count}}, nil
	})
}

func registerPolling(api huma.API, k *app.Keeper) {
	huma.Register(api, huma.Operation{
		OperationID: "toggle-polling",
		Method:      http.MethodPost,
		Path:        "/toggle-polling",
		Summary:     "Start or stop the polling loop",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PollingResponse `json:"body"`
	}, error) {
		return &struct {
			Body PollingResponse `json:"body"`
		}{Body: PollingResponse{OK: true, PollingEnabled: k.Toggle()}}, nil
	})
}

func registerJournal(api huma.API, r *repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List journaled check events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		CheckID string `query:"checkId"`
		DealID  int64  `query:"dealId" default:"-1"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body JournalPage `json:"body"`
	}, error) {
		if r == nil {
			return nil, newAPIError(http.StatusNotFound, "journal_disabled", "journal is disabled", nil)
		}
		f := repo.JournalFilter{Type: input.Type, CheckID: input.CheckID, Limit: normalizeLimit(input.Limit) + 1}
		if input.DealID >= 0 {
			f.DealID = &input.DealID
		}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.Cursor = parsed
		}
		items, err := r.LatestEvents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		limit := f.Limit - 1
		page := JournalPage{Items: []JournalEntryResponse{}}
		if len(items) > limit {
			page.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, e := range items {
			page.Items = append(page.Items, journalEntryResponse(e))
		}
		return &struct {
			Body JournalPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-timeline",
		Method:      http.MethodGet,
		Path:        "/journal/{checkId}",
		Summary:     "Journaled transitions of one check",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CheckID string `path:"checkId"`
	}) (*struct {
		Body []JournalEntryResponse `json:"body"`
	}, error) {
		if r == nil {
			return nil, newAPIError(http.StatusNotFound, "journal_disabled", "journal is disabled", nil)
		}
		items, err := r.CheckTimeline(ctx, input.CheckID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]JournalEntryResponse, 0, len(items))
		for _, e := range items {
			out = append(out, journalEntryResponse(e))
		}
		return &struct {
			Body []JournalEntryResponse `json:"body"`
		}{Body: out}, nil
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
