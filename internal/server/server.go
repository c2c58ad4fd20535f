package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"charter/internal/domain"
	"charter/internal/engine"
	"charter/internal/ratelimit"
	"charter/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rate_limited"`
	Message string         `json:"message" example:"rate limit exceeded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Charter API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Charter API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDirectives(group, cfg.Engine)
	registerQuota(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

// handleError maps the engine's typed failures onto the HTTP envelope. The
// structured error passes through unchanged; nothing becomes a fake success.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var rl *ratelimit.ExceededError
	if errors.As(err, &rl) {
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), map[string]any{
			"limit":       rl.Limit,
			"used":        rl.Used,
			"retry_after": rl.RetryAfter.UTC().Format(time.RFC3339),
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidObjective), errors.Is(err, engine.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrNotGuildMember):
		return newAPIError(http.StatusForbidden, "not_guild_member", err.Error(), nil)
	case errors.Is(err, engine.ErrNotAuthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrGroupAuthorityNotConfigured):
		return newAPIError(http.StatusServiceUnavailable, "membership_authority_not_configured", err.Error(), nil)
	case errors.Is(err, engine.ErrNotVotable):
		return newAPIError(http.StatusConflict, "not_votable", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyVoted):
		return newAPIError(http.StatusConflict, "already_voted", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidStatus):
		return newAPIError(http.StatusConflict, "invalid_status", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Charter API Docs</title>
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

func registerDirectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-directive",
		Method:        http.MethodPost,
		Path:          "/directives",
		Summary:       "Submit directive",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitDirectiveRequest `json:"body"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitOptions{
			Kind:          input.Body.Kind,
			Identity:      identity,
			Objective:     input.Body.Objective,
			AgentsNeeded:  input.Body.AgentsNeeded,
			Location:      input.Body.Location,
			DurationHours: input.Body.DurationHours,
		}
		if input.Body.GroupID != nil {
			opts.GroupID = *input.Body.GroupID
		}
		if input.Body.AgentRef != nil {
			opts.AgentRef = *input.Body.AgentRef
		}
		d, err := e.Submit(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-directive",
		Method:      http.MethodGet,
		Path:        "/directives/{id}",
		Summary:     "Get directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		d, err := e.GetDirective(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-directives",
		Method:      http.MethodGet,
		Path:        "/directives",
		Summary:     "List directives",
	}, func(ctx context.Context, input *struct {
		Offset int `query:"offset" default:"0"`
		Limit  int `query:"limit" default:"50"`
	}) (*struct {
		Body DirectivePage `json:"body"`
	}, error) {
		offset := input.Offset
		if offset < 0 {
			offset = 0
		}
		items, total, err := e.ListPage(ctx, offset, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectivePage `json:"body"`
		}{Body: DirectivePage{Items: mapDirectives(items), Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-directive-ids",
		Method:      http.MethodGet,
		Path:        "/directives/ids",
		Summary:     "List directive ids",
	}, func(ctx context.Context, input *struct {
		Offset int `query:"offset" default:"0"`
		Limit  int `query:"limit" default:"50"`
	}) (*struct {
		Body DirectiveIDPage `json:"body"`
	}, error) {
		offset := input.Offset
		if offset < 0 {
			offset = 0
		}
		ids, total, err := e.ListIDsPage(ctx, offset, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []int64{}
		}
		return &struct {
			Body DirectiveIDPage `json:"body"`
		}{Body: DirectiveIDPage{IDs: ids, Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/votes",
		Summary:     "Vote on directive",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64       `path:"id"`
		Body VoteRequest `json:"body"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agentRef := ""
		if input.Body.AgentRef != nil {
			agentRef = *input.Body.AgentRef
		}
		d, err := e.Vote(ctx, input.ID, identity, agentRef, input.Body.Support)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/complete",
		Summary:     "Mark directive completed",
		Errors: []int{
			http.StatusNotFound,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.MarkCompleted(ctx, input.ID, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/cancel",
		Summary:     "Cancel directive",
		Errors: []int{
			http.StatusNotFound,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Cancel(ctx, input.ID, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-check-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/expire-check",
		Summary:     "Reconcile expiry for a directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ForceExpiryCheck(ctx, input.ID, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})
}

func registerQuota(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-quota",
		Method:      http.MethodGet,
		Path:        "/quota",
		Summary:     "Current-bucket submission counts for the caller",
	}, func(ctx context.Context, input *struct {
		GroupID uint64 `query:"group_id"`
	}) (*struct {
		Body QuotaResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		solo, group, err := e.SubmitCounts(ctx, identity, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		limits, err := e.Limits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResponse `json:"body"`
		}{Body: QuotaResponse{
			Identity:          identity,
			SoloUsedToday:     solo,
			SoloDailyCap:      limits.SoloDailyCap,
			GroupID:           input.GroupID,
			GroupUsedThisHour: group,
			GuildHourlyCap:    limits.GuildHourlyCap,
		}}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Current limits",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LimitsResponse `json:"body"`
	}, error) {
		limits, err := e.Limits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LimitsResponse `json:"body"`
		}{Body: limitsResponse(limits)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPatch,
		Path:        "/config",
		Summary:     "Update limits (owner only, prospective)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdateLimitsRequest `json:"body"`
	}) (*struct {
		Body LimitsResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limits, err := e.Limits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.SoloDailyCap != nil {
			limits.SoloDailyCap = *input.Body.SoloDailyCap
		}
		if input.Body.GuildHourlyCap != nil {
			limits.GuildHourlyCap = *input.Body.GuildHourlyCap
		}
		if input.Body.MaxObjectiveChars != nil {
			limits.MaxObjectiveChars = *input.Body.MaxObjectiveChars
		}
		if input.Body.MaxDurationHours != nil {
			limits.MaxDurationHours = *input.Body.MaxDurationHours
		}
		if err := e.UpdateLimits(ctx, identity, limits); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LimitsResponse `json:"body"`
		}{Body: limitsResponse(limits)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log",
	}, func(ctx context.Context, input *struct {
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"100"`
		Type  string `query:"type"`
		ID    string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		var (
			evts []domain.Event
			err  error
		)
		if input.After > 0 {
			evts, err = e.Repo.EventsAfter(ctx, normalizeLimit(input.Limit), input.After)
		} else {
			evts, err = e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}

func requireOwner(ctx context.Context, e engine.Engine) (string, huma.StatusError) {
	identity, authErr := identityFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if e.Config == nil || identity != e.Config.Registry.OwnerID {
		return "", newAPIError(http.StatusForbidden, "forbidden", "owner identity required", nil)
	}
	return identity, nil
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key (owner only)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requireOwner(ctx, e); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Identity) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "identity is required", nil)
		}
		secret := uuid.New().String()
		key := domain.APIKey{
			ID:       uuid.New().String(),
			Identity: input.Body.Identity,
			KeyHash:  repo.HashAPIKey(secret),
		}
		if input.Body.Name != nil {
			key.Name = *input.Body.Name
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:       key.ID,
			Identity: key.Identity,
			Name:     key.Name,
			Key:      secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys (owner only)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Identity string `query:"identity"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requireOwner(ctx, e); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, APIKeyResponse{
				ID:        k.ID,
				Identity:  k.Identity,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Revoke API key (owner only)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireOwner(ctx, e); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
