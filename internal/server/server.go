package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/ledger"
	"draftline/internal/patch"
	"draftline/internal/reconcile"
	"draftline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"revision_conflict"`
	Message string         `json:"message" example:"draft is at revision 4, edit was based on 3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Draftline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Draftline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerDrafts(group, cfg.Engine)
	registerGraveyard(group, cfg.Engine)
	registerInventory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var conflict *engine.RevisionConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "revision_conflict", err.Error(), map[string]any{
			"draft_id": conflict.DraftID,
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		})
	}
	var already *engine.AlreadyResolvedError
	if errors.As(err, &already) {
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), map[string]any{"status": already.Status})
	}
	var invalidOpt *engine.InvalidOptionError
	if errors.As(err, &invalidOpt) {
		return newAPIError(http.StatusBadRequest, "invalid_option", err.Error(), map[string]any{"option_id": invalidOpt.OptionID})
	}
	var blocked *engine.ApprovalBlockedError
	if errors.As(err, &blocked) {
		return newAPIError(http.StatusConflict, "approval_blocked", err.Error(), map[string]any{"pending": blocked.Pending})
	}
	var transition *engine.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	var pathErr *patch.PathError
	if errors.As(err, &pathErr) {
		return newAPIError(http.StatusBadRequest, "invalid_path", err.Error(), map[string]any{"path": pathErr.Path})
	}
	var targetErr *patch.InvalidTargetError
	if errors.As(err, &targetErr) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_target", err.Error(), map[string]any{"path": targetErr.Path})
	}
	if errors.Is(err, engine.ErrDraftNotFound) || errors.Is(err, repo.ErrNotFound) || reconcile.IsUnknownItem(err) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot be edited"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Draftline API Docs</title>
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, input.Body.ID, stringOrEmpty(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountDraftsByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.Repo.CountPendingDecisions(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":        p.ID,
			"status":            p.Status,
			"draft_counts":      counts,
			"pending_decisions": pending,
		}}, nil
	})
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/drafts",
		Summary:       "Create draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDraft(ctx, engine.DraftCreateOptions{
			ID:        stringOrEmpty(input.Body.ID),
			ProjectID: defaultProject(ctx, e, input.Body.ProjectID),
			Title:     input.Body.Title,
			Snapshot:  input.Body.Snapshot,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List drafts",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:",open,needs_review,approved,discarded"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []DraftResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDrafts(ctx, repo.DraftFilters{
			ProjectID: defaultProject(ctx, e, input.ProjectID),
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DraftResponse `json:"body"`
		}{Body: mapDrafts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}",
		Summary:     "Get draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDraft(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-edit",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/edits",
		Summary:     "Apply an edit to a draft",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string      `path:"draft_id"`
		Body    EditRequest `json:"body"`
	}) (*struct {
		Body EditResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyEdit(ctx, engine.EditOptions{
			DraftID:      input.DraftID,
			BaseRevision: input.Body.BaseRevision,
			Ops:          input.Body.Ops,
			Provenance:   domain.Provenance{ActorID: actorID, Origin: domain.OriginAPI},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EditResponse `json:"body"`
		}{Body: editResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-draft-status",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/status",
		Summary:     "Change draft status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string                `path:"draft_id"`
		Body    SetDraftStatusRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SetDraftStatus(ctx, input.DraftID, input.Body.Status, input.Body.Force, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-changesets",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}/changesets",
		Summary:     "List draft changesets",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []ChangeSetResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDraft(ctx, input.DraftID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChangeSets(ctx, input.DraftID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChangeSetResponse `json:"body"`
		}{Body: mapChangeSets(items)}, nil
	})
}

func registerGraveyard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/graveyard",
		Summary:     "List decision items",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		DraftID   string `query:"draft_id"`
		Status    string `query:"status" enum:",pending,resolved,dismissed"`
		Kind      string `query:"kind"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []DecisionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDecisionItems(ctx, repo.DecisionFilters{
			ProjectID: defaultProject(ctx, e, input.ProjectID),
			DraftID:   input.DraftID,
			Status:    input.Status,
			Kind:      input.Kind,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DecisionResponse `json:"body"`
		}{Body: mapDecisions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/graveyard/{decision_id}",
		Summary:     "Get decision item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		item, err := e.Repo.GetDecisionItem(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-decision",
		Method:      http.MethodPost,
		Path:        "/graveyard/{decision_id}/resolve",
		Summary:     "Resolve decision with an option",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string                 `path:"decision_id"`
		Body       ResolveDecisionRequest `json:"body"`
	}) (*struct {
		Body EditResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.OptionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "option_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResolveDecision(ctx, input.DecisionID, input.Body.OptionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EditResponse `json:"body"`
		}{Body: editResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-decision",
		Method:      http.MethodPost,
		Path:        "/graveyard/{decision_id}/dismiss",
		Summary:     "Dismiss decision without applying ops",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.DismissDecision(ctx, input.DecisionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(item)}, nil
	})
}

func registerInventory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-inventory-item",
		Method:        http.MethodPost,
		Path:          "/inventory/items",
		Summary:       "Register inventory item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateInventoryItemRequest `json:"body"`
	}) (*struct {
		Body InventoryItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.CreateInventoryItem(ctx, engine.InventoryCreateOptions{
			ID:        stringOrEmpty(input.Body.ID),
			ProjectID: defaultProject(ctx, e, input.Body.ProjectID),
			Name:      input.Body.Name,
			SKU:       stringOrEmpty(input.Body.SKU),
			Unit:      stringOrEmpty(input.Body.Unit),
			OnHandQty: input.Body.OnHandQty,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InventoryItemResponse `json:"body"`
		}{Body: inventoryItemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inventory-items",
		Method:      http.MethodGet,
		Path:        "/inventory/items",
		Summary:     "List inventory items",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []InventoryItemResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListInventoryItems(ctx, defaultProject(ctx, e, input.ProjectID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InventoryItemResponse `json:"body"`
		}{Body: mapInventoryItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-availability",
		Method:      http.MethodGet,
		Path:        "/inventory/items/{item_id}/availability",
		Summary:     "Inventory item availability",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body AvailabilityResponse `json:"body"`
	}, error) {
		avail, err := e.Ledger.ComputeAvailability(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AvailabilityResponse `json:"body"`
		}{Body: AvailabilityResponse{
			InventoryItemID: input.ItemID,
			OnHandQty:       avail.OnHandQty,
			TotalReserved:   avail.TotalReserved,
			Available:       avail.Available,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reserve-inventory",
		Method:        http.MethodPost,
		Path:          "/inventory/items/{item_id}/reservations",
		Summary:       "Reserve inventory",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string         `path:"item_id"`
		Body   ReserveRequest `json:"body"`
	}) (*struct {
		Body ReserveResponse `json:"body"`
	}, error) {
		if input.Body.Qty <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "qty must be positive", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Repo.GetInventoryItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Reserve(ctx, ledger.ReserveArgs{
			InventoryItemID: it.ID,
			ProjectID:       it.ProjectID,
			Qty:             input.Body.Qty,
		}, input.Body.AllowOverbook, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := ReserveResponse{
			Reserved:       res.Reserved,
			Status:         res.Status,
			AvailableAfter: res.AvailableAfter,
		}
		if res.Reservation != nil {
			r := reservationResponse(*res.Reservation)
			out.Reservation = &r
		}
		return &struct {
			Body ReserveResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reservations",
		Method:      http.MethodGet,
		Path:        "/inventory/reservations",
		Summary:     "List reservations",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		ItemID    string `query:"item_id"`
		Status    string `query:"status" enum:",active,overbooked,cancelled,fulfilled"`
	}) (*struct {
		Body []ReservationResponse `json:"body"`
	}, error) {
		items, err := e.Ledger.ListReservations(ctx, ledger.ReservationFilters{
			ProjectID:       defaultProject(ctx, e, input.ProjectID),
			InventoryItemID: input.ItemID,
			Status:          input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReservationResponse `json:"body"`
		}{Body: mapReservations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-reservation",
		Method:      http.MethodDelete,
		Path:        "/inventory/reservations/{reservation_id}",
		Summary:     "Cancel reservation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReservationID string `path:"reservation_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID := defaultProject(ctx, e, "")
		if err := e.CancelReservation(ctx, input.ReservationID, projectID, actorID); err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEventsFrom(ctx, normalizeLimit(input.Limit), input.Cursor,
			defaultProject(ctx, e, input.ProjectID), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, actorID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

// defaultProject picks the explicit project id, then the X-Project-Id header,
// then the configured workspace project.
func defaultProject(ctx context.Context, e engine.Engine, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Project-Id")); v != "" {
			return v
		}
	}
	if e.Config != nil {
		return e.Config.Project.ID
	}
	return ""
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
