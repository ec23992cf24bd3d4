package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kecupro/SoftwareManage-sub001/internal/attachments"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine/auth"
	"github.com/Kecupro/SoftwareManage-sub001/internal/metrics"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	Auth        AuthConfig
	Attachments attachments.Store
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state_transition"`
	Message string         `json:"message" example:"module 42: cannot move delivery_status from accepted to rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current\":\"accepted\"}"`
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

type output[T any] struct {
	Body T `json:"body"`
}

type idPath struct {
	ID string `path:"id"`
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// New returns an HTTP handler exposing the workflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		code := ""
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures share the engine's 400 code.
			status = http.StatusBadRequest
			code = "validation_failed"
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(captureBody)
	hcfg := huma.DefaultConfig("Module Delivery API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerDirectory(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerModules(group, cfg.Engine)
	registerDelivery(group, cfg.Engine)
	registerWork(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	if cfg.Attachments != nil {
		registerAttachments(group, router, basePath, cfg.Engine, cfg.Attachments)
	}
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": string(fe.Action)})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_state_transition", err.Error(), map[string]any{
			"field":   te.Field,
			"current": te.Current,
			"target":  te.Target,
		})
	}
	var de engine.DuplicateCodeError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "duplicate_code", err.Error(), map[string]any{"code": de.Code})
	}
	switch {
	case errors.Is(err, repo.ErrDuplicateCode):
		return newAPIError(http.StatusConflict, "duplicate_code", "code already in use", nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, attachments.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, attachments.ErrTooLarge):
		return newAPIError(http.StatusRequestEntityTooLarge, "", err.Error(), nil)
	}
	slog.Default().Error("request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// maxJSONBody bounds the bodies captureBody buffers.
const maxJSONBody = 1 << 20

// captureBody keeps a copy of structured bodies so PATCH handlers can tell
// omitted keys from explicit empty values. Raw uploads stream through under
// the attachment limit and are never buffered here.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey{}, r)))
			return
		}
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/octet-stream" {
			r.Body = http.MaxBytesReader(w, r.Body, attachments.MaxSize)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey{}, r)))
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "", "request body too large", map[string]any{"limit": tooLarge.Limit}))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "", "could not read request body", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		ctx := context.WithValue(r.Context(), requestKey{}, r)
		ctx = context.WithValue(ctx, bodyBytesKey{}, data)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start))
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, m *metrics.Metrics) {
	if m == nil {
		return
	}
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
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
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Module Delivery API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return &output[map[string]string]{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "", "authentication required", nil)
		}
		u, err := e.Directory.Actor(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[WhoAmIResponse]{Body: WhoAmIResponse{
			UserID:    u.ID,
			Name:      u.Name,
			Role:      u.Role,
			PartnerID: u.PartnerID,
			Source:    principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing user",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" || userID == engine.OperatorActor {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "user_id is required", map[string]any{"field": "user_id"})
		}
		if _, err := e.Directory.Actor(ctx, userID); err != nil {
			return nil, handleError(err)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &output[DevLoginResponse]{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-partner",
		Method:        http.MethodPost,
		Path:          "/partners",
		Summary:       "Create partner",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePartnerRequest `json:"body"`
	}) (*output[domain.Partner], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePartner(ctx, engine.PartnerInput{
			Code:         input.Body.Code,
			Name:         input.Body.Name,
			ContactEmail: input.Body.ContactEmail,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Partner]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-partner",
		Method:      http.MethodGet,
		Path:        "/partners/{id}",
		Summary:     "Get partner",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Partner], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetPartner(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Partner]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*output[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectInput{
			Code:        input.Body.Code,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ManagerID:   input.Body.ManagerID,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-module-request",
		Method:        http.MethodPost,
		Path:          "/module-requests",
		Summary:       "File a module request",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateModuleRequestRequest `json:"body"`
	}) (*output[domain.ModuleRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateRequest(ctx, input.Body.input(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.ModuleRequest]{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-module-request",
		Method:      http.MethodGet,
		Path:        "/module-requests/{id}",
		Summary:     "Get module request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.ModuleRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.GetRequest(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.ModuleRequest]{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-module-request",
		Method:      http.MethodPatch,
		Path:        "/module-requests/{id}",
		Summary:     "Edit a pending module request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body UpdateModuleRequestRequest `json:"body"`
	}) (*output[domain.ModuleRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		upd := engine.RequestUpdate{
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			Priority:       input.Body.Priority,
			EstimatedHours: input.Body.EstimatedHours,
			Timeline:       input.Body.RequestedTimeline,
			Requirements:   input.Body.Requirements,
		}
		if _, ok := rawBodyMap(ctx)["attachments"]; ok {
			refs := nonNilSlice(input.Body.Attachments)
			upd.Attachments = &refs
		}
		req, err := e.UpdateRequest(ctx, input.ID, upd, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.ModuleRequest]{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-module-request",
		Method:      http.MethodPost,
		Path:        "/module-requests/{id}/approve",
		Summary:     "Approve a pending request and create its module",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body *ApproveRequestRequest `json:"body"`
	}) (*output[engine.ApprovalResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var in engine.ApprovalInput
		if input.Body != nil {
			in = input.Body.input()
		}
		res, err := e.ApproveRequest(ctx, input.ID, in, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[engine.ApprovalResult]{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-module-request",
		Method:      http.MethodPost,
		Path:        "/module-requests/{id}/reject",
		Summary:     "Reject a pending request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body *RejectRequestRequest `json:"body"`
	}) (*output[domain.ModuleRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		note := ""
		if input.Body != nil {
			note = input.Body.ReviewNote
		}
		req, err := e.RejectRequest(ctx, input.ID, note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.ModuleRequest]{Body: req}, nil
	})
}

func registerModules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-module",
		Method:        http.MethodPost,
		Path:          "/modules",
		Summary:       "Create a module directly",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateModuleRequest `json:"body"`
	}) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateModule(ctx, input.Body.input(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-module",
		Method:      http.MethodGet,
		Path:        "/modules/{id}",
		Summary:     "Get module",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GetModule(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-module",
		Method:      http.MethodPatch,
		Path:        "/modules/{id}",
		Summary:     "Update module fields",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateModuleRequest `json:"body"`
	}) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateModule(ctx, input.ID, input.Body.input(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-module-status",
		Method:      http.MethodPut,
		Path:        "/modules/{id}/status",
		Summary:     "Move a module along its status lane",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ModuleStatusRequest `json:"body"`
	}) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateModuleStatus(ctx, input.ID, input.Body.Status, input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})
}

func registerDelivery(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-delivery",
		Method:      http.MethodPost,
		Path:        "/modules/{id}/delivery",
		Summary:     "Submit a delivery",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body SubmitDeliveryRequest `json:"body"`
	}) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SubmitDelivery(ctx, input.ID, engine.DeliveryInput{
			Files:  input.Body.Files,
			Commit: input.Body.Commit,
			Note:   input.Body.Note,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-delivery",
		Method:      http.MethodPost,
		Path:        "/modules/{id}/review",
		Summary:     "Record the internal review of a pending delivery",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ReviewDeliveryRequest `json:"body"`
	}) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ReviewDelivery(ctx, input.ID, input.Body.Decision, input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-module",
		Method:      http.MethodPost,
		Path:        "/modules/{id}/reject",
		Summary:     "Reject a module",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body *NoteRequest `json:"body"`
	}) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RejectModule(ctx, input.ID, noteOf(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-delivery",
		Method:      http.MethodPost,
		Path:        "/modules/{id}/accept",
		Summary:     "Partner accepts a pending delivery",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body *NoteRequest `json:"body"`
	}) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AcceptDelivery(ctx, input.ID, noteOf(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "partner-reject-delivery",
		Method:      http.MethodPost,
		Path:        "/modules/{id}/partner-reject",
		Summary:     "Partner rejects a pending delivery",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body PartnerRejectRequest `json:"body"`
	}) (*output[domain.Module], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.PartnerRejectDelivery(ctx, input.ID, input.Body.RejectionReason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Module]{Body: m}, nil
	})
}

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskInput{
			ProjectID:   input.Body.ProjectID,
			ModuleID:    input.Body.ModuleID,
			ParentID:    input.Body.ParentID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			AssigneeID:  input.Body.AssigneeID,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task with history",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, input.ID, engine.TaskUpdate{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			AssigneeID:  input.Body.AssigneeID,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Task]{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user-story",
		Method:        http.MethodPost,
		Path:          "/user-stories",
		Summary:       "Create user story",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateStoryRequest `json:"body"`
	}) (*output[domain.UserStory], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStory(ctx, engine.StoryInput{
			ModuleID:    input.Body.ModuleID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      input.Body.Status,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.UserStory]{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user-story",
		Method:      http.MethodPatch,
		Path:        "/user-stories/{id}",
		Summary:     "Update user story",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateStoryRequest `json:"body"`
	}) (*output[domain.UserStory], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateStory(ctx, input.ID, engine.StoryUpdate{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      input.Body.Status,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.UserStory]{Body: s}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List own notifications, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit" minimum:"0" maximum:"500"`
	}) (*output[NotificationListResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListNotifications(ctx, actorID, input.Unread, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[NotificationListResponse]{Body: NotificationListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-all-notifications",
		Method:      http.MethodPost,
		Path:        "/notifications/read-all",
		Summary:     "Mark every own notification read",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*output[MarkAllReadResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.MarkAllNotificationsRead(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[MarkAllReadResponse]{Body: MarkAllReadResponse{Updated: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkNotificationRead(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-notification",
		Method:      http.MethodDelete,
		Path:        "/notifications/{id}",
		Summary:     "Delete a notification",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteNotification(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAttachments(api huma.API, r chi.Router, basePath string, e engine.Engine, store attachments.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-attachment",
		Method:        http.MethodPost,
		Path:          "/attachments",
		Summary:       "Upload a file and get its reference",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  attachments.MaxSize,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusRequestEntityTooLarge, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Name        string `query:"name" required:"true"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte `contentType:"application/octet-stream"`
	}) (*output[domain.AttachmentRef], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "name is required", map[string]any{"field": "name"})
		}
		ref, err := store.Store(ctx, input.Name, input.ContentType, bytes.NewReader(input.RawBody))
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RecordAttachment(ctx, ref, actorID); err != nil {
			return nil, handleError(err)
		}
		return &output[domain.AttachmentRef]{Body: ref}, nil
	})

	r.Get(path.Join(basePath, "files/{id}"), func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		actorID, authErr := actorIDFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if err := e.AuthorizeDownload(req.Context(), id, actorID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		f, err := store.Open(req.Context(), id)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer f.Close()
		http.ServeContent(w, req, id, time.Time{}, f)
	})
}

func noteOf(n *NoteRequest) string {
	if n == nil {
		return ""
	}
	return n.Note
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

// rawBodyMap exposes which top-level keys a PATCH body carried, so explicit
// empty values can be told apart from omitted ones.
func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}
