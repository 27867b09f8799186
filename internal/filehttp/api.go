package filehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/fileguard/internal/filestore"
	"github.com/keithlinneman/fileguard/internal/httpmw"
	"github.com/keithlinneman/fileguard/internal/log"
	"github.com/keithlinneman/fileguard/internal/ratelimit"
	"github.com/keithlinneman/fileguard/internal/xerrors"
)

// Store is the file store the API serves.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, limit int64) (filestore.FileInfo, error)
	Open(ctx context.Context, name string) (*os.File, filestore.FileInfo, error)
	List(ctx context.Context) ([]filestore.FileInfo, error)
	Delete(ctx context.Context, name string) error
}

// Limiter hands out the per-category middleware, see ratelimit.Guard.
type Limiter interface {
	Middleware(c ratelimit.Category) (func(http.Handler) http.Handler, error)
	Table() ratelimit.Table
}

type Options struct {
	Store   Store
	Limiter Limiter
	Logger  log.Logger
	// MaxUploadBytes bounds a single upload, 0 means unlimited
	MaxUploadBytes int64
}

// API implements the file endpoints. Every route is bound to exactly one rate
// limit category.
type API struct {
	store     Store
	table     ratelimit.Table
	apiMW     httpmw.Middleware
	filesMW   httpmw.Middleware
	maxUpload int64
	logger    log.Logger
}

// NewAPI resolves the category middleware up front so a missing policy fails
// at start-up.
func NewAPI(opts Options) (*API, error) {
	if opts.Store == nil || opts.Limiter == nil {
		return nil, xerrors.New("filehttp: store and limiter are required")
	}
	apiMW, err := opts.Limiter.Middleware(ratelimit.CategoryAPI)
	if err != nil {
		return nil, xerrors.Wrap(err, "api rate limit")
	}
	filesMW, err := opts.Limiter.Middleware(ratelimit.CategoryFiles)
	if err != nil {
		return nil, xerrors.Wrap(err, "files rate limit")
	}
	return &API{
		store:     opts.Store,
		table:     opts.Limiter.Table(),
		apiMW:     apiMW,
		filesMW:   filesMW,
		maxUpload: opts.MaxUploadBytes,
		logger:    log.OrNop(opts.Logger),
	}, nil
}

// RegisterRoutes attaches the file endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	// scope first so limiter log lines carry the handler name
	r.With(httpmw.Compose(httpmw.Scope("limits"), api.apiMW)).Get("/api/v1/limits", api.HandleLimits)

	r.Route("/api/v1/files", func(r chi.Router) {
		r.Use(httpmw.Compose(httpmw.Scope("files"), api.filesMW))
		r.Get("/", api.HandleList)
		r.Put("/{name}", api.HandlePut)
		r.Get("/{name}", api.HandleGet)
		r.Delete("/{name}", api.HandleDelete)
	})
}

// PolicyResponse describes one category budget.
type PolicyResponse struct {
	Category      string `json:"category"`
	Max           int    `json:"max"`
	WindowSeconds int    `json:"windowSeconds"`
	Message       string `json:"message"`
}

type LimitsResponse struct {
	Policies []PolicyResponse `json:"policies"`
}

type ListResponse struct {
	Files []filestore.FileInfo `json:"files"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleLimits serves the active policy table
func (api *API) HandleLimits(w http.ResponseWriter, r *http.Request) {
	policies := api.table.Policies()
	resp := LimitsResponse{Policies: make([]PolicyResponse, 0, len(policies))}
	for _, p := range policies {
		resp.Policies = append(resp.Policies, PolicyResponse{
			Category:      string(p.Category),
			Max:           p.Max,
			WindowSeconds: p.RetryAfterSeconds(),
			Message:       p.Message,
		})
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleList serves the stored files
func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	files, err := api.store.List(ctx)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, ListResponse{Files: files})
}

// HandlePut stores the raw request body under the sanitized name
func (api *API) HandlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, ok := api.nameParam(w, r)
	if !ok {
		return
	}

	body := r.Body
	if api.maxUpload > 0 {
		body = http.MaxBytesReader(w, r.Body, api.maxUpload)
	}
	info, err := api.store.Put(ctx, name, body, api.maxUpload)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/files/"+url.PathEscape(info.Name))
	api.writeJSON(ctx, w, http.StatusCreated, info)
}

// HandleGet streams a stored file as an attachment
func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, ok := api.nameParam(w, r)
	if !ok {
		return
	}

	f, info, err := api.store.Open(ctx, name)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	defer f.Close()

	// never let a browser render user content inline
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))
	http.ServeContent(w, r, info.Name, info.ModTime, f)
}

// HandleDelete removes a stored file, missing files included
func (api *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, ok := api.nameParam(w, r)
	if !ok {
		return
	}
	if err := api.store.Delete(ctx, name); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nameParam returns the decoded {name} segment. chi routes on RawPath when it
// is set, so "%2F" arrives here still encoded.
func (api *API) nameParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	var err error
	if r.URL.RawPath != "" {
		name, err = url.PathUnescape(name)
	}
	if err != nil || name == "" {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid file name"})
		return "", false
	}
	return name, true
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, filestore.ErrInvalidName):
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid file name"})
	case errors.Is(err, filestore.ErrNotFound):
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "file not found"})
	case errors.Is(err, filestore.ErrTooLarge), errors.As(err, &tooLarge):
		api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
	default:
		api.logger.Error(ctx, err, "file request failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
