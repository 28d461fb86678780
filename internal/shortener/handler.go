package shortener

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sundayezeilo/urlgroups/internal/errx"
	"github.com/sundayezeilo/urlgroups/internal/httpx"
)

// ShortenRequest is the JSON body of POST /api/v1/new.
type ShortenRequest struct {
	Target string `json:"target"`
}

// GroupRequest is the JSON body for creating or editing a group.
type GroupRequest struct {
	Password string   `json:"password"`
	Children []string `json:"children"`
}

// LinkResponse is the public representation of a Link.
type LinkResponse struct {
	ID        string    `json:"id"`
	GroupID   *string   `json:"groupId"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GroupResponse is the public representation of a GroupView. The secret is
// never included.
type GroupResponse struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Children  []LinkResponse `json:"children"`
}

func NewLinkResponse(l Link) LinkResponse {
	return LinkResponse{
		ID:        l.ID,
		GroupID:   l.GroupID,
		Target:    l.Target,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	}
}

func NewGroupResponse(v GroupView) GroupResponse {
	children := make([]LinkResponse, 0, len(v.Children))
	for _, l := range v.Children {
		children = append(children, NewLinkResponse(l))
	}
	return GroupResponse{
		ID:        v.Group.ID,
		CreatedAt: v.Group.CreatedAt,
		UpdatedAt: v.Group.UpdatedAt,
		Children:  children,
	}
}

// Handler provides HTTP handlers for links and groups.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Service Service
	Logger  *slog.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		service: cfg.Service,
		logger:  logger,
	}
}

// Routes registers the handler on r.
func (h *Handler) Routes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/new", h.Shorten).Methods(http.MethodPost)
	api.HandleFunc("/group", h.CreateGroup).Methods(http.MethodPost)
	api.HandleFunc("/group/{groupId}", h.RetrieveGroup).Methods(http.MethodGet)
	api.HandleFunc("/group/{groupId}", h.EditGroup).Methods(http.MethodPut)
	api.HandleFunc("/{linkId}", h.Retrieve).Methods(http.MethodGet)

	r.HandleFunc("/{linkId}", h.Redirect).Methods(http.MethodGet)
}

// Shorten handles POST /api/v1/new.
func (h *Handler) Shorten(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	req, err := httpx.DecodeJSON[ShortenRequest](r)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	in, err := ParseShortenInput(req.Target)
	if err != nil {
		logger.WarnContext(ctx, "request validation failed", "error", err.Error(), "target", req.Target)
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", unwrapMessage(err), nil)
		return
	}

	link, err := h.service.Shorten(ctx, in)
	if err != nil {
		h.handleError(ctx, w, err, "Unable to shorten this link at this time. Please try again.")
		return
	}

	logger.InfoContext(ctx, "link shortened", "link_id", link.ID)
	httpx.WriteJSON(w, http.StatusCreated, NewLinkResponse(link))
}

// Retrieve handles GET /api/v1/{linkId}.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	link, err := h.service.Retrieve(ctx, mux.Vars(r)["linkId"])
	if err != nil {
		h.handleError(ctx, w, err, "short link doesn't exist")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, NewLinkResponse(link))
}

// Redirect handles GET /{linkId} by redirecting to the link target.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)
	id := mux.Vars(r)["linkId"]

	link, err := h.service.Retrieve(ctx, id)
	if err != nil {
		h.handleError(ctx, w, err, "short link doesn't exist")
		return
	}

	logger.InfoContext(ctx, "link resolved",
		"link_id", id,
		"user_agent", r.UserAgent(),
		"referer", r.Referer(),
	)
	http.Redirect(w, r, link.Target, http.StatusFound)
}

// CreateGroup handles POST /api/v1/group.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	req, err := httpx.DecodeJSON[GroupRequest](r)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	in, err := ParseCreateGroupInput(req.Password, req.Children)
	if err != nil {
		logger.WarnContext(ctx, "request validation failed", "error", err.Error(), "children", len(req.Children))
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", unwrapMessage(err), nil)
		return
	}

	view, err := h.service.CreateGroup(ctx, in)
	if err != nil {
		h.handleError(ctx, w, err, "Unable to create this group at this time. Please try again.")
		return
	}

	logger.InfoContext(ctx, "group created",
		"group_id", view.Group.ID,
		"children", len(view.Children),
	)
	httpx.WriteJSON(w, http.StatusCreated, NewGroupResponse(view))
}

// RetrieveGroup handles GET /api/v1/group/{groupId}.
func (h *Handler) RetrieveGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	view, err := h.service.RetrieveGroup(ctx, mux.Vars(r)["groupId"])
	if err != nil {
		h.handleError(ctx, w, err, "group doesn't exist")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, NewGroupResponse(view))
}

// EditGroup handles PUT /api/v1/group/{groupId}.
func (h *Handler) EditGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	req, err := httpx.DecodeJSON[GroupRequest](r)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	in, err := ParseEditGroupInput(mux.Vars(r)["groupId"], req.Password, req.Children)
	if err != nil {
		logger.WarnContext(ctx, "request validation failed", "error", err.Error(), "children", len(req.Children))
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", unwrapMessage(err), nil)
		return
	}

	view, err := h.service.EditGroup(ctx, in)
	if err != nil {
		h.handleError(ctx, w, err, "Unable to update this group at this time. Please try again.")
		return
	}

	logger.InfoContext(ctx, "group updated",
		"group_id", view.Group.ID,
		"children", len(view.Children),
	)
	httpx.WriteJSON(w, http.StatusOK, NewGroupResponse(view))
}

// handleError maps service errors to responses. fallback is shown for
// failures whose detail must not reach the client.
func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error, fallback string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"request_id", httpx.GetRequestID(ctx),
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	switch kind {
	case errx.NotFound:
		h.logger.WarnContext(ctx, "resource not found", logAttrs...)
		httpx.WriteKindError(w, err, fallback)

	case errx.Invalid:
		h.logger.WarnContext(ctx, "invalid request", logAttrs...)
		httpx.WriteKindError(w, err, unwrapMessage(err))

	case errx.Unauthorized:
		h.logger.WarnContext(ctx, "group secret rejected", logAttrs...)
		httpx.WriteKindError(w, err, "password does not match")

	case errx.Unavailable:
		h.logger.ErrorContext(ctx, "service unavailable", logAttrs...)
		httpx.WriteKindError(w, err, fallback)

	default:
		h.logger.ErrorContext(ctx, "unexpected error", logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With(
		"request_id", httpx.GetRequestID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
	)
}

// unwrapMessage returns the innermost message of an errx chain, which is the
// part meant for the client.
func unwrapMessage(err error) string {
	for {
		e, ok := err.(*errx.Error)
		if !ok || e.Err == nil {
			return err.Error()
		}
		err = e.Err
	}
}
