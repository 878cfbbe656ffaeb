package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/italolelis/groupfetch/internal/scheduler"
	"github.com/italolelis/groupfetch/internal/storage"
)

const maxBodySize = 1 << 20

// GroupService is what the API needs from the scheduler.
type GroupService interface {
	Submit(ctx context.Context, spec group.Spec) (*group.Group, error)
	Resume(ctx context.Context, key string) (*group.Group, error)
	Stop(ctx context.Context, key string) error
	Cancel(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*group.Group, error)
	List(ctx context.Context) ([]*group.Group, error)
	Resumable(ctx context.Context) ([]*group.Group, error)
	Delete(ctx context.Context, key string) error
}

// SchedulerService exposes a *scheduler.Scheduler as a GroupService.
type SchedulerService struct {
	*scheduler.Scheduler
}

func (s SchedulerService) Submit(ctx context.Context, spec group.Spec) (*group.Group, error) {
	h, err := s.Scheduler.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}

	return h.Snapshot(), nil
}

func (s SchedulerService) Resume(ctx context.Context, key string) (*group.Group, error) {
	h, err := s.Scheduler.Resume(ctx, key)
	if err != nil {
		return nil, err
	}

	return h.Snapshot(), nil
}

type GroupHandler struct {
	svc      GroupService
	username string
	password string
}

// NewGroupHandler creates the group API. Empty credentials disable basic auth.
func NewGroupHandler(svc GroupService, username, password string) *GroupHandler {
	return &GroupHandler{svc: svc, username: username, password: password}
}

func (h *GroupHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/", h.HandleSubmit)
	r.Get("/", h.HandleList)
	r.Get("/resumable", h.HandleResumable)
	r.Get("/{key}", h.HandleGet)
	r.Delete("/{key}", h.HandleDelete)
	r.Post("/{key}/stop", h.HandleStop)
	r.Post("/{key}/cancel", h.HandleCancel)
	r.Post("/{key}/resume", h.HandleResume)

	return r
}

func (h *GroupHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var spec group.Spec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&spec); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	g, err := h.svc.Submit(r.Context(), spec)
	if err != nil {
		h.fail(w, r, "submit", err)

		return
	}

	logger.InfoContext(r.Context(), "group submitted", "group_key", g.Key, "sub_tasks", len(g.SubTasks))
	writeJSON(w, http.StatusAccepted, g)
}

func (h *GroupHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.List(r.Context())
	if err != nil {
		h.fail(w, r, "list", err)

		return
	}

	writeJSON(w, http.StatusOK, groups)
}

func (h *GroupHandler) HandleResumable(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.Resumable(r.Context())
	if err != nil {
		h.fail(w, r, "resumable", err)

		return
	}

	writeJSON(w, http.StatusOK, groups)
}

func (h *GroupHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, "get", err)

		return
	}

	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.fail(w, r, "delete", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "stop", h.svc.Stop)
}

func (h *GroupHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "cancel", h.svc.Cancel)
}

func (h *GroupHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Resume(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, "resume", err)

		return
	}

	writeJSON(w, http.StatusAccepted, g)
}

// control runs a stop or cancel and answers with the resulting snapshot.
func (h *GroupHandler) control(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) error) {
	key := chi.URLParam(r, "key")

	if err := fn(r.Context(), key); err != nil {
		h.fail(w, r, op, err)

		return
	}

	g, err := h.svc.Get(r.Context(), key)
	if err != nil {
		h.fail(w, r, op, err)

		return
	}

	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "group operation failed", "op", op, "err", err)
	} else {
		logger.DebugContext(r.Context(), "group operation rejected", "op", op, "status", status, "err", err)
	}

	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var (
		verr *group.ValidationError
		perr *storage.PersistenceError
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrGroupActive),
		errors.Is(err, scheduler.ErrNotActive),
		errors.Is(err, scheduler.ErrNotResumable):
		return http.StatusConflict
	case errors.As(err, &perr), errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *GroupHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="groupfetch"`)
			writeError(w, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
