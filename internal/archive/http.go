package archive

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/mediapack/internal/media"
)

// HTTPParams configures the HTTP surface.
type HTTPParams struct {
	Service *Service
	Logger  *zap.Logger
	// MaxBodyBytes caps the create request body.
	MaxBodyBytes int64
	// SyncWait is how long an immediate-tier create blocks for the result
	// before answering. Must stay under the route timeout.
	SyncWait time.Duration
}

// HTTPHandler exposes REST endpoints for the archive service.
type HTTPHandler struct {
	service      *Service
	logger       *zap.Logger
	maxBodyBytes int64
	syncWait     time.Duration
	router       chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(p HTTPParams) *HTTPHandler {
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = 1 << 20
	}
	if p.SyncWait == 0 {
		p.SyncWait = 25 * time.Second
	}
	h := &HTTPHandler{
		service:      p.Service,
		logger:       p.Logger,
		maxBodyBytes: p.MaxBodyBytes,
		syncWait:     p.SyncWait,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Post("/api/v1/archives", h.handleCreate)
	r.Get("/api/v1/archives/{requestID}", h.handleStatus)

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type fileRequest struct {
	FileName string `json:"fileName"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	Kind     string `json:"kind"`
}

type createRequest struct {
	EventID   string        `json:"eventId"`
	RequestID string        `json:"requestId"`
	Email     string        `json:"email"`
	Files     []fileRequest `json:"files"`
}

type acceptanceResponse struct {
	Success              bool   `json:"success"`
	RequestID            string `json:"requestId"`
	Tier                 Tier   `json:"tier"`
	EstimatedTimeSeconds int    `json:"estimatedTimeSeconds"`
}

type rejectionResponse struct {
	Success           bool   `json:"success"`
	Reason            string `json:"reason"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var payload createRequest
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	files := make([]media.FileRef, 0, len(payload.Files))
	for _, f := range payload.Files {
		files = append(files, media.FileRef{
			FileName:  f.FileName,
			SourceURL: f.URL,
			SizeBytes: f.Size,
			Kind:      media.Kind(f.Kind),
		})
	}

	req, err := NewRequest(payload.RequestID, payload.EventID, payload.Email, clientIdentity(r), files, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, err := h.service.Submit(req)
	if err != nil {
		h.writeSubmitError(w, req.ID, err)
		return
	}

	code := http.StatusAccepted
	if ticket.Tier == TierImmediate {
		// Give an immediate-tier archive the chance to finish within the
		// request lifetime. The outcome itself still travels through the
		// notifier and the status endpoint.
		wctx, cancel := context.WithTimeout(r.Context(), h.syncWait)
		h.service.Wait(wctx, ticket.RequestID)
		cancel()
		code = http.StatusOK
	}

	w.Header().Set("Location", "/api/v1/archives/"+ticket.RequestID)
	writeJSON(w, code, acceptanceResponse{
		Success:              true,
		RequestID:            ticket.RequestID,
		Tier:                 ticket.Tier,
		EstimatedTimeSeconds: ticket.EstimatedSeconds,
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := h.service.Status(chi.URLParam(r, "requestID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request id")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTPHandler) writeSubmitError(w http.ResponseWriter, requestID string, err error) {
	var rejected *RejectedError
	var busy *BusyError
	switch {
	case errors.As(err, &rejected):
		retryAfter := int(math.Ceil(rejected.Decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, rejectionResponse{
			Success:           false,
			Reason:            string(rejected.Decision.Reason),
			RetryAfterSeconds: retryAfter,
		})
	case errors.As(err, &busy):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrDuplicateRequest):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrTooManyFiles):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNothingToArchive):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("submit failed", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
	}
}

// clientIdentity is the caller's network origin. RealIP has already folded
// any forwarding headers into RemoteAddr.
func clientIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}
