// Package httptransport exposes the read-side API over HTTP: search,
// lookup, stats, streaming export, integrity verification, and queue
// inspection. It is a thin layer over the query service; no business
// logic lives here.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"audittrail/internal/audit"
	"audittrail/internal/integrity"
	"audittrail/internal/platform/middleware"
	"audittrail/internal/query"
	"audittrail/internal/queue"
	"audittrail/internal/storage"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// QueryService is the read-side surface the handlers delegate to.
type QueryService interface {
	Search(ctx context.Context, f storage.Filters, p storage.Page, s storage.Sort) (query.Result, error)
	Get(ctx context.Context, id string) (*query.RecordView, error)
	Stats(ctx context.Context, from, to time.Time) (storage.Stats, error)
	Export(ctx context.Context, f storage.Filters, format query.Format, w io.Writer) (int64, error)
	VerifyRange(ctx context.Context, from, to time.Time) (integrity.Report, error)
}

// Handler wires audit endpoints to the query service and the queue.
type Handler struct {
	query  QueryService
	sink   audit.Sink
	queue  queue.Queue
	topics []string
	logger *slog.Logger
}

func NewHandler(q QueryService, sink audit.Sink, jobQueue queue.Queue, topics []string, logger *slog.Logger) *Handler {
	return &Handler{
		query:  q,
		sink:   sink,
		queue:  jobQueue,
		topics: topics,
		logger: logger,
	}
}

// Register mounts the audit API under /v1/audit.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1/audit", func(r chi.Router) {
		r.Post("/events", h.handleIngest)
		r.Get("/events", h.handleSearch)
		r.Get("/events/{id}", h.handleGet)
		r.Get("/stats", h.handleStats)
		r.Get("/export", h.handleExport)
		r.Post("/verify", h.handleVerify)
		r.Get("/queue", h.handleQueueStats)
		r.Get("/queue/{topic}/dead", h.handleDeadLetters)
	})
}

// handleIngest handles POST /v1/audit/events for callers that cannot embed
// the emitter in-process. Emission never fails from the caller's view, so
// a well-formed request is always 202: validation failures are dropped and
// counted downstream exactly as with in-process emission.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var event audit.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed event payload")
		return
	}
	h.sink.Emit(ctx, event)
	w.WriteHeader(http.StatusAccepted)
}

// handleSearch handles GET /v1/audit/events.
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sort := parseSort(r)

	result, err := h.query.Search(ctx, f, page, sort)
	if err != nil {
		h.logger.ErrorContext(ctx, "event search failed",
			"request_id", middleware.GetRequestID(ctx), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Records: result.Records,
		Total:   result.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
	})
}

type searchResponse struct {
	Records []*query.RecordView `json:"records"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// handleGet handles GET /v1/audit/events/{id}.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	record, err := h.query.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no audit record %q", id))
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "event lookup failed",
			"request_id", middleware.GetRequestID(ctx), "record_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleStats handles GET /v1/audit/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	stats, err := h.query.Stats(ctx, from, to)
	if err != nil {
		h.logger.ErrorContext(ctx, "stats aggregation failed",
			"request_id", middleware.GetRequestID(ctx), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleExport handles GET /v1/audit/export. The response streams; once the
// first byte is written the status code is committed, so errors mid-stream
// can only be logged and the connection closed short.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	format, err := query.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	filename := "audit_export_" + time.Now().UTC().Format("20060102T150405")
	var out io.Writer = w
	gzipped := r.URL.Query().Get("compress") == "true"
	if gzipped {
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+extension(format)+".gz"))
		gz := gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	} else {
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+extension(format)))
	}

	written, err := h.query.Export(ctx, f, format, out)
	if err != nil {
		h.logger.ErrorContext(ctx, "export aborted mid-stream",
			"request_id", middleware.GetRequestID(ctx), "written", written, "error", err)
		return
	}
	h.logger.InfoContext(ctx, "export completed",
		"request_id", middleware.GetRequestID(ctx), "records", written, "format", string(format), "gzip", gzipped)
}

func extension(f query.Format) string {
	if f == query.FormatCSV {
		return ".csv"
	}
	return ".jsonl"
}

// handleVerify handles POST /v1/audit/verify: a full integrity sweep over
// the requested range. Findings are reported, never auto-corrected.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	report, err := h.query.VerifyRange(ctx, from, to)
	if err != nil {
		h.logger.ErrorContext(ctx, "integrity sweep failed",
			"request_id", middleware.GetRequestID(ctx), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleQueueStats handles GET /v1/audit/queue: a per-topic snapshot of the
// delivery state machine plus live worker counts.
func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	type topicStats struct {
		Topic   string      `json:"topic"`
		Workers int         `json:"workers"`
		Stats   queue.Stats `json:"stats"`
	}

	out := make([]topicStats, 0, len(h.topics))
	for _, topic := range h.topics {
		stats, err := h.queue.Stats(ctx, topic)
		if err != nil {
			h.logger.ErrorContext(ctx, "queue stats failed", "topic", topic, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		workers, err := h.queue.WorkerCount(ctx, topic)
		if err != nil {
			h.logger.ErrorContext(ctx, "worker count failed", "topic", topic, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		out = append(out, topicStats{Topic: topic, Workers: workers, Stats: stats})
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

// handleDeadLetters handles GET /v1/audit/queue/{topic}/dead.
func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic := chi.URLParam(r, "topic")

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := h.queue.DeadLetters(ctx, topic, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "dead-letter listing failed", "topic", topic, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "jobs": jobs})
}

// Healthz reports liveness of the pipeline: storage reachable and every
// topic covered by at least one worker.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := queue.VerifyWorkers(ctx, h.queue, h.topics...); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- query-string parsing ---

func parseFilters(r *http.Request) (storage.Filters, error) {
	q := r.URL.Query()
	var f storage.Filters

	var err error
	if f.From, f.To, err = parseRange(r); err != nil {
		return f, err
	}

	for _, s := range splitMulti(q["event_type"]) {
		f.EventTypes = append(f.EventTypes, audit.EventType(s))
	}
	for _, s := range splitMulti(q["severity"]) {
		sev := audit.Severity(strings.ToUpper(s))
		if !sev.Valid() {
			return f, fmt.Errorf("unknown severity %q", s)
		}
		f.Severities = append(f.Severities, sev)
	}

	f.EntityName = q.Get("entity_name")
	f.EntityID = q.Get("entity_id")
	f.ActorID = q.Get("actor_id")
	f.ClientIP = q.Get("client_ip")
	f.Search = q.Get("search")
	return f, nil
}

// splitMulti accepts both repeated params and comma-separated lists.
func splitMulti(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			return from, to, fmt.Errorf("invalid from timestamp %q, want RFC3339", s)
		}
	}
	if s := q.Get("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			return from, to, fmt.Errorf("invalid to timestamp %q, want RFC3339", s)
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("to precedes from")
	}
	return from, to, nil
}

func parsePage(r *http.Request) (storage.Page, error) {
	q := r.URL.Query()
	p := storage.Page{Limit: defaultPageLimit}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return p, fmt.Errorf("limit must be a positive integer")
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		p.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, fmt.Errorf("offset must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}

func parseSort(r *http.Request) storage.Sort {
	q := r.URL.Query()
	return storage.Sort{
		Field: q.Get("sort"),
		Asc:   q.Get("order") == "asc",
	}
}
