package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/pipeline"
	"github.com/sells-group/prospect-sync/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	// defaultLookbackHours is the health window when none is given.
	defaultLookbackHours = 24
)

// query wraps URL parameters and collects the first parse error.
type query struct {
	r   *http.Request
	err error
}

func (q *query) str(name string) string {
	return strings.TrimSpace(q.r.URL.Query().Get(name))
}

func (q *query) num(name string, def int) int {
	raw := q.str(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		q.fail("invalid " + name)
		return def
	}
	return n
}

func (q *query) limit() int {
	n := q.num("limit", defaultLimit)
	if n == 0 || n > maxLimit {
		n = maxLimit
	}
	return n
}

func (q *query) flag(name string) *bool {
	raw := q.str(name)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		q.fail("invalid " + name)
		return nil
	}
	return &b
}

func (q *query) timestamp(name string) time.Time {
	raw := q.str(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		q.fail("invalid " + name + ": want RFC 3339")
		return time.Time{}
	}
	return t
}

func (q *query) fail(msg string) {
	if q.err == nil {
		q.err = errors.New(msg)
	}
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	q := &query{r: r}
	hours := q.num("hours", defaultLookbackHours)
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: store ping failed", zap.String("component", "api"), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Data:  map[string]string{"status": "degraded", "store": "unreachable"},
			Error: &apiError{Code: "SERVICE_UNAVAILABLE", Message: "store unreachable"},
		})
		return
	}
	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, map[string]any{
		"status": "ok",
		"health": snap,
	})
}

// --- Prospects ---

func (s *Server) handleListProspects(w http.ResponseWriter, r *http.Request) {
	q := &query{r: r}
	filter := store.ProspectFilter{
		Position: strings.ToUpper(q.str("position")),
		College:  q.str("college"),
		Name:     q.str("name"),
		Limit:    q.limit(),
		Offset:   q.num("offset", 0),
	}
	if raw := q.str("status"); raw != "" {
		st, err := model.ParseProspectStatus(raw)
		if err != nil {
			q.fail(err.Error())
		}
		filter.Status = st
	}
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}

	summaries, err := s.store.ListSummaries(r.Context(), filter)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, summaries)
}

type prospectDetail struct {
	*model.CanonicalProspect
	Fields []model.CanonicalField `json:"fields"`
}

func (s *Server) handleGetProspect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store.GetProspect(r.Context(), id)
	if err != nil {
		storeError(w, r, err)
		return
	}
	fields, err := s.store.ListFields(r.Context(), id)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, prospectDetail{CanonicalProspect: p, Fields: fields})
}

func (s *Server) handleSetProspectStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	status, err := model.ParseProspectStatus(req.Status)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.SetProspectStatus(r.Context(), id, status); err != nil {
		storeError(w, r, err)
		return
	}
	p, err := s.store.GetProspect(r.Context(), id)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, p)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id, field := chi.URLParam(r, "id"), chi.URLParam(r, "field")
	if _, err := s.store.GetProspect(r.Context(), id); err != nil {
		storeError(w, r, err)
		return
	}

	q := &query{r: r}
	asOf := q.timestamp("as_of")
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}
	if !asOf.IsZero() {
		e, err := s.history.AsOf(r.Context(), id, field, asOf)
		if err != nil {
			storeError(w, r, err)
			return
		}
		ok(w, e)
		return
	}

	exp, err := s.history.Explain(r.Context(), id, field)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, exp)
}

// --- Conflicts, quarantine, quality ---

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := &query{r: r}
	filter := store.ConflictFilter{
		EntityID:  q.str("entity_id"),
		FieldName: q.str("field"),
		RunID:     q.str("run_id"),
		Limit:     q.limit(),
	}
	if open := q.flag("open"); open != nil {
		filter.Open = *open
	}
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}
	conflicts, err := s.store.ListConflicts(r.Context(), filter)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, conflicts)
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	q := &query{r: r}
	filter := store.QuarantineFilter{
		RunID:        q.str("run_id"),
		ExtractionID: q.str("extraction_id"),
		Source:       model.Source(q.str("source")),
		Limit:        q.limit(),
	}
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}
	recs, err := s.store.ListQuarantine(r.Context(), filter)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, recs)
}

func (s *Server) handleListQuality(w http.ResponseWriter, r *http.Request) {
	q := &query{r: r}
	filter := store.QualityFilter{
		RunID:    q.str("run_id"),
		Scope:    model.Scope(q.str("scope")),
		Position: strings.ToUpper(q.str("position")),
		Source:   model.Source(q.str("source")),
		Limit:    q.limit(),
	}
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}
	metrics, err := s.store.ListQualityMetrics(r.Context(), filter)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, metrics)
}

// --- Alerts ---

func alertFilter(q *query) store.AlertFilter {
	f := store.AlertFilter{
		Type:         model.AlertType(q.str("type")),
		Position:     strings.ToUpper(q.str("position")),
		Source:       model.Source(q.str("source")),
		Acknowledged: q.flag("acknowledged"),
		Since:        q.timestamp("since"),
		Limit:        q.limit(),
	}
	if raw := q.str("severity"); raw != "" {
		sev, err := model.ParseSeverity(raw)
		if err != nil {
			q.fail(err.Error())
		}
		f.Severity = sev
	}
	return f
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := &query{r: r}
	filter := alertFilter(q)
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}
	alerts, err := s.alerts.List(r.Context(), filter)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, alerts)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	q := &query{r: r}
	filter := alertFilter(q)
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}
	d, err := s.alerts.Digest(r.Context(), filter)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, d)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AcknowledgedBy) == "" {
		badRequest(w, "acknowledged_by is required")
		return
	}
	a, err := s.alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.AcknowledgedBy)
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, a)
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := &query{r: r}
	filter := store.RunFilter{
		Status:       model.RunStatus(q.str("status")),
		ExtractionID: q.str("extraction_id"),
		Limit:        q.limit(),
		Offset:       q.num("offset", 0),
	}
	if q.err != nil {
		badRequest(w, q.err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		storeError(w, r, err)
		return
	}
	out := make([]model.RunSummary, 0, len(runs))
	for i := range runs {
		out = append(out, runs[i].Summary())
	}
	ok(w, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, r, err)
		return
	}
	ok(w, run)
}

type triggerRequest struct {
	ExtractionID string `json:"extraction_id"`
	Replay       bool   `json:"replay"`
	Policy       string `json:"failure_policy"`
}

// handleTriggerRun starts a run in the background and answers with its id
// straight away. Poll GET /runs/{id} for the outcome.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		fail(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "runs cannot be started on this server")
		return
	}

	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}
	if req.Replay && req.ExtractionID == "" {
		badRequest(w, "replay requires extraction_id")
		return
	}
	opts := pipeline.RunOptions{
		RunID:        uuid.NewString(),
		ExtractionID: req.ExtractionID,
		Replay:       req.Replay,
	}
	if opts.ExtractionID == "" {
		opts.ExtractionID = uuid.NewString()
	}
	if req.Policy != "" {
		p, err := model.ParseFailurePolicy(req.Policy)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		opts.Policy = p
	}
	if !opts.Replay {
		if len(s.adapters) == 0 {
			fail(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "no feeds configured")
			return
		}
		opts.Adapters = s.adapters
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		log := zap.L().With(zap.String("component", "api"), zap.String("run_id", opts.RunID))
		sum, err := s.runner.Run(s.base, opts)
		if err != nil {
			log.Error("api: triggered run failed", zap.Error(err))
			return
		}
		log.Info("api: triggered run finished", zap.String("status", string(sum.Status)))
	}()

	accepted(w, map[string]string{
		"run_id":        opts.RunID,
		"extraction_id": opts.ExtractionID,
	})
}
