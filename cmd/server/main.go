package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fulcrum-co/pulse-laravel-sub005/cooldown"
	"github.com/fulcrum-co/pulse-laravel-sub005/dispatch"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/config"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/metrics"
	"github.com/fulcrum-co/pulse-laravel-sub005/multitenantengine"
	"github.com/fulcrum-co/pulse-laravel-sub005/outcome"
	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
	"github.com/fulcrum-co/pulse-laravel-sub005/runner"
)

const slowRequestThreshold = 2 * time.Second

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	DB         *sql.DB
	Manager    *multitenantengine.Manager
	Cooldowns  cooldown.Store
	Outcomes   outcome.Store
	Dispatcher *dispatch.Dispatcher
	Runner     *runner.Runner
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
}

type Server struct {
	db         *sql.DB
	manager    *multitenantengine.Manager
	cooldowns  cooldown.Store
	outcomes   outcome.Store
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	router     *chi.Mux
}

func NewServer(d Deps) (*Server, error) {
	if d.Manager == nil || d.Cooldowns == nil || d.Outcomes == nil || d.Runner == nil {
		return nil, errors.New("server: manager, cooldown store, outcome store and runner are required")
	}

	s := &Server{
		db:         d.DB,
		manager:    d.Manager,
		cooldowns:  d.Cooldowns,
		outcomes:   d.Outcomes,
		dispatcher: d.Dispatcher,
		runner:     d.Runner,
		metrics:    d.Metrics,
		registry:   d.Registry,
	}

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1/orgs", func(r chi.Router) {
		r.Get("/", s.handleListOrgs)
		r.Post("/", s.handleCreateOrg)

		r.Route("/{orgId}", func(r chi.Router) {
			// Schema management
			r.Get("/schema", s.handleGetSchema)
			r.Post("/schema", s.handleUpdateSchema)

			// Rule management
			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)
			r.Post("/rules/{ruleId}/activate", s.handleSetActive(true))
			r.Post("/rules/{ruleId}/deactivate", s.handleSetActive(false))
			r.Delete("/rules/{ruleId}/cooldowns/{contactId}", s.handleResetCooldown)

			// Evaluation
			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/runs", s.handleRun)
			r.Post("/replay", s.handleReplay)
			r.Get("/outcomes", s.handleListOutcomes)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// observe records request metrics under the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)

		s.metrics.ObserveHTTP(r.Method, route, status)
		logger.ObserveHTTPStatus(status)
		if elapsed > slowRequestThreshold {
			logger.WarnSlowRequest()
			logger.Warn("Slow request", "method", r.Method, "route", route, "duration", elapsed)
		}
		logger.Debug("Request served",
			"method", r.Method, "route", route, "status", status,
			"duration", elapsed, "request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		OrgsLoaded: len(s.manager.ListOrgs()),
		Counters:   logger.Counters(),
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	orgs := []OrgResponse{}
	for _, id := range s.manager.ListOrgs() {
		oe, err := s.manager.GetOrg(id)
		if err != nil {
			continue // unloaded concurrently
		}
		orgs = append(orgs, OrgResponse{
			ID:           oe.OrgID,
			Name:         oe.Name,
			Categories:   len(oe.Schema),
			DerivedCount: len(oe.Derived),
		})
	}

	respondJSON(w, http.StatusOK, OrgsListResponse{Orgs: orgs})
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req CreateOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if err := validateDefinition(req.Schema, req.Derived); err != nil {
		respondError(w, http.StatusBadRequest, "invalid schema", err)
		return
	}

	orgID, err := s.manager.CreateOrg(r.Context(), req.Name, req.Schema, req.Derived)
	if err != nil {
		respondError(w, statusFor(err), "failed to create organization", err)
		return
	}

	respondJSON(w, http.StatusCreated, OrgResponse{
		ID:           orgID,
		Name:         req.Name,
		Categories:   len(req.Schema),
		DerivedCount: len(req.Derived),
	})
}

func validateDefinition(schema multitenantengine.Schema, derived []rules.DerivedField) error {
	if err := multitenantengine.ValidateSchema(schema); err != nil {
		return err
	}
	return multitenantengine.ValidateDerived(derived)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	oe, err := s.manager.GetOrg(chi.URLParam(r, "orgId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "organization not found", err)
		return
	}

	derived := oe.Derived
	if derived == nil {
		derived = []rules.DerivedField{}
	}
	respondJSON(w, http.StatusOK, SchemaResponse{
		OrgID:      oe.OrgID,
		Definition: oe.Schema,
		Derived:    derived,
	})
}

// Update schema handler (zero downtime: in-flight evaluations keep the old engine)
func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")

	var req SchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := validateDefinition(req.Definition, req.Derived); err != nil {
		respondError(w, http.StatusBadRequest, "invalid schema", err)
		return
	}

	if err := s.manager.UpdateOrgSchema(r.Context(), orgID, req.Definition, req.Derived); err != nil {
		respondError(w, statusFor(err), "failed to update schema", err)
		return
	}

	derived := req.Derived
	if derived == nil {
		derived = []rules.DerivedField{}
	}
	respondJSON(w, http.StatusOK, SchemaResponse{
		OrgID:      orgID,
		Definition: req.Definition,
		Derived:    derived,
		Status:     "active",
	})
}

// engine resolves the org's engine or writes a 404.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*rules.Engine, bool) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "orgId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "organization not found", err)
		return nil, false
	}
	return engine, true
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	list, err := engine.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	// AddRule validates the tree, the enums and output_config.
	if err := engine.AddRule(r.Context(), &rule); err != nil {
		respondError(w, statusFor(err), "failed to add rule", err)
		return
	}

	logger.Info("Rule created", "org_id", engine.OrgID(), "rule_id", rule.ID, "action", rule.OutputAction)
	respondJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	rule, err := engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	existing, err := engine.GetRule(r.Context(), ruleID)
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}

	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule.ID = ruleID
	rule.CreatedAt = existing.CreatedAt
	if rule.CreatedBy == "" {
		rule.CreatedBy = existing.CreatedBy
	}
	rule.UpdatedAt = time.Now().UTC()

	if err := engine.UpdateRule(r.Context(), &rule); err != nil {
		respondError(w, statusFor(err), "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	deactivated, err := engine.DeleteRule(r.Context(), ruleID)
	if err != nil {
		respondError(w, statusFor(err), "failed to delete rule", err)
		return
	}

	respondJSON(w, http.StatusOK, DeleteRuleResponse{
		ID:          ruleID,
		Deleted:     !deactivated,
		Deactivated: deactivated,
	})
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := s.engine(w, r)
		if !ok {
			return
		}

		rule, err := engine.SetActive(r.Context(), chi.URLParam(r, "ruleId"), active)
		if err != nil {
			respondError(w, statusFor(err), "failed to update rule", err)
			return
		}

		logger.Info("Rule activation changed", "org_id", engine.OrgID(), "rule_id", rule.ID, "active", active)
		respondJSON(w, http.StatusOK, rule)
	}
}

// handleResetCooldown is the emergency override that lets a rule fire again
// for one contact before its window ends.
func (s *Server) handleResetCooldown(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")
	contactID := chi.URLParam(r, "contactId")

	if _, err := engine.GetRule(r.Context(), ruleID); err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}

	if err := s.cooldowns.Reset(r.Context(), cooldown.Key{OrgID: engine.OrgID(), RuleID: ruleID, ContactID: contactID}); err != nil {
		respondError(w, http.StatusServiceUnavailable, "failed to reset cooldown", err)
		return
	}

	logger.Info("Cooldown reset", "org_id", engine.OrgID(), "rule_id", ruleID, "contact_id", contactID)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvaluate evaluates a snapshot without consulting cooldowns or
// dispatching.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	startTime := time.Now()

	var results []*rules.EvaluationResult
	if len(req.RuleIDs) > 0 {
		results = make([]*rules.EvaluationResult, 0, len(req.RuleIDs))
		for _, ruleID := range req.RuleIDs {
			result, err := engine.Evaluate(r.Context(), ruleID, req.Snapshot)
			if result == nil {
				// Rule not found; skip it like a deleted rule.
				logger.Warn("Skipping rule in evaluation", "org_id", engine.OrgID(), "rule_id", ruleID, "error", err)
				continue
			}
			results = append(results, result)
		}
	} else {
		var err error
		results, err = engine.EvaluateAll(r.Context(), req.Snapshot)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "evaluation failed", err)
			return
		}
	}

	resp := EvaluateResponse{
		Results:        make([]EvaluationResultResponse, 0, len(results)),
		EvaluationTime: time.Since(startTime).String(),
	}
	for _, res := range results {
		out := EvaluationResultResponse{
			RuleID:       res.RuleID,
			RuleName:     res.RuleName,
			Matched:      res.Matched,
			MatchedPaths: res.MatchedPaths,
		}
		if res.Error != nil {
			out.Error = res.Error.Error()
		}
		resp.Results = append(resp.Results, out)
	}

	respondJSON(w, http.StatusOK, resp)
}

func validateContacts(contacts []runner.Contact) error {
	if len(contacts) == 0 {
		return errors.New("at least one contact is required")
	}
	for i, c := range contacts {
		if c.ID == "" {
			return errors.New("contacts[" + strconv.Itoa(i) + "].contact_id is required")
		}
	}
	return nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := validateContacts(req.Contacts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid run request", err)
		return
	}

	active, err := engine.ActiveRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load rules", err)
		return
	}

	report, err := s.runner.Run(r.Context(), engine.OrgID(), active, runner.Prepare(engine, req.Contacts))
	if err != nil && report == nil {
		respondError(w, http.StatusInternalServerError, "run failed", err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := validateContacts(req.Contacts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid replay request", err)
		return
	}

	var ruleSet []*rules.Rule
	if len(req.RuleIDs) > 0 {
		for _, id := range req.RuleIDs {
			rule, err := engine.GetRule(r.Context(), id)
			if err != nil {
				respondError(w, statusFor(err), "rule not found", err)
				return
			}
			// A dry run may exercise a rule that is not active yet.
			if !req.Live {
				rule.Active = true
			}
			ruleSet = append(ruleSet, rule)
		}
	} else {
		var err error
		if ruleSet, err = engine.ActiveRules(r.Context()); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to load rules", err)
			return
		}
	}

	report, err := s.runner.Replay(r.Context(), engine.OrgID(), ruleSet,
		runner.Prepare(engine, req.Contacts), runner.ReplayOptions{Live: req.Live})
	if err != nil && report == nil {
		respondError(w, http.StatusInternalServerError, "replay failed", err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")
	if _, err := s.manager.GetOrg(orgID); err != nil {
		respondError(w, http.StatusNotFound, "organization not found", err)
		return
	}

	f, err := parseOutcomeFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid outcome query", err)
		return
	}
	f.OrgID = orgID

	list, err := s.outcomes.Query(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query outcomes", err)
		return
	}
	if list == nil {
		list = []*outcome.Outcome{}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = outcome.DefaultLimit
	} else if limit > outcome.MaxLimit {
		limit = outcome.MaxLimit
	}
	respondJSON(w, http.StatusOK, OutcomesResponse{Outcomes: list, Limit: limit, Offset: f.Offset})
}

func parseOutcomeFilter(r *http.Request) (outcome.Filter, error) {
	q := r.URL.Query()
	f := outcome.Filter{
		RuleID:    q.Get("rule_id"),
		ContactID: q.Get("contact_id"),
	}

	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("from must be an RFC 3339 timestamp")
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("to must be an RFC 3339 timestamp")
		}
	}
	if v := q.Get("dispatch_result"); v != "" {
		f.DispatchResult = outcome.DispatchResult(v)
		if !f.DispatchResult.Valid() {
			return f, errors.New("unknown dispatch_result " + strconv.Quote(v))
		}
	}
	if v := q.Get("status"); v != "" {
		f.Status = outcome.Status(v)
		if !f.Status.Valid() {
			return f, errors.New("unknown status " + strconv.Quote(v))
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
	}
	return f, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, dispatch.ErrInvalidConfig),
		errors.Is(err, dispatch.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, multitenantengine.ErrOrgNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error(message, "status", status, "error", err)
	}
	respondJSON(w, status, response)
}

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := logger.Configure(ctx, logger.Options{
		Level:       cfg.LogLevel,
		SampleRate:  cfg.ErrorSampleRate,
		OTEL:        cfg.OTELEnabled,
		ServiceName: cfg.OTELServiceName,
	}); err != nil {
		logger.Fatal("Failed to configure logging", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", "error", err)
	}
	defer cleanup()

	server, err := NewServer(deps)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port,
			"cooldown_backend", cfg.CooldownBackend, "outcome_backend", cfg.OutcomeBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	logger.Info("Server stopped")
	_ = logger.Shutdown(shutdownCtx)
}
