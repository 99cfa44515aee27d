package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"warden/pkg/admission"
	"warden/pkg/audit"
	"warden/pkg/clock"
	"warden/pkg/config"
	"warden/pkg/hardening"
	"warden/pkg/httpx"
	"warden/pkg/memo"
	"warden/pkg/metrics"
	"warden/pkg/policy"
	"warden/pkg/quality"
	"warden/pkg/store"
	"warden/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type admitter interface {
	Allow(identity string, limit int, window time.Duration) admission.Decision
	ResetAfter(identity string, window time.Duration) time.Duration
}

type decisionDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// cacheFn hides whether policy responses are memoized in-process or through
// the shared Redis cache.
type cacheFn func(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error)

type Server struct {
	Config    *config.Config
	Rules     *policy.Evaluator
	Gate      *quality.Gate
	Admission admitter
	Local     *admission.Controller
	Cache     cacheFn
	Metrics   *metrics.Registry
	Audit     *audit.Writer
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openRedisFn     func(context.Context) (*redis.Client, error)
	openDBFn        func(context.Context) (decisionDB, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runServer(initTelemetryFn, openRedisFn, openDBFn, listenFn); err != nil {
		logFatalf("wardend: %v", err)
	}
}

func runServer(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openRedis func(context.Context) (*redis.Client, error),
	openDB func(context.Context) (decisionDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openRedis == nil {
		openRedis = func(ctx context.Context) (*redis.Client, error) {
			return store.NewRedisClient(ctx)
		}
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (decisionDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "wardend")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	redisAddr := env("REDIS_ADDR", "")
	databaseURL := env("DATABASE_URL", "")
	auditSalt := env("AUDIT_HASH_SALT", "")

	required := []hardening.EnvRequirement{}
	if databaseURL != "" {
		required = append(required, hardening.EnvRequirement{Name: "AUDIT_HASH_SALT", Value: auditSalt})
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "wardend",
		Environment:            runtimeEnv,
		StrictProdSecurity:     env("STRICT_PROD_SECURITY", "true"),
		DatabaseURL:            databaseURL,
		DatabaseRequireTLS:     env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:              redisAddr,
		RedisRequireTLS:        env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:       env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS:  env("REDIS_ALLOW_INSECURE_TLS", ""),
		RequiredServiceSecrets: required,
	}); err != nil {
		return err
	}

	cfg := config.Default()
	if path := env("CONFIG_PATH", ""); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}
	rules, err := cfg.PolicyRules()
	if err != nil {
		return err
	}
	evaluator, err := policy.NewEvaluator(rules)
	if err != nil {
		return err
	}
	gate, err := cfg.QualityGate()
	if err != nil {
		return err
	}

	local := admission.New(clock.System(), cfg.AdmissionOptions()...)
	var admit admitter = local
	var responseCache cacheFn
	if redisAddr != "" {
		client, err := openRedis(ctx)
		if err != nil {
			return err
		}
		rc := admission.NewRedis(client, cfg.AdmissionOptions()...)
		admit = rc
		local = rc.Fallback
		shared := store.NewShared(ctx, client, "memo:")
		responseCache = shared.GetOrCompute
	} else {
		memoizer := memo.New[string](clock.System(), memo.WithSingleFlight())
		responseCache = func(_ context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
			return memoizer.GetOrCompute(key, ttl, compute)
		}
	}

	var auditor *audit.Writer
	if databaseURL != "" {
		db, closeDB, err := openDB(ctx)
		if err != nil {
			return err
		}
		if closeDB != nil {
			defer closeDB()
		}
		auditor = &audit.Writer{
			DB:       db,
			HashSalt: []byte(auditSalt),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		}
	}

	s := &Server{
		Config:    cfg,
		Rules:     evaluator,
		Gate:      gate,
		Admission: admit,
		Local:     local,
		Cache:     responseCache,
		Metrics:   metrics.NewRegistry(),
		Audit:     auditor,
	}

	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("wardend"))
	r.Use(httpx.BodyLimitMiddleware(int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))))
	r.Use(s.observeMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "wardend"})
	})
	r.Get("/metricsz", s.Metrics.Handler())
	r.Get("/metricsz/prometheus", s.Metrics.PrometheusHandler())

	guarded := chi.NewRouter()
	guarded.Use(s.selfAdmissionMiddleware)
	guarded.Post("/v1/admission/check", s.checkAdmission)
	guarded.Get("/v1/admission/reset", s.admissionReset)
	guarded.Post("/v1/policy/evaluate", s.evaluatePolicy)
	guarded.Post("/v1/quality/score", s.scoreQuality)
	r.Mount("/", guarded)

	addr := env("ADDR", ":8086")
	log.Printf("wardend listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// selfAdmissionMiddleware applies the caller's own budget to the governance
// API itself, so one misbehaving host cannot starve the rest.
func (s *Server) selfAdmissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := callerIdentity(r)
		limit, window := s.Config.ClassBudget("api")
		d := s.Admission.Allow("wardend:"+identity, limit, window)
		s.gaugeIdentities()
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(d.ResetAt)/time.Second)+1))
			httpx.Error(w, http.StatusTooManyRequests, "request budget exhausted")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Warden-Identity")); id != "" {
		return id
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

type admissionCheckRequest struct {
	Identity string `json:"identity"`
	Class    string `json:"class"`
}

type admissionCheckResponse struct {
	DecisionID   string `json:"decision_id"`
	Allowed      bool   `json:"allowed"`
	Count        int    `json:"count"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	ResetAt      string `json:"reset_at"`
	BlockedUntil string `json:"blocked_until,omitempty"`
}

func (s *Server) checkAdmission(w http.ResponseWriter, r *http.Request) {
	var req admissionCheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Identity) == "" {
		httpx.Error(w, 400, "identity is required")
		return
	}
	limit, window := s.Config.ClassBudget(req.Class)
	d := s.Admission.Allow(req.Identity, limit, window)
	s.gaugeIdentities()

	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
		if !d.BlockedUntil.IsZero() {
			outcome = "blocked"
		}
	}
	s.Metrics.IncAdmission(outcome)

	resp := admissionCheckResponse{
		DecisionID: uuid.New().String(),
		Allowed:    d.Allowed,
		Count:      d.Count,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt.UTC().Format(time.RFC3339),
	}
	if !d.BlockedUntil.IsZero() {
		resp.BlockedUntil = d.BlockedUntil.UTC().Format(time.RFC3339)
	}
	s.appendAudit(r.Context(), resp.DecisionID, req.Identity, "admission", outcome, []string{outcome}, req)
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) admissionReset(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		httpx.Error(w, 400, "identity is required")
		return
	}
	_, window := s.Config.ClassBudget(r.URL.Query().Get("class"))
	wait := s.Admission.ResetAfter(identity, window)
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"identity":        identity,
		"reset_after_sec": int(wait / time.Second),
	})
}

type policyEvaluateRequest struct {
	Identity string         `json:"identity"`
	Fields   map[string]any `json:"fields"`
}

func (s *Server) evaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyEvaluateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Fields) == 0 {
		httpx.Error(w, 400, "fields is required")
		return
	}

	key := memo.KeyKV("policy.evaluate", req.Fields)
	ttl := s.Config.MemoTTL("policy.evaluate")
	computed := false
	body, err := s.Cache(r.Context(), key, ttl, func() (string, error) {
		computed = true
		res := s.Rules.Evaluate(req.Fields)
		raw, err := json.Marshal(res)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	})
	if err != nil {
		internalServerError(w, "evaluate policy", err)
		return
	}
	if computed {
		s.Metrics.IncCacheMiss()
	} else {
		s.Metrics.IncCacheHit()
	}

	var res policy.Result
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		internalServerError(w, "decode cached policy result", err)
		return
	}
	verdict := "deny"
	if res.Allowed {
		verdict = "allow"
	}
	s.Metrics.IncPolicy(verdict)

	decisionID := uuid.New().String()
	reasons := make([]string, 0, len(res.Matched))
	for _, m := range res.Matched {
		reasons = append(reasons, m.ID)
	}
	s.appendAudit(r.Context(), decisionID, req.Identity, "policy", verdict, reasons, req)
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"decision_id": decisionID,
		"allowed":     res.Allowed,
		"matched":     res.Matched,
		"cached":      !computed,
	})
}

type qualityScoreRequest struct {
	Identity string `json:"identity"`
	Text     string `json:"text"`
}

func (s *Server) scoreQuality(w http.ResponseWriter, r *http.Request) {
	var req qualityScoreRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	score := s.Gate.Score(req.Text)
	reasons := make([]string, 0, len(score.Issues))
	for _, issue := range score.Issues {
		s.Metrics.IncQualityIssue(string(issue))
		reasons = append(reasons, string(issue))
	}
	verdict := "accept"
	if len(score.Issues) > 0 {
		verdict = "flagged"
	}
	decisionID := uuid.New().String()
	s.appendAudit(r.Context(), decisionID, req.Identity, "quality", verdict, reasons, req)
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"decision_id": decisionID,
		"score":       score.Value,
		"issues":      score.Issues,
	})
}

// appendAudit persists a decision when a database is configured. Audit
// failures are logged, never surfaced to the caller.
func (s *Server) appendAudit(ctx context.Context, decisionID, identity, component, verdict string, reasons []string, input interface{}) {
	if s.Audit == nil {
		return
	}
	reasonsRaw, _ := json.Marshal(reasons)
	inputRaw, _ := json.Marshal(input)
	rec := audit.Record{
		DecisionID: decisionID,
		Identity:   identity,
		Component:  component,
		Verdict:    verdict,
		Reasons:    reasonsRaw,
		InputRaw:   inputRaw,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("wardend audit append: %v", err)
	}
}

func (s *Server) gaugeIdentities() {
	if s.Local != nil {
		s.Metrics.SetGauge("admission_identities", float64(s.Local.Identities()))
	}
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("wardend %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
