// Package server exposes the deskbot HTTP API: login, chat (SSE and
// websocket), retrieval search, document management, health, and metrics.
// Handlers follow a uniform envelope: writeJSON for payloads, writeError for
// the {error, message, code} failure shape.
package server

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"deskbot/internal/auth"
	"deskbot/internal/config"
	"deskbot/internal/llm"
	oai "deskbot/internal/llm/openai"
	"deskbot/internal/logging"
	"deskbot/internal/models"
	"deskbot/internal/rag"
	"deskbot/internal/store"
	"deskbot/internal/vectorstore"
	"deskbot/internal/version"
)

// Store is everything the HTTP layer needs from persistence: documents and
// chunks for retrieval, users for auth, conversations for chat history.
type Store interface {
	store.DocumentRepo
	store.UserRepo
	store.ConversationRepo
	GetChunk(chunkID string) (*models.Chunk, bool)
	Search(query string, k int) []models.SearchResult
	Stats() models.Stats
}

type API struct {
	store   Store
	llm     llm.ChatProvider
	emb     llm.Embedder
	vs      vectorstore.VectorStore
	engine  *rag.Engine
	auth    *auth.Service
	started time.Time
}

// NewAPI wires the HTTP layer over a store and chat provider. When the
// provider also embeds, the embedder is wrapped in the process-local cache
// and probed with a short ping so a dead endpoint degrades to lexical-only
// search instead of failing every ingest.
func NewAPI(st Store, p llm.ChatProvider) *API {
	a := &API{store: st, llm: p, started: time.Now()}
	if e, ok := any(p).(llm.Embedder); ok {
		a.emb = e
	}

	var db *sql.DB
	if ss, ok := st.(*store.SQLiteStore); ok {
		db = ss.DB()
	}
	a.vs = vectorstore.NewFromEnv(context.Background(), db)

	if a.emb != nil && os.Getenv("DESKBOT_EMBED_CACHE_DISABLE") != "1" {
		a.emb = newCachingEmbedder(a.emb)
	}
	if os.Getenv("DESKBOT_DISABLE_EMBEDDINGS") == "1" {
		a.emb = nil
	} else if a.emb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		embModel := os.Getenv("DESKBOT_EMBEDDING_MODEL")
		if _, err := a.emb.Embeddings(ctx, embModel, []string{"ping"}); err != nil {
			logging.Sugar.Warnw("embeddings unavailable, lexical search only", "model", embModel, "err", err)
			a.emb = nil
		} else {
			logging.Sugar.Infow("embeddings enabled", "model", embModel)
		}
	}

	a.engine = rag.NewEngine(st, a.vs, a.emb)
	a.auth = auth.New(st)
	return a
}

func (a *API) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/api/auth/login", a.handleLogin)
	mux.HandleFunc("/api/chat", a.requireAuth(a.handleChat))
	mux.HandleFunc("/api/chat/ws", a.requireAuth(a.handleChatWS))
	mux.HandleFunc("/api/rag/search", a.requireAuth(a.handleRAGSearch))
	mux.HandleFunc("/api/rag/documents", a.requireAuth(a.handleDocuments))
	mux.HandleFunc("/api/rag/documents/", a.requireAuth(a.handleDocumentByID))
	mux.HandleFunc("/api/rag/stats", a.requireAuth(a.handleRAGStats))
	return mux
}

// Handler is the full middleware chain. Order matters: tracing wraps
// everything, then request-id + access log, then rate limiting; auth is
// per-route so /health, /metrics, and login stay open.
func (a *API) Handler() http.Handler {
	return otelhttp.NewHandler(logMiddleware(rateLimitMiddleware(a.mux())), "deskbot.http")
}

// Run starts the API server on addr and blocks until SIGINT/SIGTERM, then
// drains in-flight requests for up to five seconds.
func Run(addr string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	prov := oai.NewFromEnv()
	logging.Sugar.Infow("llm provider",
		"base_url", prov.BaseURL(),
		"api_key", logging.MaskIfSecret(os.Getenv("DESKBOT_LLM_API_KEY")),
	)
	a := NewAPI(st, prov)

	if created, err := a.auth.SeedAdmin(); err != nil {
		logging.Sugar.Warnw("admin seed failed", "err", err)
	} else if created {
		logging.Sugar.Infow("admin account seeded")
	}

	stopClean := make(chan struct{})
	go conversationCleaner(st, stopClean)

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Sugar.Infow("deskbot listening", "addr", addr, "version", version.String())
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		close(stopClean)
		return err
	case s := <-sig:
		logging.Sugar.Infow("shutting down", "signal", s.String())
		close(stopClean)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// openStore picks SQLite when DESKBOT_SQLITE_PATH is set, in-memory otherwise.
func openStore() (Store, error) {
	if path := os.Getenv("DESKBOT_SQLITE_PATH"); path != "" {
		return store.NewSQLite(path)
	}
	logging.Sugar.Infow("DESKBOT_SQLITE_PATH not set; using in-memory store")
	return store.New(), nil
}

func conversationCleaner(st Store, stop <-chan struct{}) {
	ttlDays := config.Int("DESKBOT_CONVERSATION_TTL_DAYS", 30)
	if ttlDays <= 0 {
		return
	}
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n, err := st.CleanupConversations(ttlDays); err != nil {
				logging.Sugar.Warnw("conversation cleanup failed", "err", err)
			} else if n > 0 {
				logging.Sugar.Infow("conversations expired", "removed", n, "ttl_days", ttlDays)
			}
		}
	}
}

// --- response helpers ---

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: code, Message: message, Code: status})
}

// --- auth middleware ---

type ctxKey string

const ctxUserID ctxKey = "deskbot.userID"

// requireAuth verifies the bearer token (or ?token= for websocket clients,
// which cannot set headers from browsers) and stashes the user id in the
// request context. DESKBOT_AUTH_DISABLE=true skips verification for local
// development.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if config.Bool("DESKBOT_AUTH_DISABLE", false) {
			next(w, r)
			return
		}
		tok := auth.BearerToken(r.Header.Get("Authorization"))
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := a.auth.Verify(tok)
		if err != nil {
			logging.Sugar.Debugw("auth rejected", "token", logging.Mask(tok), "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		next(w, r.WithContext(ctx))
	}
}

// userID returns the authenticated user id, or "" when auth is disabled.
func userID(r *http.Request) string {
	v, _ := r.Context().Value(ctxUserID).(string)
	return v
}

// --- request id + access log ---

type statusRecorder struct {
	http.ResponseWriter
	status int
	nbytes int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.nbytes += n
	return n, err
}

// Flush keeps SSE streaming working through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

func newRequestID() string {
	b := make([]byte, 12)
	if _, err := crand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = newRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		dur := time.Since(start)
		logging.Sugar.Infow("http.req",
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_ip", clientIP(r),
			"status", status,
			"duration_ms", int(dur/time.Millisecond),
			"bytes", rec.nbytes,
		)
		if shouldSample() {
			metrics.observe(r.Method, normalizePath(r.URL.Path), status, dur)
		}
	})
}

// clientIP prefers proxy headers so limits key on the real client, not the
// load balancer.
func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		parts := strings.Split(v, ",")
		return strings.TrimSpace(parts[0])
	}
	if v := r.Header.Get("X-Real-IP"); v != "" {
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- rate limiting ---

// rateLimiter is a token bucket per key. Rates are requests per minute;
// capacity equals the per-minute rate so a quiet client can burst one
// minute's worth.
type rateLimiter struct {
	mu     sync.Mutex
	perMin float64
	bkts   map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(perMin float64) *rateLimiter {
	return &rateLimiter{perMin: perMin, bkts: make(map[string]*bucket)}
}

// allow reports whether key may proceed now; when denied it also returns
// whole seconds until the next token.
func (rl *rateLimiter) allow(key string) (bool, int) {
	if rl == nil || rl.perMin <= 0 {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	perSec := rl.perMin / 60.0
	now := time.Now()
	b := rl.bkts[key]
	if b == nil {
		b = &bucket{tokens: rl.perMin, last: now}
		rl.bkts[key] = b
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * perSec
	if b.tokens > rl.perMin {
		b.tokens = rl.perMin
	}
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := int((1-b.tokens)/perSec + 0.999)
	if wait < 1 {
		wait = 1
	}
	return false, wait
}

// parseRateEnv returns the per-minute rate for key, or -1 when unset/invalid.
func parseRateEnv(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return -1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return -1
	}
	return f
}

// rateLimitMiddleware enforces three scopes read once at startup, all in
// requests per minute: DESKBOT_RATE_LIMIT (whole server), _PATH (per
// method+path), _IP (per client, falls back to the base rate). The login
// endpoint is additionally IP-limited whenever any scope is configured, so
// credential stuffing is throttled even with only the global limit set.
func rateLimitMiddleware(next http.Handler) http.Handler {
	var once sync.Once
	var global, perPath, perIP, login *rateLimiter
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			base := parseRateEnv("DESKBOT_RATE_LIMIT")
			pathRate := parseRateEnv("DESKBOT_RATE_LIMIT_PATH")
			ipRate := parseRateEnv("DESKBOT_RATE_LIMIT_IP")
			if pathRate < 0 {
				pathRate = base
			}
			if ipRate < 0 {
				ipRate = base
			}
			global = newRateLimiter(base)
			perPath = newRateLimiter(pathRate)
			perIP = newRateLimiter(ipRate)
			loginRate := ipRate
			if loginRate <= 0 {
				loginRate = base
			}
			login = newRateLimiter(loginRate)
		})
		ip := clientIP(r)
		if ok, wait := global.allow("global"); !ok {
			denyRate(w, wait)
			return
		}
		if ok, wait := perPath.allow(r.Method + " " + r.URL.Path); !ok {
			denyRate(w, wait)
			return
		}
		if ok, wait := perIP.allow("ip:" + ip); !ok {
			denyRate(w, wait)
			return
		}
		if r.URL.Path == "/api/auth/login" {
			if ok, wait := login.allow("login:" + ip); !ok {
				denyRate(w, wait)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func denyRate(w http.ResponseWriter, wait int) {
	w.Header().Set("Retry-After", strconv.Itoa(wait))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

// --- handlers ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	checks := map[string]string{"store": "ok"}
	if a.llm != nil {
		checks["llm"] = "ok"
	} else {
		checks["llm"] = "off"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.String(),
		"uptime_s": int(time.Since(a.started).Seconds()),
		"checks":   checks,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password required")
		return
	}
	tok, u, err := a.auth.Login(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		logging.Sugar.Errorw("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tok,
		"expires_at": time.Now().Add(a.auth.TTL()).UTC().Format(time.RFC3339),
		"user": map[string]any{
			"id":    u.ID,
			"email": u.Email,
			"name":  u.Name,
			"role":  u.Role,
		},
	})
}

func (a *API) handleRAGSearch(w http.ResponseWriter, r *http.Request) {
	var q string
	var k int
	switch r.Method {
	case http.MethodGet:
		q = r.URL.Query().Get("q")
		if v := r.URL.Query().Get("k"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				k = n
			}
		}
	case http.MethodPost:
		var req struct {
			Query string `json:"query"`
			K     int    `json:"k"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
			return
		}
		q, k = req.Query, req.K
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query required")
		return
	}
	if k <= 0 {
		k = 5
	}
	if k > 50 {
		k = 50
	}
	start := time.Now()
	results, err := a.engine.Search(r.Context(), q, k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"took_ms": int(time.Since(start) / time.Millisecond),
	})
}

func (a *API) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Title    string            `json:"title"`
			Source   string            `json:"source"`
			Path     string            `json:"path"`
			Content  string            `json:"content"`
			Lang     string            `json:"lang"`
			SHA      string            `json:"sha"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "content required")
			return
		}
		res, err := a.engine.AddDocument(r.Context(), models.Document{
			Title:    req.Title,
			Source:   req.Source,
			Path:     req.Path,
			Content:  req.Content,
			Lang:     req.Lang,
			SHA:      req.SHA,
			Metadata: req.Metadata,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	case http.MethodGet:
		docs := a.store.ListDocuments()
		if docs == nil {
			docs = []*models.Document{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	}
}

func (a *API) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/rag/documents/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "document id required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		d, ok := a.store.GetDocument(id)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": d, "content": d.Content})
	case http.MethodDelete:
		if _, ok := a.store.GetDocument(id); !ok {
			writeError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err := a.store.DeleteDocument(id); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if err := a.vs.DeleteByDoc(r.Context(), id); err != nil {
			logging.Sugar.Warnw("vector cleanup failed", "doc", id, "err", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	}
}

func (a *API) handleRAGStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	st, err := a.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}
