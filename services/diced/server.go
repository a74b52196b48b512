package diced

import (
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"dicehouse/fairness"
	"dicehouse/ingest"
	"dicehouse/payout"
	"dicehouse/settle"
	"dicehouse/storage"
	"dicehouse/vault"
)

// Server is the diced HTTP surface: health and metrics, the public fairness
// verifier, the manual observation channel, and the token-guarded admin API.
type Server struct {
	observer   *ingest.Observer
	engine     *settle.Engine
	processor  *payout.Processor
	vault      *vault.Vault
	store      *storage.Store
	masterKey  string
	adminToken string
	limiter    *clientLimiter
	now        func() time.Time
}

// NewServer assembles the router dependencies.
func NewServer(observer *ingest.Observer, engine *settle.Engine, processor *payout.Processor, v *vault.Vault, store *storage.Store, masterKey, adminToken string, submitPerMinute int) *Server {
	return &Server{
		observer:   observer,
		engine:     engine,
		processor:  processor,
		vault:      v,
		store:      store,
		masterKey:  masterKey,
		adminToken: adminToken,
		limiter:    newClientLimiter(submitPerMinute),
		now:        time.Now,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/verify", s.handleVerify)
	r.Get("/commitment/{player}", s.handleCommitment)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Post("/observations", s.handleSubmitObservation)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/wallets", s.handleCreateWallet)
		r.Get("/wallets", s.handleListWallets)
		r.Get("/payouts/failed", s.handleFailedPayouts)
		r.Post("/payouts/retry", s.handleRetryPayout)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Get("/status", s.handleStatus)
		r.Post("/seeds/rotate", s.handleRotateSeed)
		r.Get("/bets", s.handleListBets)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type verifyRequest struct {
	ServerSeed     string `json:"serverSeed"`
	ServerSeedHash string `json:"serverSeedHash"`
	ClientSeed     string `json:"clientSeed"`
	Nonce          uint64 `json:"nonce"`
	Roll           int    `json:"roll"`
}

// handleVerify lets anyone re-check a disclosed roll without trusting the
// house.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ServerSeed == "" || req.ServerSeedHash == "" {
		writeError(w, http.StatusBadRequest, "serverSeed and serverSeedHash required")
		return
	}
	valid := fairness.Verify(req.ServerSeed, req.ServerSeedHash, req.ClientSeed, req.Nonce, req.Roll)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": valid,
		"roll":  fairness.Roll(req.ServerSeed, req.ClientSeed, req.Nonce),
	})
}

func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	player := strings.TrimSpace(chi.URLParam(r, "player"))
	if player == "" {
		writeError(w, http.StatusBadRequest, "player required")
		return
	}
	pair, err := s.engine.ActiveCommitment(r.Context(), player)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "commitment unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"player":         pair.Player,
		"serverSeedHash": pair.ServerSeedHash,
		"clientSeed":     pair.ClientSeed,
		"nonce":          pair.Nonce,
	})
}

type observationRequest struct {
	Txid          string `json:"txid"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Confirmations int    `json:"confirmations"`
}

// handleSubmitObservation is the manual detection channel: a player or
// operator reports a transaction the pollers have not seen yet. Dedup makes
// over-reporting harmless.
func (s *Server) handleSubmitObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	obs := &storage.Observation{
		Txid:          strings.TrimSpace(req.Txid),
		FromAddress:   strings.TrimSpace(req.From),
		ToAddress:     strings.TrimSpace(req.To),
		Amount:        amount,
		Source:        "manual",
		Confirmations: req.Confirmations,
		ObservedAt:    s.now(),
	}
	result, err := s.observer.Observe(r.Context(), obs)
	if err != nil && result == ingest.ResultInvalid {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "observation failed")
		return
	}
	status := http.StatusAccepted
	if result == ingest.ResultCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]string{"result": string(result)})
}

type createWalletRequest struct {
	Multiplier int `json:"multiplier"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wallet, err := s.vault.Create(r.Context(), req.Multiplier, s.masterKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, walletView(wallet))
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.ListWallets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list wallets failed")
		return
	}
	views := make([]map[string]any, 0, len(wallets))
	for _, wallet := range wallets {
		views = append(views, walletView(wallet))
	}
	writeJSON(w, http.StatusOK, views)
}

// walletView exposes wallet state without the sealed credential.
func walletView(w *storage.Wallet) map[string]any {
	view := map[string]any{
		"id":         w.ID,
		"multiplier": w.Multiplier,
		"address":    w.Address,
		"active":     w.Active,
		"depleted":   w.Depleted,
		"betCount":   w.BetCount,
		"createdAt":  w.CreatedAt,
	}
	if w.ReceivedTotal != nil {
		view["receivedTotal"] = w.ReceivedTotal.String()
	}
	if w.SentTotal != nil {
		view["sentTotal"] = w.SentTotal.String()
	}
	return view
}

func (s *Server) handleFailedPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.store.FailedPayouts(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list payouts failed")
		return
	}
	views := make([]map[string]any, 0, len(payouts))
	for _, p := range payouts {
		views = append(views, map[string]any{
			"id":         p.ID,
			"betId":      p.BetID,
			"amount":     p.Amount.String(),
			"toAddress":  p.ToAddress,
			"retryCount": p.RetryCount,
			"lastError":  p.LastError,
			"updatedAt":  p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type retryPayoutRequest struct {
	BetID string `json:"betId"`
}

func (s *Server) handleRetryPayout(w http.ResponseWriter, r *http.Request) {
	var req retryPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.BetID) == "" {
		writeError(w, http.StatusBadRequest, "betId required")
		return
	}
	retried, err := s.processor.Retry(r.Context(), req.BetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !retried {
		writeError(w, http.StatusConflict, "payout not in failed state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.processor.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.processor.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	multipliers, err := s.vault.ActiveMultipliers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":            s.processor.Paused(),
		"activeMultipliers": multipliers,
	})
}

type rotateSeedRequest struct {
	Player     string `json:"player"`
	ClientSeed string `json:"clientSeed"`
}

// handleRotateSeed retires the player's commitment and discloses the server
// seed so past rolls become verifiable.
func (s *Server) handleRotateSeed(w http.ResponseWriter, r *http.Request) {
	var req rotateSeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Player) == "" {
		writeError(w, http.StatusBadRequest, "player required")
		return
	}
	retired, fresh, err := s.engine.RevealSeed(r.Context(), strings.TrimSpace(req.Player), strings.TrimSpace(req.ClientSeed))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revealedServerSeed": retired.ServerSeed,
		"revealedSeedHash":   retired.ServerSeedHash,
		"lastNonce":          retired.Nonce,
		"nextSeedHash":       fresh.ServerSeedHash,
	})
}

func (s *Server) handleListBets(w http.ResponseWriter, r *http.Request) {
	status := storage.BetStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = storage.BetPayoutFailed
	}
	bets, err := s.store.BetsByStatus(r.Context(), status, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list bets failed")
		return
	}
	views := make([]map[string]any, 0, len(bets))
	for _, b := range bets {
		view := map[string]any{
			"id":         b.ID,
			"player":     b.Player,
			"txid":       b.DepositTxid,
			"wager":      b.WageredAmount.String(),
			"multiplier": b.TargetMultiplier,
			"status":     string(b.Status),
			"createdAt":  b.CreatedAt,
		}
		if b.Rolled {
			view["roll"] = b.RollResult
			view["outcome"] = b.Outcome
			view["payout"] = b.PayoutAmount.String()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

// requireAdmin enforces the bearer token on the admin tree. With no token
// configured the tree is closed entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.adminToken {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter rate limits manual submissions per remote address.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newClientLimiter(perMinute int) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &clientLimiter{
		clients: make(map[string]*rate.Limiter),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
	}
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		l.mu.Lock()
		limiter, ok := l.clients[host]
		if !ok {
			limiter = rate.NewLimiter(l.limit, l.burst)
			l.clients[host] = limiter
		}
		l.mu.Unlock()
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
