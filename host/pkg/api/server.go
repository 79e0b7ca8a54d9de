// Package api serves a read-only HTTP view of the settlement ledger: registered accounts,
// the global counters, committed executions and reward quotes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/matrix/host/pkg/runtime"
)

type Config struct {
	Logger         *slog.Logger
	Runtime        *runtime.Runtime
	History        runtime.History
	Clock          clockwork.Clock
	AllowedOrigins []string
	RateLimit      rate.Limit
	Burst          int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runtime == nil {
		return errors.New("runtime is required")
	}
	if cfg.History == nil {
		return errors.New("history is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	limiter *RateLimiter
	router  chi.Router
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.Clock, cfg.RateLimit, cfg.Burst),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Get("/accounts/{wallet}", s.handleAccount)
		r.Get("/counters", s.handleCounters)
		r.Get("/executions", s.handleExecutions)
		r.Get("/quote", s.handleQuote)
	})
	s.router = r
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

type AncestorView struct {
	Account string `json:"account"`
	Wallet  string `json:"wallet"`
}

type AccountView struct {
	Wallet         string         `json:"wallet"`
	Sponsor        string         `json:"sponsor,omitempty"`
	UplineID       uint32         `json:"upline_id"`
	Depth          uint32         `json:"depth"`
	Ancestors      []AncestorView `json:"ancestors"`
	ChainID        uint32         `json:"chain_id"`
	Filled         uint8          `json:"filled"`
	Slots          []string       `json:"slots"`
	ReservedFunds  uint64         `json:"reserved_funds"`
	ReservedReward uint64         `json:"reserved_reward"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	wallet, err := solana.PublicKeyFromBase58(chi.URLParam(r, "wallet"))
	if err != nil {
		badRequest(w, "invalid wallet")
		return
	}
	acc, err := s.cfg.Runtime.Account(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	v := AccountView{
		Wallet:         acc.OwnerWallet.String(),
		UplineID:       acc.Ancestry.ID,
		Depth:          acc.Ancestry.Depth,
		Ancestors:      make([]AncestorView, 0, len(acc.Ancestry.Links)),
		ChainID:        acc.Chain.ID,
		Filled:         acc.Chain.Filled,
		Slots:          make([]string, 0, acc.Chain.Filled),
		ReservedFunds:  acc.ReservedFunds,
		ReservedReward: acc.ReservedReward,
	}
	if acc.Sponsor != nil {
		v.Sponsor = acc.Sponsor.String()
	}
	for _, link := range acc.Ancestry.Links {
		v.Ancestors = append(v.Ancestors, AncestorView{Account: link.Account.String(), Wallet: link.Wallet.String()})
	}
	for _, slot := range acc.Chain.Slots {
		if slot != nil {
			v.Slots = append(v.Slots, slot.String())
		}
	}
	writeJSON(w, http.StatusOK, v)
}

type CountersView struct {
	Owner          string `json:"owner"`
	Treasury       string `json:"treasury"`
	NextUplineID   uint32 `json:"next_upline_id"`
	NextChainID    uint32 `json:"next_chain_id"`
	LastMintAmount uint64 `json:"last_mint_amount"`
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	g, err := s.cfg.Runtime.Counters(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountersView{
		Owner:          g.Owner.String(),
		Treasury:       g.Treasury.String(),
		NextUplineID:   g.NextUplineID,
		NextChainID:    g.NextChainID,
		LastMintAmount: g.LastMintAmount,
	})
}

type SlotEventView struct {
	SlotIndex uint8  `json:"slot_index"`
	ChainID   uint32 `json:"chain_id"`
	User      string `json:"user"`
	Owner     string `json:"owner"`
}

type ExecutionView struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Signer    string          `json:"signer"`
	User      string          `json:"user,omitempty"`
	Amount    uint64          `json:"amount"`
	Slot      *int            `json:"slot,omitempty"`
	Hops      int             `json:"hops"`
	Remainder uint64          `json:"remainder"`
	Events    []SlotEventView `json:"events"`
	CreatedAt time.Time       `json:"created_at"`
}

func executionView(e runtime.Execution) ExecutionView {
	v := ExecutionView{
		ID:        e.ID.String(),
		Operation: e.Operation,
		Signer:    e.Signer.String(),
		Amount:    e.Amount,
		Hops:      e.Hops,
		Remainder: e.Remainder,
		Events:    make([]SlotEventView, 0, len(e.Events)),
		CreatedAt: e.CreatedAt,
	}
	if !e.User.IsZero() {
		v.User = e.User.String()
	}
	if e.Slot >= 0 {
		slot := e.Slot
		v.Slot = &slot
	}
	for _, ev := range e.Events {
		v.Events = append(v.Events, SlotEventView{
			SlotIndex: ev.SlotIndex,
			ChainID:   ev.ChainID,
			User:      ev.User.String(),
			Owner:     ev.Owner.String(),
		})
	}
	return v
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	execs, err := s.cfg.History.RecentExecutions(r.Context(), p.Limit, p.Offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page := Page[ExecutionView]{Items: make([]ExecutionView, 0, len(execs)), Limit: p.Limit, Offset: p.Offset}
	for _, e := range execs {
		page.Items = append(page.Items, executionView(e))
	}
	writeJSON(w, http.StatusOK, page)
}

type QuoteView struct {
	Amount   uint64 `json:"amount"`
	Price    string `json:"price"`
	Decimals uint8  `json:"decimals"`
	Stale    bool   `json:"stale"`
	Minimum  uint64 `json:"minimum"`
	Reward   uint64 `json:"reward"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		badRequest(w, "amount is required")
		return
	}
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || amount == 0 {
		badRequest(w, "amount must be a positive integer of lamports")
		return
	}
	q, err := s.cfg.Runtime.Quote(r.Context(), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteView{
		Amount:   amount,
		Price:    q.Price.String(),
		Decimals: q.Decimals,
		Stale:    q.Stale,
		Minimum:  q.Minimum,
		Reward:   q.Reward,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
