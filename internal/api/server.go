package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/tokenwatch/internal/metrics"
	"github.com/devblac/tokenwatch/internal/transfer"
)

const defaultLimit = 100

// Reader is the read side of the transfer store.
type Reader interface {
	TransfersByAddress(ctx context.Context, address string, limit int) ([]transfer.Transfer, error)
	ListTransfers(ctx context.Context, limit, offset int) ([]transfer.Transfer, error)
	CountTransfers(ctx context.Context) (int64, error)
	AddressTotals(ctx context.Context, address string) (sent, received *big.Int, err error)
}

// Server is the read-only query API over stored transfers.
type Server struct {
	store   Reader
	cache   Cache
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New builds a server. cache and mtr may be nil.
func New(store Reader, cache Cache, log *slog.Logger, mtr *metrics.Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, cache: cache, log: log, metrics: mtr}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /health", s.health)
	s.handle(mux, "GET /events", s.events)
	s.handle(mux, "GET /events/all", s.allEvents)
	s.handle(mux, "GET /events/count", s.count)
	s.handle(mux, "GET /stats/address/{addr}", s.stats)
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	_, route, _ := strings.Cut(pattern, " ")
	mux.Handle(pattern, s.instrument(route, fn))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("address")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "address required")
		return
	}
	addr, err := transfer.NormalizeAddress(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, ok := intParam(r, "limit", defaultLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	rows, err := s.store.TransfersByAddress(r.Context(), addr, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (s *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", defaultLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, ok := intParam(r, "offset", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	rows, err := s.store.ListTransfers(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

type countResponse struct {
	Count int64 `json:"count"`
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	if s.cached(w, r, "count") {
		return
	}
	n, err := s.store.CountTransfers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondCached(w, r, "count", countResponse{Count: n})
}

type statsResponse struct {
	Address          string `json:"address"`
	TotalSentWei     string `json:"total_sent_wei"`
	TotalReceivedWei string `json:"total_received_wei"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	addr, err := transfer.NormalizeAddress(r.PathValue("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := "stats:" + addr
	if s.cached(w, r, key) {
		return
	}
	sent, received, err := s.store.AddressTotals(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondCached(w, r, key, statsResponse{
		Address:          addr,
		TotalSentWei:     sent.String(),
		TotalReceivedWei: received.String(),
	})
}

func (s *Server) cached(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.cache == nil {
		return false
	}
	body, ok := s.cache.Get(r.Context(), key)
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "hit")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return true
}

func (s *Server) respondCached(w http.ResponseWriter, r *http.Request, key string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body = append(body, '\n')
	if s.cache != nil {
		s.cache.Set(r.Context(), key, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.metrics.Errors()
	s.log.Error("query failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func intParam(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func nonNil(rows []transfer.Transfer) []transfer.Transfer {
	if rows == nil {
		return []transfer.Transfer{}
	}
	return rows
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Serve starts the API server in the background and logs listen failures.
func Serve(addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "addr", addr, "error", err)
		}
	}()
	return srv
}
