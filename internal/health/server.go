package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/devblac/tokenwatch/internal/ingest"
)

type Checker struct {
	DBPing       func(ctx context.Context) error
	UpstreamPing func(ctx context.Context) error
	// Head reports the chain head seen by the upstream ping; zero is omitted.
	Head func() uint64
	Sync func() ingest.Status
}

type response struct {
	Status    string         `json:"status"`
	DB        string         `json:"db,omitempty"`
	Upstream  string         `json:"upstream,omitempty"`
	ChainHead uint64         `json:"chain_head,omitempty"`
	Sync      *ingest.Status `json:"sync,omitempty"`
}

// Handler serves /healthz. Storage or upstream failures answer 503; a failed
// last cycle only marks the sync as degraded since the scheduler retries it.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := response{Status: "ok"}
		code := http.StatusOK

		if checker.DBPing != nil {
			resp.DB = check(ctx, checker.DBPing)
			if resp.DB != "ok" {
				code = http.StatusServiceUnavailable
			}
		}
		if checker.UpstreamPing != nil {
			resp.Upstream = check(ctx, checker.UpstreamPing)
			if resp.Upstream != "ok" {
				code = http.StatusServiceUnavailable
			}
		}
		if checker.Head != nil {
			resp.ChainHead = checker.Head()
		}
		if checker.Sync != nil {
			st := checker.Sync()
			resp.Sync = &st
			if st.LastError != "" {
				resp.Status = "degraded"
			}
		}
		if code != http.StatusOK {
			resp.Status = "fail"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func check(ctx context.Context, fn func(context.Context) error) string {
	if err := fn(ctx); err != nil {
		return "fail"
	}
	return "ok"
}

// Serve starts the health server in the background. Listen failures are
// logged; the caller stops it with srv.Shutdown.
func Serve(addr string, checker Checker, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server error", "addr", addr, "error", err)
		}
	}()
	return srv
}
