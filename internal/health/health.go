// Package health serves the liveness and readiness probes of the debug
// server.
//
// /healthz answers as long as the process serves HTTP and reports its uptime.
// /readyz runs every registered [Checker] and answers 503 when any of them
// fails. Both respond with JSON.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 5 * time.Second

// Checker is a named readiness probe.
type Checker struct {
	Name string

	// Check returns nil when the dependency can serve a new session. It must
	// return once ctx is done.
	Check func(ctx context.Context) error
}

// CheckReport is the outcome of one [Checker].
type CheckReport struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Took  string `json:"took"`
}

// Report is the body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckReport `json:"checks,omitempty"`
}

// Handler serves the probes.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	started  time.Time
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a [Handler] for checkers. Options are applied after the
// checkers are recorded.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultTimeout,
		started:  time.Now(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs the checkers concurrently, each bounded by the handler timeout
// and the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Run evaluates every checker and returns the combined report.
func (h *Handler) Run(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Status: "ok", Checks: make(map[string]CheckReport, len(h.checkers))}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range h.checkers {
		g.Go(func() error {
			cr := h.probe(gctx, c)
			mu.Lock()
			rep.Checks[c.Name] = cr
			if !cr.OK {
				rep.Status = "fail"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (h *Handler) probe(ctx context.Context, c Checker) CheckReport {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	begin := time.Now()
	err := c.Check(ctx)
	cr := CheckReport{OK: err == nil, Took: time.Since(begin).Round(time.Millisecond).String()}
	if err != nil {
		cr.Error = err.Error()
	}
	return cr
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
