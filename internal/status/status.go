// Package status serves the scalars of a running job over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/born-ml/born-detect/internal/scalar"
)

// Server exposes a scalar.Recorder:
//
//	GET /healthz        run id and uptime
//	GET /scalars        latest point of every tag
//	GET /scalars/{tag}  full history of one tag
type Server struct {
	rec     *scalar.Recorder
	run     string
	started time.Time
	router  *mux.Router
}

// New returns a server for rec; run identifies the job in /healthz.
func New(rec *scalar.Recorder, run string) *Server {
	s := &Server{rec: rec, run: run, started: time.Now(), router: mux.NewRouter()}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/scalars", s.handleLatest).Methods("GET")
	s.router.HandleFunc("/scalars/{tag:.+}", s.handleHistory).Methods("GET")
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:      s.router,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Printf("Status server listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// point is a scalar.Point whose value survives JSON when it is not finite.
type point struct {
	Step     int64     `json:"step"`
	Value    any       `json:"value"`
	WallTime time.Time `json:"wall_time"`
}

func encodePoint(p scalar.Point) point {
	var v any = p.Value
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		v = strconv.FormatFloat(p.Value, 'g', -1, 64)
	}
	return point{Step: p.Step, Value: v, WallTime: p.WallTime}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("status: encoding response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"run":    s.run,
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"tags":   len(s.rec.Tags()),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	snap := s.rec.Snapshot()
	out := make(map[string]point, len(snap))
	for tag, p := range snap {
		out[tag] = encodePoint(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	hist, ok := s.rec.History(tag)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tag", "tag": tag})
		return
	}
	out := make([]point, len(hist))
	for i, p := range hist {
		out[i] = encodePoint(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "points": out})
}
