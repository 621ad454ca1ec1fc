// Package diag exposes runtime server counters over HTTP, adapted from
// the teacher's http package: the manifest-serving endpoint is replaced
// by a single /stats endpoint reporting live session and frame-rate
// counters, since this server has no on-demand media catalog.
package diag

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

// StatsSource is the subset of the Session Registry and Fan-out
// Pipeline that diag reports on.
type StatsSource interface {
	ActiveClients() int
	IsPlaying() bool
}

type statsPayload struct {
	ActiveClients int  `json:"active_clients"`
	IsPlaying     bool `json:"is_playing"`
	RTPFPS        int  `json:"rtp_fps"`
}

// Server is the diagnostic HTTP server: GET /stats returns the same
// runtime counters the admin console's "stats" command prints.
type Server struct {
	http.Server
	source        StatsSource
	fps           func() int
	interruptOnce sync.Once
}

func NewServer(source StatsSource, fps func() int) *Server {
	return &Server{source: source, fps: fps}
}

func (s *Server) handleStats(rw http.ResponseWriter, r *http.Request) {
	payload := statsPayload{
		ActiveClients: s.source.ActiveClients(),
		IsPlaying:     s.source.IsPlaying(),
		RTPFPS:        s.fps(),
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		http.Error(rw, "Failed to encode stats", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.Write(buf)
}

func (s *Server) ListenAndServe(addr string) error {
	log.Println("diag: starting HTTP server on " + addr)

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	s.Handler = mux
	s.Addr = addr

	return s.Server.ListenAndServe()
}

func (s *Server) Interrupt(err error) {
	s.interruptOnce.Do(func() {
		log.Printf("diag: interrupting HTTP server: %v\n", err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.Server.Shutdown(ctx); err != nil {
			s.Server.Close()
		}

		log.Println("diag: HTTP server shutdown complete")
	})
}
