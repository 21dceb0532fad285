package server

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/codec"
)

// SessionStats describes one session in a Stats snapshot.
type SessionStats struct {
	Tag         string    `json:"tag"`
	State       string    `json:"state"`
	Opened      time.Time `json:"opened"`
	Connections int       `json:"connections"`
	Fallback    bool      `json:"fallback,omitempty"`
}

// Stats is a snapshot of the sessions of a Server.
type Stats struct {
	Path        string         `json:"path"`
	Connections int            `json:"connections"`
	Sessions    []SessionStats `json:"sessions"`
}

func (s *Session) stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		Tag:         s.tag.String(),
		State:       s.state.String(),
		Opened:      s.tag.Time(),
		Connections: len(s.conns),
		Fallback:    s == s.srv.fallback,
	}
}

// Stats returns a snapshot of the server's sessions, oldest first.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	sessions := []*Session{s.fallback}
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	st := Stats{Path: s.path}
	for _, sess := range sessions {
		ss := sess.stats()
		st.Connections += ss.Connections
		st.Sessions = append(st.Sessions, ss)
	}
	rest := st.Sessions[1:]
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].Tag < rest[j].Tag
	})
	return st
}

// StatsHandler serves Stats snapshots. Clients accepting codec.ContentTypeCBOR
// get CBOR, everyone else gets JSON.
func (s *Server) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		name := "json"
		if strings.Contains(r.Header.Get("Accept"), codec.ContentTypeCBOR) {
			name = "cbor"
		}
		w.Header().Set("Content-Type", codec.ContentType(name))
		w.Header().Set("Cache-Control", "no-store")
		if err := codec.Named(name).Encoder(w).Encode(s.Stats()); err != nil {
			log.Debugf("writing stats: %s", err)
		}
	})
}
