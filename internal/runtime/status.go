package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/session"
)

// DefaultStatusPort is used when status is enabled without a port.
const DefaultStatusPort = 8081

// StatusPath serves the session status.
const StatusPath = "/api/sessions"

// ResourceUsage is a coarse process resource sample.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// Status is the body served at StatusPath.
type Status struct {
	Target      string           `json:"target,omitempty"`
	SessionMode string           `json:"session_mode,omitempty"`
	Running     bool             `json:"running"`
	Sessions    []session.Info   `json:"sessions"`
	Metrics     metrics.Snapshot `json:"metrics"`
	Resources   ResourceUsage    `json:"resources"`
}

// Status reports the owned sessions and dispatch counters.
func (s *Service) Status() Status {
	st := Status{
		Sessions:  s.registry.Snapshot(),
		Metrics:   s.metrics.Snapshot(),
		Resources: s.resourceTracker.Snapshot(),
	}
	s.subMu.Lock()
	sub := s.sub
	s.subMu.Unlock()
	if sub != nil {
		st.Target = sub.Target().String()
		st.SessionMode = sub.SessionMode()
		select {
		case <-sub.Done():
		default:
			st.Running = true
		}
	}
	return st
}

func (s *Service) registerHTTPHandlers() {
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
	if !s.Conf.StatusEnabled {
		return
	}

	port := s.Conf.StatusPort
	if port == 0 {
		port = DefaultStatusPort
	}

	s.RegisterHTTPHandler(port, StatusPath, http.HandlerFunc(s.handleGetSessions))
}

func (s *Service) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, s.Status()); err != nil {
		s.Logger.Error("Failed to encode session status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
