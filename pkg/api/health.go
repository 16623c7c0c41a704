package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/health"
	"github.com/openbis/dropboxd/pkg/metrics"
	"github.com/openbis/dropboxd/pkg/types"
)

// Readiness runs the readiness checks
type Readiness interface {
	CheckAll(ctx context.Context) map[string]health.Result
}

// Markers lists and decodes recovery markers
type Markers interface {
	List() (active, errored []string, err error)
	ExtractRecoveryCheckpoint(marker string) (*checkpoint.Checkpoint, error)
}

// HealthServer provides the operator HTTP endpoints
type HealthServer struct {
	readiness Readiness
	markers   Markers
	version   string
	mux       *http.ServeMux
}

// NewHealthServer creates a new HTTP server. readiness and markers may be
// nil; the corresponding endpoints then report that they are not
// initialized.
func NewHealthServer(readiness Readiness, markers Markers, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		readiness: readiness,
		markers:   markers,
		version:   version,
		mux:       mux,
	}

	// Register endpoints
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/markers", hs.markersHandler)
	mux.HandleFunc("/components", hs.componentsHandler)
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Serve runs the HTTP server until ctx is done
func (hs *HealthServer) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// MarkerInfo describes one recovery marker
type MarkerInfo struct {
	Incoming       string               `json:"incoming"`
	Path           string               `json:"path"`
	State          string               `json:"state"`
	AttemptID      string               `json:"attempt_id,omitempty"`
	Stage          types.RecoveryStage  `json:"stage,omitempty"`
	RegistrationID types.RegistrationID `json:"registration_id,omitempty"`
	TryCount       int                  `json:"try_count"`
	LastTry        *time.Time           `json:"last_try,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Marker states
const (
	MarkerActive      = "active"
	MarkerQuarantined = "quarantined"
)

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	})
}

// readyHandler implements the /ready endpoint
// It runs every readiness check now and reports each one
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}
	statusCode := http.StatusOK

	if hs.readiness == nil {
		response.Status = "not ready"
		response.Message = "Health monitor not initialized"
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	results := hs.readiness.CheckAll(r.Context())
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result := results[name]
		if result.Healthy {
			response.Checks[name] = "ok"
			continue
		}
		response.Checks[name] = "error: " + result.Message
		response.Status = "not ready"
		statusCode = http.StatusServiceUnavailable
		if response.Message == "" {
			response.Message = "Waiting for " + name
		}
	}

	writeJSON(w, statusCode, response)
}

// componentsHandler reports the state of the daemon's long-running loops
func (hs *HealthServer) componentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := metrics.GetHealth()
	code := http.StatusOK
	if status.Status != "healthy" || metrics.GetReadiness().Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// markersHandler implements the /markers endpoint
func (hs *HealthServer) markersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.markers == nil {
		http.Error(w, "Recovery markers not initialized", http.StatusServiceUnavailable)
		return
	}

	infos, err := ListMarkers(hs.markers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// ListMarkers describes every active and quarantined marker. Markers that
// cannot be decoded are listed with the decoding error.
func ListMarkers(markers Markers) ([]MarkerInfo, error) {
	active, errored, err := markers.List()
	if err != nil {
		return nil, err
	}

	infos := make([]MarkerInfo, 0, len(active)+len(errored))
	add := func(path, state string) {
		info := MarkerInfo{
			Incoming: checkpoint.IncomingNameOf(path),
			Path:     path,
			State:    state,
		}
		cp, err := markers.ExtractRecoveryCheckpoint(path)
		if err != nil {
			info.Error = err.Error()
		} else {
			info.AttemptID = cp.AttemptID
			info.Stage = cp.Stage
			info.RegistrationID = cp.RegistrationID
			info.TryCount = cp.TryCount
			if !cp.LastTry.IsZero() {
				lastTry := cp.LastTry
				info.LastTry = &lastTry
			}
		}
		infos = append(infos, info)
	}
	for _, path := range active {
		add(path, MarkerActive)
	}
	for _, path := range errored {
		add(path, MarkerQuarantined)
	}
	return infos, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
