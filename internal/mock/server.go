package mock

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Server is the mock AWS HTTP server. It answers RDS and SNS Query API calls,
// Resource Groups Tagging JSON calls and the /mock/ management API.
type Server struct {
	state   *State
	logger  *slog.Logger
	mux     *http.ServeMux
	verbose bool
}

// NewServer creates a new mock server.
func NewServer(state *State, logger *slog.Logger, verbose bool) *Server {
	s := &Server{
		state:   state,
		logger:  logger,
		mux:     http.NewServeMux(),
		verbose: verbose,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// AWS clients POST every call to the endpoint root.
	s.mux.HandleFunc("/", s.handleAWSCall)

	s.mux.HandleFunc("/mock/state", s.handleMockState)
	s.mux.HandleFunc("/mock/reset", s.handleMockReset)
	s.mux.HandleFunc("/mock/timing", s.handleMockTiming)
	s.mux.HandleFunc("/mock/faults", s.handleMockFaults)
	s.mux.HandleFunc("/mock/faults/", s.handleMockFaultByID)
	s.mux.HandleFunc("/mock/resources", s.handleMockResources)
	s.mux.HandleFunc("/mock/publications", s.handleMockPublications)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// handleAWSCall dispatches on the X-Amz-Target header (JSON protocol) or the
// Action form parameter (Query protocol).
func (s *Server) handleAWSCall(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/mock/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if target := r.Header.Get("X-Amz-Target"); target != "" {
		s.handleJSONCall(w, r, target)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendError(w, &APIError{Code: "InternalFailure", Message: "failed to read request body", Status: http.StatusInternalServerError})
		return
	}
	defer r.Body.Close()

	values, err := url.ParseQuery(string(body))
	if err != nil {
		s.sendError(w, &APIError{Code: "MalformedQueryString", Message: "failed to parse request body", Status: http.StatusBadRequest})
		return
	}

	action := values.Get("Action")
	if action == "" {
		s.sendError(w, &APIError{Code: "MissingAction", Message: "missing Action parameter", Status: http.StatusBadRequest})
		return
	}

	target := values.Get("DBInstanceIdentifier")
	if target == "" {
		target = values.Get("DBClusterIdentifier")
	}
	if s.verbose {
		s.logger.Debug("handling query API call", slog.String("action", action), slog.String("target", target))
	}
	if apiErr := s.injectFaults(action, target); apiErr != nil {
		s.sendError(w, apiErr)
		return
	}
	s.simulateAPILatency()

	switch action {
	case "DescribeDBInstances":
		s.handleDescribeDBInstances(w, values)
	case "DescribeDBClusters":
		s.handleDescribeDBClusters(w, values)
	case "StartDBInstance", "StopDBInstance", "StartDBCluster", "StopDBCluster":
		s.handleResourceCommand(w, action, values)
	case "Publish":
		s.handlePublish(w, values)
	default:
		s.sendError(w, &APIError{Code: "InvalidAction", Message: "unsupported action: " + action, Status: http.StatusBadRequest})
	}
}

func (s *Server) handleJSONCall(w http.ResponseWriter, r *http.Request, target string) {
	action, ok := strings.CutPrefix(target, taggingTargetPrefix)
	if !ok {
		s.sendJSONError(w, &APIError{Code: "UnknownOperationException", Message: "unsupported target: " + target, Status: http.StatusBadRequest})
		return
	}
	if s.verbose {
		s.logger.Debug("handling json API call", slog.String("action", action))
	}
	if apiErr := s.injectFaults(action, ""); apiErr != nil {
		s.sendJSONError(w, apiErr)
		return
	}
	s.simulateAPILatency()

	switch action {
	case "GetResources":
		s.handleGetResources(w, r)
	default:
		s.sendJSONError(w, &APIError{Code: "UnknownOperationException", Message: "unsupported action: " + action, Status: http.StatusBadRequest})
	}
}

func (s *Server) injectFaults(action, target string) *APIError {
	delay, apiErr := s.state.Faults().Check(action, target)
	if delay > 0 {
		time.Sleep(delay)
	}
	if apiErr != nil {
		s.logger.Info("injected fault", "action", action, "target", target, "code", apiErr.Code)
	}
	return apiErr
}

// Mock management API handlers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleMockState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Instances    []*MockResource `json:"instances"`
		Clusters     []*MockResource `json:"clusters"`
		Publications []Publication   `json:"publications"`
		Timing       TimingConfig    `json:"timing"`
		Faults       []Fault         `json:"faults"`
	}{
		Instances:    s.state.ListInstances(),
		Clusters:     s.state.ListClusters(),
		Publications: s.state.Publications(),
		Timing:       s.state.GetTiming(),
		Faults:       s.state.Faults().ListFaults(),
	})
}

func (s *Server) handleMockReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.state.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleMockTiming(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.state.GetTiming())

	case http.MethodPost:
		var timing TimingConfig
		if err := json.NewDecoder(r.Body).Decode(&timing); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		s.state.SetTiming(timing)
		writeJSON(w, http.StatusOK, timing)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMockFaults(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.state.Faults().ListFaults())

	case http.MethodPost:
		var fault Fault
		if err := json.NewDecoder(r.Body).Decode(&fault); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		id := s.state.Faults().AddFault(fault)
		writeJSON(w, http.StatusOK, map[string]string{"id": id})

	case http.MethodDelete:
		s.state.Faults().ClearAll()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMockFaultByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/mock/faults/")
	if id == "" {
		http.Error(w, "missing fault ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if !s.state.Faults().RemoveFault(id) {
			http.Error(w, "fault not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case http.MethodPut:
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if !s.state.Faults().EnableFault(id, body.Enabled) {
			http.Error(w, "fault not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// resourceRequest adds a resource (POST) or forces its status (PUT).
type resourceRequest struct {
	Kind               string            `json:"kind"`
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Tags               map[string]string `json:"tags"`
	TransitionalStatus string            `json:"transitional_status"`
}

func (s *Server) handleMockResources(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Kind != KindInstance && req.Kind != KindCluster {
			http.Error(w, "kind must be db or cluster", http.StatusBadRequest)
			return
		}
		if req.ID == "" || req.Status == "" {
			http.Error(w, "id and status are required", http.StatusBadRequest)
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		var res *MockResource
		if req.Kind == KindCluster {
			res = s.state.AddCluster(req.ID, req.Status, req.Tags)
		} else {
			res = s.state.AddInstance(req.ID, req.Status, req.Tags)
		}
		if req.TransitionalStatus != "" {
			_ = s.state.SetTransitionalStatus(req.Kind, req.ID, req.TransitionalStatus)
		}
		writeJSON(w, http.StatusCreated, res)

	case http.MethodPut:
		if err := s.state.SetStatus(req.Kind, req.ID, req.Status); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	case http.MethodDelete:
		id := r.URL.Query().Get("cluster")
		if id == "" || !s.state.RemoveCluster(id) {
			http.Error(w, "cluster not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMockPublications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.state.Publications())
}
