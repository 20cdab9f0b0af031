package mock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/mock/templates"
)

// APIError is an error answered in the service's own error format.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func notFound(kind, id string) *APIError {
	if kind == KindCluster {
		return &APIError{
			Code:    "DBClusterNotFoundFault",
			Message: fmt.Sprintf("DBCluster %s not found.", id),
			Status:  http.StatusNotFound,
		}
	}
	return &APIError{
		Code:    "DBInstanceNotFound",
		Message: fmt.Sprintf("DBInstance %s not found.", id),
		Status:  http.StatusNotFound,
	}
}

func invalidState(kind, id, status string) *APIError {
	if kind == KindCluster {
		return &APIError{
			Code:    "InvalidDBClusterStateFault",
			Message: fmt.Sprintf("DbCluster %s is in %s state.", id, status),
			Status:  http.StatusBadRequest,
		}
	}
	return &APIError{
		Code:    "InvalidDBInstanceState",
		Message: fmt.Sprintf("Instance %s is not in %s state.", id, status),
		Status:  http.StatusBadRequest,
	}
}

// Template data types
type (
	resourcesData struct {
		RequestID string
		Resources []*MockResource
	}

	actionData struct {
		RequestID string
		Action    string
		Resource  *MockResource
	}

	publishData struct {
		RequestID string
		MessageID string
	}

	errorData struct {
		RequestID string
		Code      string
		Message   string
	}
)

func requestID() string {
	return uuid.New().String()
}

// executeTemplate renders a successful XML response.
func (s *Server) executeTemplate(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if err := templates.Execute(w, name, data); err != nil {
		s.logger.Error("failed to execute template", "template", name, "error", err)
	}
}

// sendError renders an XML error response.
func (s *Server) sendError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(apiErr.Status)
	data := errorData{RequestID: requestID(), Code: apiErr.Code, Message: apiErr.Message}
	if err := templates.Execute(w, "error.xml", data); err != nil {
		s.logger.Error("failed to execute error template", "error", err)
	}
}

// simulateAPILatency adds a small delay so callers see realistic round trips.
func (s *Server) simulateAPILatency() {
	timing := s.state.GetTiming()
	if timing.FastMode {
		return
	}
	delay := min(20+timing.BaseWaitMs/20, 100)
	time.Sleep(time.Duration(delay) * time.Millisecond)
}

// ==================== RDS ====================

func (s *Server) handleDescribeDBInstances(w http.ResponseWriter, values url.Values) {
	id := values.Get("DBInstanceIdentifier")

	var resources []*MockResource
	if id != "" {
		r, ok := s.state.GetInstance(id)
		if !ok {
			s.sendError(w, notFound(KindInstance, id))
			return
		}
		resources = []*MockResource{r}
	} else {
		resources = s.state.ListInstances()
	}

	s.executeTemplate(w, "describe_db_instances.xml", resourcesData{RequestID: requestID(), Resources: resources})
}

func (s *Server) handleDescribeDBClusters(w http.ResponseWriter, values url.Values) {
	id := values.Get("DBClusterIdentifier")

	var resources []*MockResource
	if id != "" {
		r, ok := s.state.GetCluster(id)
		if !ok {
			s.sendError(w, notFound(KindCluster, id))
			return
		}
		resources = []*MockResource{r}
	} else {
		resources = s.state.ListClusters()
	}

	s.executeTemplate(w, "describe_db_clusters.xml", resourcesData{RequestID: requestID(), Resources: resources})
}

// handleResourceCommand serves the four start/stop actions.
func (s *Server) handleResourceCommand(w http.ResponseWriter, action string, values url.Values) {
	var (
		kind, id string
		start    bool
	)
	switch action {
	case "StartDBInstance", "StopDBInstance":
		kind, id = KindInstance, values.Get("DBInstanceIdentifier")
		start = action == "StartDBInstance"
	case "StartDBCluster", "StopDBCluster":
		kind, id = KindCluster, values.Get("DBClusterIdentifier")
		start = action == "StartDBCluster"
	}
	if id == "" {
		s.sendError(w, &APIError{Code: "MissingParameter", Message: "resource identifier is required", Status: http.StatusBadRequest})
		return
	}

	var (
		r   *MockResource
		err error
	)
	if start {
		r, err = s.state.StartResource(kind, id)
	} else {
		r, err = s.state.StopResource(kind, id)
	}
	if err != nil {
		s.sendError(w, asAPIError(err))
		return
	}

	s.logger.Info("mock resource command accepted",
		"action", action,
		"id", id,
		"status", r.Status,
		"pending", r.PendingStatusChange)

	name := "db_instance_action.xml"
	if kind == KindCluster {
		name = "db_cluster_action.xml"
	}
	s.executeTemplate(w, name, actionData{RequestID: requestID(), Action: action, Resource: r})
}

func asAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return &APIError{Code: "InternalFailure", Message: err.Error(), Status: http.StatusInternalServerError}
}

// ==================== SNS ====================

func (s *Server) handlePublish(w http.ResponseWriter, values url.Values) {
	topic := values.Get("TopicArn")
	if topic == "" {
		topic = values.Get("TargetArn")
	}
	message := values.Get("Message")
	if topic == "" || message == "" {
		s.sendError(w, &APIError{Code: "InvalidParameter", Message: "TopicArn and Message are required", Status: http.StatusBadRequest})
		return
	}

	structure := values.Get("MessageStructure")
	if structure == "json" {
		var per map[string]string
		if err := json.Unmarshal([]byte(message), &per); err != nil {
			s.sendError(w, &APIError{Code: "InvalidParameter", Message: "Message Structure - JSON message body failed to parse", Status: http.StatusBadRequest})
			return
		}
		if _, ok := per["default"]; !ok {
			s.sendError(w, &APIError{Code: "InvalidParameter", Message: "Message Structure - No default entry in JSON message body", Status: http.StatusBadRequest})
			return
		}
	}

	p := Publication{
		MessageID:        uuid.New().String(),
		TopicARN:         topic,
		Subject:          values.Get("Subject"),
		Message:          message,
		MessageStructure: structure,
		ReceivedAt:       time.Now().UTC(),
	}
	s.state.RecordPublication(p)

	s.executeTemplate(w, "publish.xml", publishData{RequestID: requestID(), MessageID: p.MessageID})
}
