package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RequestRecord captures details of an HTTP request.
type RequestRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Body      string    `json:"body,omitempty"`
	Action    string    `json:"action,omitempty"` // AWS API action
	Target    string    `json:"target,omitempty"` // DB instance or cluster identifier
}

// MockResponse defines a canned HTTP response for one AWS action.
// When Bodies is set, each matching call consumes the next body and the
// last one repeats.
type MockResponse struct {
	Service    string            `yaml:"service" json:"service"`
	Action     string            `yaml:"action" json:"action"`
	Target     string            `yaml:"target,omitempty" json:"target,omitempty"`
	StatusCode int               `yaml:"status_code,omitempty" json:"status_code,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body       string            `yaml:"body,omitempty" json:"body,omitempty"`
	Bodies     []string          `yaml:"bodies,omitempty" json:"bodies,omitempty"`
}

// MockServer simulates one AWS service endpoint.
type MockServer struct {
	name      string
	mu        sync.Mutex
	requests  []RequestRecord
	responses []MockResponse
	served    map[int]int // response index -> bodies consumed
	verbose   bool
}

// NewMockServer creates a mock for the responses of the named service.
func NewMockServer(name string, responses []MockResponse, verbose bool) *MockServer {
	filtered := make([]MockResponse, 0)
	for _, r := range responses {
		if strings.EqualFold(r.Service, name) {
			filtered = append(filtered, r)
		}
	}
	return &MockServer{
		name:      name,
		requests:  make([]RequestRecord, 0),
		responses: filtered,
		served:    make(map[int]int),
		verbose:   verbose,
	}
}

// ServeHTTP records the request and returns a matching mock response.
func (ms *MockServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body.Close()

	// Query protocol calls carry Action in the form body; JSON protocol
	// calls name it in X-Amz-Target.
	var action, target string
	if t := r.Header.Get("X-Amz-Target"); t != "" {
		action = t[strings.LastIndex(t, ".")+1:]
	} else if values, err := url.ParseQuery(string(body)); err == nil {
		action = values.Get("Action")
		target = values.Get("DBInstanceIdentifier")
		if target == "" {
			target = values.Get("DBClusterIdentifier")
		}
	}

	rec := RequestRecord{
		Timestamp: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      string(body),
		Action:    action,
		Target:    target,
	}

	ms.mu.Lock()
	ms.requests = append(ms.requests, rec)
	ms.mu.Unlock()

	if ms.verbose {
		fmt.Printf("    -> %-8s %-22s %s\n", ms.name, action, target)
	}

	for i, resp := range ms.responses {
		if resp.Action != action || (resp.Target != "" && resp.Target != target) {
			continue
		}
		ms.sendResponse(w, resp, ms.nextBody(i, resp))
		return
	}

	if ms.verbose {
		fmt.Printf("    !  %-8s No mock for: %s %s\n", ms.name, action, target)
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><ErrorResponse><Error><Type>Sender</Type><Code>NoMockResponse</Code><Message>No mock response configured</Message></Error></ErrorResponse>`))
}

func (ms *MockServer) nextBody(i int, resp MockResponse) string {
	if len(resp.Bodies) == 0 {
		return resp.Body
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	n := ms.served[i]
	ms.served[i] = n + 1
	return resp.Bodies[min(n, len(resp.Bodies)-1)]
}

func (ms *MockServer) sendResponse(w http.ResponseWriter, resp MockResponse, body string) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/xml")
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// GetRequests returns all captured requests.
func (ms *MockServer) GetRequests() []RequestRecord {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	reqs := make([]RequestRecord, len(ms.requests))
	copy(reqs, ms.requests)
	return reqs
}
