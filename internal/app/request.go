package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
)

// Request represents an HTTP request.
type Request struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response is a unified response type.
type Response struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
}

// HandleRequest routes incoming requests to the appropriate handler.
func (a *App) HandleRequest(ctx context.Context, req Request) Response {
	start := time.Now()

	resp := a.handleHTTPRequest(ctx, req)

	if !isQuietPath(req.Path) {
		a.Logger.Info("request",
			"method", req.Method,
			"path", req.Path,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds())
	}

	return resp
}

// isQuietPath returns true for paths that are polled often and not logged.
func isQuietPath(path string) bool {
	return strings.HasSuffix(path, "/metrics") ||
		strings.HasPrefix(path, "/favicon")
}

// StripBasePath removes the configured base path from path.
func (a *App) StripBasePath(path string) string {
	if a.Config.BasePath == "" {
		return path
	}
	path = strings.TrimPrefix(path, a.Config.BasePath)
	if path == "" {
		path = "/"
	}
	return path
}

// handleHTTPRequest routes HTTP requests.
func (a *App) handleHTTPRequest(ctx context.Context, req Request) Response {
	path := a.StripBasePath(req.Path)

	switch {
	case path == "/server/status" && req.Method == "GET":
		return a.handleStatusRequest(req)
	case path == "/server/config" && req.Method == "GET":
		return a.handleConfigRequest(req)
	case path == "/api/config" && req.Method == "GET":
		return a.handlePublicConfig()
	case path == "/api/runs" && req.Method == "GET":
		return a.handleListRuns()
	case path == "/api/runs" && req.Method == "POST":
		return a.handleCreateRun(ctx, req)
	case strings.HasPrefix(path, "/api/runs/") && strings.HasSuffix(path, "/events") && req.Method == "GET":
		return a.handleGetEvents(extractRunID(path, "/events"))
	case strings.HasPrefix(path, "/api/runs/") && req.Method == "GET":
		return a.handleGetRun(extractRunID(path, ""))
	case path == "/api/schedules" && req.Method == "GET":
		return jsonResponse(200, a.ListTriggers())
	case strings.HasPrefix(path, "/mock/"):
		return a.handleMockProxy(req)
	default:
		return errorResponse(404, "endpoint not found")
	}
}

// handleStatusRequest returns application status.
func (a *App) handleStatusRequest(req Request) Response {
	if resp := a.checkAdminAuth(req); resp != nil {
		return *resp
	}
	return jsonResponse(200, a.GetStatus())
}

// handleConfigRequest returns redacted configuration.
func (a *App) handleConfigRequest(req Request) Response {
	if resp := a.checkAdminAuth(req); resp != nil {
		return *resp
	}
	return jsonResponse(200, a.Config.Redacted())
}

// handlePublicConfig returns public configuration (no auth required).
func (a *App) handlePublicConfig() Response {
	return jsonResponse(200, map[string]any{
		"demo_mode":  a.Config.DemoMode,
		"base_path":  a.Config.BasePath,
		"tag_key":    a.Config.TagKey,
		"tag_values": a.Config.TagValues,
	})
}

// handleListRuns returns all runs.
func (a *App) handleListRuns() Response {
	return jsonResponse(200, a.ListRuns())
}

// handleGetRun returns a single run.
func (a *App) handleGetRun(id string) Response {
	run, err := a.GetRun(id)
	if err != nil {
		return notFoundOr500(err)
	}
	return jsonResponse(200, run)
}

// handleCreateRun starts a run. Without "wait" it answers 202 with the
// initial snapshot; with it the response carries the finished record.
func (a *App) handleCreateRun(ctx context.Context, req Request) Response {
	var runReq RunRequest
	if err := json.Unmarshal(req.Body, &runReq); err != nil {
		return errorResponse(400, "invalid run request body")
	}

	run, err := a.StartRun(ctx, runReq, "api")
	if err != nil {
		switch {
		case errors.Is(err, internalerrors.ErrInvalidParameter):
			return errorResponse(400, err.Error())
		case errors.Is(err, internalerrors.ErrDiscoveryFailed):
			return errorResponse(502, err.Error())
		}
		return errorResponse(500, err.Error())
	}

	if runReq.Wait {
		return jsonResponse(200, run)
	}
	return jsonResponse(202, run)
}

// handleGetEvents returns events for a run.
func (a *App) handleGetEvents(id string) Response {
	events, err := a.GetEvents(id)
	if err != nil {
		return notFoundOr500(err)
	}
	return jsonResponse(200, events)
}

// handleMockProxy proxies requests to the mock server (demo mode only).
func (a *App) handleMockProxy(req Request) Response {
	if a.Config.MockEndpoint == "" {
		return errorResponse(404, "mock server not configured")
	}

	targetURL := a.Config.MockEndpoint + req.Path

	httpReq, err := http.NewRequest(req.Method, targetURL, bytes.NewReader(req.Body))
	if err != nil {
		return errorResponse(500, "failed to create proxy request: "+err.Error())
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return errorResponse(502, "mock server unavailable: "+err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(502, "failed to read mock response: "+err.Error())
	}

	return Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     map[string]string{"Content-Type": resp.Header.Get("Content-Type")},
		Body:        body,
	}
}

func extractRunID(path, suffix string) string {
	path = strings.TrimPrefix(path, "/api/runs/")
	path = strings.TrimSuffix(path, suffix)
	return path
}

func jsonResponse(status int, data any) Response {
	body, err := json.Marshal(data)
	if err != nil {
		return errorResponse(500, "failed to encode response")
	}
	return Response{
		StatusCode:  status,
		ContentType: "application/json",
		Headers:     map[string]string{"Content-Type": "application/json"},
		Body:        body,
	}
}

func notFoundOr500(err error) Response {
	if internalerrors.IsNotFound(err) {
		return errorResponse(404, err.Error())
	}
	return errorResponse(500, err.Error())
}

func errorResponse(status int, message string) Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return Response{
		StatusCode:  status,
		ContentType: "application/json",
		Headers:     map[string]string{"Content-Type": "application/json"},
		Body:        body,
	}
}

func (a *App) checkAdminAuth(req Request) *Response {
	if a.Config.AdminToken == "" {
		return nil
	}

	authHeader := req.Headers["authorization"]
	if authHeader == "" {
		resp := errorResponse(401, "missing authorization header")
		return &resp
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		token = strings.TrimPrefix(authHeader, "bearer ")
	}

	if token != a.Config.AdminToken {
		resp := errorResponse(401, "invalid authorization token")
		return &resp
	}

	return nil
}
