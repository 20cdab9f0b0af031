package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/config"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/machine"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/notifiers"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/schedule"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/storage"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

type staticDiscoverer struct {
	arns []string
}

func (d staticDiscoverer) Discover(ctx context.Context, tagKey string, tagValues []string) ([]string, error) {
	return d.arns, nil
}

// stoppedCloud reports every resource as stopped and ignores commands.
type stoppedCloud struct{}

func (stoppedCloud) Probe(ctx context.Context, t types.TargetResource) (types.ResourceStatus, error) {
	return types.ResourceStatus{Current: "stopped"}, nil
}

func (stoppedCloud) Transition(ctx context.Context, t types.TargetResource, mode types.Mode) error {
	return nil
}

// testApp creates a minimal App for testing HTTP routing.
func testApp(t *testing.T) *App {
	t.Helper()

	cfg := &config.Config{
		AWSRegion:  "us-east-1",
		DemoMode:   true,
		AdminToken: "test-admin-token",
		TagKey:     "WorkHoursRunning",
		TagValues:  []string{"YES"},
	}

	engine := machine.NewEngine(machine.EngineConfig{
		Discoverer: staticDiscoverer{arns: []string{"arn:aws:rds:us-east-1:123456789012:db:db-instance-1a"}},
		Prober:     stoppedCloud{},
		Commander:  stoppedCloud{},
		Store:      &storage.NullStore{},
	})

	return NewWithEngine(cfg, engine, &notifiers.NullNotifier{})
}

func TestHandleRequest_HTTPRouting(t *testing.T) {
	app := testApp(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		method         string
		path           string
		body           []byte
		headers        map[string]string
		wantStatus     int
		wantBodySubstr string
	}{
		{
			name:       "GET /api/runs returns list",
			method:     "GET",
			path:       "/api/runs",
			wantStatus: 200,
		},
		{
			name:       "GET unknown path returns 404",
			method:     "GET",
			path:       "/api/unknown",
			wantStatus: 404,
		},
		{
			name:       "POST /api/runs with bad body returns 400",
			method:     "POST",
			path:       "/api/runs",
			body:       []byte("not json"),
			wantStatus: 400,
		},
		{
			name:           "POST /api/runs with unknown mode returns 400",
			method:         "POST",
			path:           "/api/runs",
			body:           []byte(`{"mode":"Pause"}`),
			wantStatus:     400,
			wantBodySubstr: "invalid mode",
		},
		{
			name:           "POST /api/runs with wait returns finished run",
			method:         "POST",
			path:           "/api/runs",
			body:           []byte(`{"mode":"stop","wait":true}`),
			wantStatus:     200,
			wantBodySubstr: `"state":"succeeded"`,
		},
		{
			name:       "GET /server/status without auth returns 401",
			method:     "GET",
			path:       "/server/status",
			wantStatus: 401,
		},
		{
			name:       "GET /server/status with auth returns 200",
			method:     "GET",
			path:       "/server/status",
			headers:    map[string]string{"authorization": "Bearer test-admin-token"},
			wantStatus: 200,
		},
		{
			name:       "GET /server/config with wrong token returns 401",
			method:     "GET",
			path:       "/server/config",
			headers:    map[string]string{"authorization": "Bearer nope"},
			wantStatus: 401,
		},
		{
			name:           "GET /server/config with auth redacts token",
			method:         "GET",
			path:           "/server/config",
			headers:        map[string]string{"authorization": "Bearer test-admin-token"},
			wantStatus:     200,
			wantBodySubstr: `"admin_token":"test***oken"`,
		},
		{
			name:           "GET nonexistent run returns 404",
			method:         "GET",
			path:           "/api/runs/nonexistent-id",
			wantStatus:     404,
			wantBodySubstr: "not found",
		},
		{
			name:       "GET events of nonexistent run returns 404",
			method:     "GET",
			path:       "/api/runs/nonexistent-id/events",
			wantStatus: 404,
		},
		{
			name:           "GET /api/schedules renders triggers",
			method:         "GET",
			path:           "/api/schedules",
			wantStatus:     200,
			wantBodySubstr: "auto-stop-db-default-schedule",
		},
		{
			name:       "GET /mock without endpoint returns 404",
			method:     "GET",
			path:       "/mock/state",
			wantStatus: 404,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request{
				Method:  tt.method,
				Path:    tt.path,
				Body:    tt.body,
				Headers: tt.headers,
			}

			resp := app.HandleRequest(ctx, req)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("got status %d, want %d. Body: %s", resp.StatusCode, tt.wantStatus, string(resp.Body))
			}

			if tt.wantBodySubstr != "" && !strings.Contains(string(resp.Body), tt.wantBodySubstr) {
				t.Errorf("body %q does not contain %q", resp.Body, tt.wantBodySubstr)
			}
		})
	}
}

func TestHandleRequest_RunLifecycle(t *testing.T) {
	app := testApp(t)
	ctx := context.Background()

	resp := app.HandleRequest(ctx, Request{Method: "POST", Path: "/api/runs", Body: []byte(`{"mode":"Stop","wait":true}`)})
	if resp.StatusCode != 200 {
		t.Fatalf("create status = %d: %s", resp.StatusCode, resp.Body)
	}

	var run types.RunRecord
	if err := json.Unmarshal(resp.Body, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Request.TagKey != "WorkHoursRunning" || run.Request.Mode != types.ModeStop {
		t.Errorf("request = %+v, want configured defaults", run.Request)
	}
	if run.Trigger != "api" {
		t.Errorf("trigger = %q", run.Trigger)
	}

	resp = app.HandleRequest(ctx, Request{Method: "GET", Path: "/api/runs/" + run.ID})
	if resp.StatusCode != 200 {
		t.Errorf("get status = %d", resp.StatusCode)
	}

	resp = app.HandleRequest(ctx, Request{Method: "GET", Path: "/api/runs/" + run.ID + "/events"})
	if resp.StatusCode != 200 {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	var events []types.Event
	if err := json.Unmarshal(resp.Body, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) == 0 || events[0].Type != "run_started" {
		t.Errorf("events = %+v", events)
	}

	status := app.GetStatus()
	if status.Runs.Total != 1 || status.Runs.Succeeded != 1 {
		t.Errorf("status runs = %+v", status.Runs)
	}
}

func TestHandleRequest_BasePath(t *testing.T) {
	app := testApp(t)
	app.Config.BasePath = "/rds-scheduler"
	ctx := context.Background()

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{
			name:       "base path stripped - api",
			path:       "/rds-scheduler/api/runs",
			wantStatus: 200,
		},
		{
			name:       "base path stripped - schedules",
			path:       "/rds-scheduler/api/schedules",
			wantStatus: 200,
		},
		{
			name:       "base path stripped - root",
			path:       "/rds-scheduler",
			wantStatus: 404,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := app.HandleRequest(ctx, Request{Method: "GET", Path: tt.path})
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("got status %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestHandleScheduledEvent(t *testing.T) {
	app := testApp(t)
	fired := time.Date(2026, 3, 2, 21, 10, 0, 0, time.UTC)
	app.now = func() time.Time { return fired.Add(30 * time.Second) }

	payload := schedule.NewPayload(types.NewScheduleRequest(types.ModeStop, "WorkHoursRunning", "YES"))
	payload.ScheduledTime = &fired

	run, err := app.HandleScheduledEvent(context.Background(), payload, "auto-stop-db-default-schedule")
	if err != nil {
		t.Fatalf("HandleScheduledEvent() error = %v", err)
	}
	if run.State != types.RunSucceeded || run.Trigger != "auto-stop-db-default-schedule" {
		t.Errorf("run = %s/%s", run.State, run.Trigger)
	}

	app.now = func() time.Time { return fired.Add(2 * time.Minute) }
	if _, err := app.HandleScheduledEvent(context.Background(), payload, "late"); !errors.Is(err, internalerrors.ErrEventExpired) {
		t.Errorf("late event error = %v, want ErrEventExpired", err)
	}

	bad := schedule.Payload{Params: schedule.Params{Mode: "Reboot", TagKey: "k", TagValues: []string{"v"}}}
	if _, err := app.HandleScheduledEvent(context.Background(), bad, "bad"); !errors.Is(err, internalerrors.ErrInvalidParameter) {
		t.Errorf("bad payload error = %v, want ErrInvalidParameter", err)
	}
}

func TestIsQuietPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/metrics", true},
		{"/rds-scheduler/metrics", true},
		{"/favicon.ico", true},
		{"/api/runs", false},
		{"/server/status", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := isQuietPath(tt.path); got != tt.want {
				t.Errorf("isQuietPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestNotFoundOr500(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "missing run", err: fmt.Errorf("run-1: %w", internalerrors.ErrRunNotFound), wantStatus: 404},
		{name: "missing instance", err: fmt.Errorf("db-1: %w", internalerrors.ErrInstanceNotFound), wantStatus: 404},
		{name: "anything else", err: errors.New("storage offline"), wantStatus: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := notFoundOr500(tt.err).StatusCode; got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}
