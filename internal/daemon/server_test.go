package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
	"github.com/justintemps/ilostat-simple-summarizer/internal/pipeline"
)

type runnerStub struct {
	mu       sync.Mutex
	branches []string
	started  chan string
	gate     <-chan struct{}
	err      error
	skip     bool
	store    *storeStub
}

func (r *runnerStub) Run(ctx context.Context, req pipeline.Request) (*pipeline.Run, error) {
	r.mu.Lock()
	r.branches = append(r.branches, req.Branch)
	r.mu.Unlock()

	if r.started != nil {
		r.started <- req.ID
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, &pipeline.StepError{Step: pipeline.StepSource, Err: ctx.Err()}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.skip {
		return nil, nil
	}

	run := &pipeline.Run{
		ID:        req.ID,
		Branch:    req.Branch,
		Commit:    "abc123def456",
		Status:    pipeline.StatusSucceeded,
		CacheHit:  true,
		StartedAt: time.Now().UTC(),
		EndedAt:   time.Now().UTC(),
	}
	if r.store != nil {
		r.store.add(run)
	}
	return run, nil
}

func (r *runnerStub) ranBranches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.branches...)
}

type storeStub struct {
	mu   sync.Mutex
	runs []*pipeline.Run
	err  error
}

func (s *storeStub) add(run *pipeline.Run) {
	s.mu.Lock()
	s.runs = append([]*pipeline.Run{run}, s.runs...)
	s.mu.Unlock()
}

func (s *storeStub) Get(id string) (*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, run := range s.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return nil, fmt.Errorf("run %s not found", id)
}

func (s *storeStub) List() ([]*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]*pipeline.Run(nil), s.runs...), nil
}

func newServer(t *testing.T, runner Runner, store RunStore) *Server {
	t.Helper()
	return &Server{
		Logger:   logging.NewText(io.Discard, slog.LevelError),
		Socket:   filepath.Join(t.TempDir(), "d.sock"),
		Pipeline: runner,
		Runs:     store,
	}
}

func startServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	waitForSocket(t, srv.Socket)
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func waitForState(t *testing.T, client DaemonClient, id, want string) RunDetails {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var details RunDetails
	var err error
	for time.Now().Before(deadline) {
		details, err = client.Inspect(id)
		if err == nil && details.State == want {
			return details
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached state %q (last: %+v, err: %v)", id, want, details, err)
	return RunDetails{}
}

func TestServerExecutesTrigger(t *testing.T) {
	store := &storeStub{}
	runner := &runnerStub{store: store}
	srv := newServer(t, runner, store)
	startServer(t, srv)

	client := NewClient(srv.Socket)
	id, err := client.Trigger(TriggerRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}
	if id == "" {
		t.Fatal("Trigger() returned an empty id")
	}

	details := waitForState(t, client, id, StateSucceeded)
	if details.Branch != "main" {
		t.Errorf("run branch = %q, want main", details.Branch)
	}
	if !details.CacheHit {
		t.Error("run did not report the stub's cache hit")
	}
	if details.Commit != "abc123def456" {
		t.Errorf("run commit = %q, want the recorded one", details.Commit)
	}

	if branches := runner.ranBranches(); len(branches) != 1 || branches[0] != "main" {
		t.Errorf("runner saw branches %v, want [main]", branches)
	}
}

func TestServerReportsRunFailure(t *testing.T) {
	cause := &pipeline.StepError{Step: pipeline.StepBuild, Err: errors.New("docker build exited 1")}
	runner := &runnerStub{err: cause}
	srv := newServer(t, runner, &storeStub{})
	startServer(t, srv)

	client := NewClient(srv.Socket)
	id, err := client.Trigger(TriggerRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}

	details := waitForState(t, client, id, StateFailed)
	if !strings.Contains(details.Error, "build") {
		t.Errorf("run error = %q, want it to name the build step", details.Error)
	}
}

func TestServerRunsTriggersOneAtATime(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan string, 2)
	runner := &runnerStub{gate: gate, started: started}
	srv := newServer(t, runner, &storeStub{})
	startServer(t, srv)

	client := NewClient(srv.Socket)
	first, err := client.Trigger(TriggerRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}
	<-started

	second, err := client.Trigger(TriggerRequest{Branch: "develop"})
	if err != nil {
		t.Fatalf("Trigger() while busy returned error: %v", err)
	}

	queued, err := client.Inspect(second)
	if err != nil {
		t.Fatalf("Inspect() returned error: %v", err)
	}
	if queued.State != StateQueued {
		t.Fatalf("second trigger state = %q, want %q", queued.State, StateQueued)
	}

	close(gate)
	waitForState(t, client, first, StateSucceeded)
	waitForState(t, client, second, StateSucceeded)

	if branches := runner.ranBranches(); len(branches) != 2 || branches[0] != "main" || branches[1] != "develop" {
		t.Errorf("runner saw branches %v, want [main develop] in order", branches)
	}
}

func TestServerBoundsTriggerQueue(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan string, 1)
	runner := &runnerStub{gate: gate, started: started}
	srv := newServer(t, runner, &storeStub{})
	srv.QueueSize = 1
	startServer(t, srv)
	t.Cleanup(func() { close(gate) })

	client := NewClient(srv.Socket)
	if _, err := client.Trigger(TriggerRequest{Branch: "main"}); err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}
	<-started
	if _, err := client.Trigger(TriggerRequest{Branch: "main"}); err != nil {
		t.Fatalf("Trigger() into the queue returned error: %v", err)
	}

	_, err := client.Trigger(TriggerRequest{Branch: "main"})
	if err == nil || !strings.Contains(err.Error(), "queue is full") {
		t.Fatalf("Trigger() on a full queue = %v, want queue-full error", err)
	}
}

func TestServerMarksSkippedTriggers(t *testing.T) {
	runner := &runnerStub{skip: true}
	srv := newServer(t, runner, &storeStub{})
	startServer(t, srv)

	client := NewClient(srv.Socket)
	id, err := client.Trigger(TriggerRequest{Branch: "feature/docs"})
	if err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}

	details := waitForState(t, client, id, StateSkipped)
	if details.Error != "" {
		t.Errorf("skipped trigger carries error %q, want none", details.Error)
	}
}

func TestServerStopCancelsRunningTrigger(t *testing.T) {
	started := make(chan string, 1)
	runner := &runnerStub{gate: make(chan struct{}), started: started}
	srv := newServer(t, runner, &storeStub{})
	startServer(t, srv)

	client := NewClient(srv.Socket)
	id, err := client.Trigger(TriggerRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}
	<-started

	if err := client.Stop(""); err != nil {
		t.Fatalf("Stop() returned error: %v", err)
	}
	waitForState(t, client, id, StateCanceled)
}

func TestServerStopRemovesQueuedTrigger(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan string, 1)
	runner := &runnerStub{gate: gate, started: started}
	srv := newServer(t, runner, &storeStub{})
	startServer(t, srv)

	client := NewClient(srv.Socket)
	first, err := client.Trigger(TriggerRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}
	<-started

	second, err := client.Trigger(TriggerRequest{Branch: "develop"})
	if err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}
	if err := client.Stop(second); err != nil {
		t.Fatalf("Stop(queued) returned error: %v", err)
	}
	waitForState(t, client, second, StateCanceled)

	close(gate)
	waitForState(t, client, first, StateSucceeded)

	if branches := runner.ranBranches(); len(branches) != 1 {
		t.Errorf("runner executed branches %v, want only the first trigger", branches)
	}
}

func TestServerStopWithoutActiveRun(t *testing.T) {
	srv := newServer(t, &runnerStub{}, &storeStub{})
	startServer(t, srv)

	err := NewClient(srv.Socket).Stop("")
	if err == nil || !strings.Contains(err.Error(), "no run in progress") {
		t.Fatalf("Stop() on idle daemon = %v, want no-run error", err)
	}
}

func TestServerListMergesLiveAndRecordedRuns(t *testing.T) {
	recorded := &pipeline.Run{
		ID:        "55e21d9e-9f3f-43a5-a8d8-3f2b0a9c7712",
		Branch:    "main",
		Status:    pipeline.StatusFailed,
		Error:     "publish: denied",
		StartedAt: time.Now().UTC().Add(-time.Hour),
		EndedAt:   time.Now().UTC().Add(-time.Hour),
	}
	store := &storeStub{runs: []*pipeline.Run{recorded}}
	runner := &runnerStub{store: store}
	srv := newServer(t, runner, store)
	startServer(t, srv)

	client := NewClient(srv.Socket)
	id, err := client.Trigger(TriggerRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("Trigger() returned error: %v", err)
	}
	waitForState(t, client, id, StateSucceeded)

	statuses, err := client.List()
	if err != nil {
		t.Fatalf("List() returned error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("List() returned %d statuses, want 2: %+v", len(statuses), statuses)
	}
	if statuses[0].ID != id || statuses[0].State != StateSucceeded {
		t.Errorf("first status = %+v, want the live trigger", statuses[0])
	}
	if statuses[1].ID != recorded.ID || statuses[1].State != StateFailed {
		t.Errorf("second status = %+v, want the recorded run", statuses[1])
	}
}

func TestServerInspectFallsBackToRecords(t *testing.T) {
	recorded := &pipeline.Run{
		ID:       "55e21d9e-9f3f-43a5-a8d8-3f2b0a9c7712",
		Branch:   "main",
		Status:   pipeline.StatusSucceeded,
		CacheKey: "linux-ilo-prism-db-main-202401",
		Steps:    []pipeline.StepResult{{Step: pipeline.StepSource}},
	}
	srv := newServer(t, &runnerStub{}, &storeStub{runs: []*pipeline.Run{recorded}})
	startServer(t, srv)

	details, err := NewClient(srv.Socket).Inspect(recorded.ID)
	if err != nil {
		t.Fatalf("Inspect() returned error: %v", err)
	}
	if details.State != StateSucceeded || details.CacheKey != recorded.CacheKey {
		t.Errorf("Inspect() = %+v, want the recorded run's details", details)
	}
	if len(details.Steps) != 1 {
		t.Errorf("Inspect() returned %d steps, want 1", len(details.Steps))
	}
}

func TestServerInspectUnknownRun(t *testing.T) {
	srv := newServer(t, &runnerStub{}, &storeStub{})
	startServer(t, srv)

	_, err := NewClient(srv.Socket).Inspect("b2f7c1d0-0000-0000-0000-000000000000")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Inspect(unknown) = %v, want not-found error", err)
	}
}

func TestServerRejectsEmptyBranch(t *testing.T) {
	srv := newServer(t, &runnerStub{}, &storeStub{})
	startServer(t, srv)

	_, err := NewClient(srv.Socket).Trigger(TriggerRequest{})
	if err == nil || !strings.Contains(err.Error(), "branch") {
		t.Fatalf("Trigger() without branch = %v, want branch error", err)
	}
}

func TestServerPing(t *testing.T) {
	srv := newServer(t, &runnerStub{}, &storeStub{})
	startServer(t, srv)

	if err := NewClient(srv.Socket).Ping(); err != nil {
		t.Fatalf("Ping() returned error: %v", err)
	}
}

func TestServerRejectsUnknownCommand(t *testing.T) {
	srv := newServer(t, &runnerStub{}, &storeStub{})
	startServer(t, srv)

	conn, err := net.Dial("unix", srv.Socket)
	if err != nil {
		t.Fatalf("dialing daemon: %v", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(IPCRequest{Command: "reboot"}); err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.OK || !strings.Contains(resp.Error, "unknown command") {
		t.Fatalf("response = %+v, want unknown-command error", resp)
	}
}

func TestServerClearsStaleSocket(t *testing.T) {
	srv := newServer(t, &runnerStub{}, &storeStub{})
	if err := os.WriteFile(srv.Socket, nil, 0o644); err != nil {
		t.Fatalf("planting stale socket: %v", err)
	}

	startServer(t, srv)
	if err := NewClient(srv.Socket).Ping(); err != nil {
		t.Fatalf("Ping() after stale socket recovery: %v", err)
	}
}

func TestServerRefusesSecondDaemon(t *testing.T) {
	srv := newServer(t, &runnerStub{}, &storeStub{})
	startServer(t, srv)

	second := &Server{
		Logger:   srv.Logger,
		Socket:   srv.Socket,
		Pipeline: &runnerStub{},
		Runs:     &storeStub{},
	}
	err := second.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already listening") {
		t.Fatalf("second Start() = %v, want already-listening error", err)
	}
}

func TestServerValidatesConfiguration(t *testing.T) {
	tests := []struct {
		name string
		srv  *Server
	}{
		{name: "socket", srv: &Server{Pipeline: &runnerStub{}, Runs: &storeStub{}}},
		{name: "pipeline", srv: &Server{Socket: "/tmp/x.sock", Runs: &storeStub{}}},
		{name: "run store", srv: &Server{Socket: "/tmp/x.sock", Pipeline: &runnerStub{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.srv.Start(context.Background()); err == nil {
				t.Fatal("Start() accepted an incomplete server")
			}
		})
	}
}

func TestServerShutdownRemovesSocket(t *testing.T) {
	srv := newServer(t, &runnerStub{}, &storeStub{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	waitForSocket(t, srv.Socket)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	if _, err := os.Stat(srv.Socket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket still present after shutdown: %v", err)
	}
}
