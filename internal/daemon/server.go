package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
	"github.com/justintemps/ilostat-simple-summarizer/internal/pipeline"
)

const defaultQueueSize = 16

// Runner executes one triggered run. A nil run with a nil error means the
// trigger was skipped, for example because the branch is not the one the
// pipeline is gated on.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
}

// RunStore is the slice of the run repository the daemon reads. Completed
// runs come from here; live and skipped triggers only exist in memory.
type RunStore interface {
	Get(id string) (*pipeline.Run, error)
	List() ([]*pipeline.Run, error)
}

// Server answers IPC requests on a unix socket. Triggers are queued and a
// single worker executes them in arrival order, so runs never overlap.
type Server struct {
	Logger *slog.Logger

	Socket   string
	Pipeline Runner
	Runs     RunStore
	// QueueSize bounds pending triggers. Zero means defaultQueueSize.
	QueueSize int

	mu        sync.Mutex
	registry  map[string]*trigger
	order     []string
	queue     chan *trigger
	runningID string
	cancelRun context.CancelFunc
}

// trigger tracks one scheduled run while the daemon is alive. Its status is
// guarded by the server mutex.
type trigger struct {
	id     string
	req    pipeline.Request
	status RunStatus
}

// Start listens until ctx is cancelled, then closes the socket and waits
// for the worker and in-flight handlers to finish. A run in progress
// observes the cancellation through its own context and aborts.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}

	s.registry = make(map[string]*trigger)
	s.queue = make(chan *trigger, s.queueSize())
	s.logger().Info("daemon listening", "socket", s.Socket)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.work(ctx)
	}()

	go func() {
		<-ctx.Done()
		s.logger().Info("daemon shutting down")
		listener.Close()
	}()

	var acceptErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept connection: %w", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(conn)
		}()
	}
	wg.Wait()
	return acceptErr
}

// listen binds the socket, clearing a stale file left by a crashed daemon.
// A socket that still answers a dial belongs to a live daemon and is an error.
func (s *Server) listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.Socket), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.Socket)
	if err == nil {
		return listener, nil
	}
	if !errors.Is(err, unix.EADDRINUSE) {
		return nil, fmt.Errorf("listen on %s: %w", s.Socket, err)
	}

	if conn, dialErr := net.DialTimeout("unix", s.Socket, time.Second); dialErr == nil {
		conn.Close()
		return nil, fmt.Errorf("another daemon is already listening on %s", s.Socket)
	}
	if err := os.Remove(s.Socket); err != nil {
		return nil, fmt.Errorf("remove stale socket %s: %w", s.Socket, err)
	}
	listener, err = net.Listen("unix", s.Socket)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.Socket, err)
	}
	return listener, nil
}

// work drains the trigger queue one entry at a time.
func (s *Server) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.execute(ctx, t)
		}
	}
}

func (s *Server) execute(ctx context.Context, t *trigger) {
	s.mu.Lock()
	if t.status.State != StateQueued {
		// Stopped while waiting in the queue.
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runningID = t.id
	s.cancelRun = cancel
	startedAt := time.Now().UTC()
	t.status.State = StateRunning
	t.status.StartedAt = &startedAt
	s.mu.Unlock()
	defer cancel()

	logger := s.logger().With("run", t.id, "branch", t.req.Branch)
	logger.Info("executing trigger")
	run, err := s.Pipeline.Run(runCtx, t.req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningID = ""
	s.cancelRun = nil
	endedAt := time.Now().UTC()
	t.status.EndedAt = &endedAt
	switch {
	case err != nil:
		t.status.State = StateFailed
		if errors.Is(err, context.Canceled) {
			t.status.State = StateCanceled
		}
		t.status.Error = err.Error()
		if run != nil {
			t.status.CacheHit = run.CacheHit
		}
		logger.Error("trigger failed", "state", t.status.State, "error", err)
	case run == nil:
		t.status.State = StateSkipped
		logger.Info("trigger skipped")
	default:
		t.status.State = StateSucceeded
		t.status.CacheHit = run.CacheHit
		logger.Info("trigger succeeded", "cache_hit", run.CacheHit)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger().Warn("discarding unreadable request", "error", err)
		return
	}

	var resp IPCResponse
	switch req.Command {
	case CommandTrigger:
		resp = s.handleTrigger(req.Payload)
	case CommandStop:
		resp = s.handleStop(req.ID)
	case CommandList:
		resp = s.handleList()
	case CommandInspect:
		resp = s.handleInspect(req.ID)
	case CommandPing:
		resp = IPCResponse{OK: true}
	default:
		resp = errorResponse(fmt.Sprintf("unknown command %q", req.Command))
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger().Warn("failed to answer request", "command", req.Command, "error", err)
	}
}

func (s *Server) handleTrigger(payload json.RawMessage) IPCResponse {
	var req TriggerRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return errorResponse(fmt.Sprintf("decode trigger request: %v", err))
		}
	}
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		return errorResponse("branch must not be empty")
	}

	t := &trigger{
		id: uuid.New().String(),
		req: pipeline.Request{
			Branch: branch,
			Commit: req.Commit,
			Force:  req.Force,
		},
	}
	t.req.ID = t.id
	t.status = RunStatus{
		ID:       t.id,
		Branch:   branch,
		State:    StateQueued,
		QueuedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	select {
	case s.queue <- t:
		s.registry[t.id] = t
		s.order = append(s.order, t.id)
	default:
		s.mu.Unlock()
		return errorResponse("trigger queue is full")
	}
	s.mu.Unlock()

	s.logger().Info("trigger queued", "run", t.id, "branch", branch)
	return dataResponse(struct {
		ID string `json:"id"`
	}{ID: t.id})
}

func (s *Server) handleStop(id string) IPCResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		if s.runningID == "" {
			return errorResponse("no run in progress")
		}
		id = s.runningID
	}
	t, ok := s.registry[id]
	if !ok {
		return errorResponse(fmt.Sprintf("run %s not found", id))
	}

	switch t.status.State {
	case StateQueued:
		stoppedAt := time.Now().UTC()
		t.status.State = StateCanceled
		t.status.EndedAt = &stoppedAt
		s.logger().Info("queued trigger canceled", "run", id)
		return IPCResponse{OK: true}
	case StateRunning:
		if s.cancelRun != nil {
			s.cancelRun()
		}
		s.logger().Info("stopping running trigger", "run", id)
		return IPCResponse{OK: true}
	default:
		return errorResponse(fmt.Sprintf("run %s is not active", id))
	}
}

func (s *Server) handleList() IPCResponse {
	s.mu.Lock()
	statuses := make([]RunStatus, 0, len(s.order))
	seen := make(map[string]bool, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.registry[s.order[i]]
		statuses = append(statuses, t.status)
		seen[t.id] = true
	}
	s.mu.Unlock()

	records, err := s.Runs.List()
	if err != nil {
		return errorResponse(err.Error())
	}
	for _, run := range records {
		if seen[run.ID] {
			continue
		}
		statuses = append(statuses, statusFromRun(run))
	}
	return dataResponse(statuses)
}

func (s *Server) handleInspect(id string) IPCResponse {
	if id == "" {
		return errorResponse("run id is required")
	}

	s.mu.Lock()
	t, tracked := s.registry[id]
	var live RunStatus
	if tracked {
		live = t.status
	}
	s.mu.Unlock()

	if run, err := s.Runs.Get(id); err == nil {
		details := detailsFromRun(run)
		if tracked {
			// The registry knows about cancellations the record reports
			// as plain failures.
			details.RunStatus = live
		}
		return dataResponse(details)
	}
	if tracked {
		return dataResponse(RunDetails{RunStatus: live})
	}
	return errorResponse(fmt.Sprintf("run %s not found", id))
}

func (s *Server) validate() error {
	switch {
	case s.Socket == "":
		return errors.New("socket path is not configured")
	case s.Pipeline == nil:
		return errors.New("pipeline is not configured")
	case s.Runs == nil:
		return errors.New("run store is not configured")
	}
	return nil
}

func (s *Server) queueSize() int {
	if s.QueueSize > 0 {
		return s.QueueSize
	}
	return defaultQueueSize
}

func (s *Server) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

func errorResponse(message string) IPCResponse {
	return IPCResponse{OK: false, Error: message}
}

func dataResponse(data interface{}) IPCResponse {
	return IPCResponse{OK: true, Data: data}
}
