package report

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/scheduler"
)

// Event names emitted to the dashboard.
const (
	EventJobStarted  = "job_started"
	EventJobFinished = "job_finished"
	EventRunFinished = "run_finished"
)

// ConnectTimeout bounds the initial Socket.IO handshake.
var ConnectTimeout = 15 * time.Second

// Emitter is the part of a Socket.IO client the reporter uses.
type Emitter interface {
	Emit(event string, args ...any) error
}

// SocketIO forwards job events to a Socket.IO server. After the first emit
// error it logs once and stops sending.
type SocketIO struct {
	Emitter Emitter
	Logger  *slog.Logger

	mu       sync.Mutex
	disabled bool
	client   *socket.Socket
}

var _ scheduler.Observer = (*SocketIO)(nil)

// DialSocketIO connects to rawURL over websocket and joins namespace.
func DialSocketIO(ctx context.Context, rawURL, namespace string, logger *slog.Logger) (*SocketIO, error) {
	logger = logging.Ensure(logger).With("url", rawURL)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket.io url: %w", err)
	}
	if namespace == "" {
		namespace = "/"
	}

	opts := socket.DefaultOptions()
	if parsed.Path != "" {
		opts.SetPath(parsed.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connected := make(chan error, 1)
	manager := socket.NewManager(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), opts)
	io := manager.Socket(namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		signal(connected, nil)
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		if len(errs) > 0 {
			if err, ok := errs[0].(error); ok {
				signal(connected, err)
				return
			}
		}
		signal(connected, fmt.Errorf("connect error: %v", errs))
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, ctx.Err()
	case <-time.After(ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", ConnectTimeout)
	}

	logger.Debug("connected to dashboard", "sid", io.Id())
	return &SocketIO{Emitter: io, Logger: logger, client: io}, nil
}

func (s *SocketIO) JobStarted(ev scheduler.Event) {
	s.emit(EventJobStarted, statusFromEvent(ev))
}

func (s *SocketIO) JobFinished(ev scheduler.Event) {
	s.emit(EventJobFinished, statusFromEvent(ev))
}

func (s *SocketIO) RunFinished(r scheduler.Report) {
	jobs := make([]JobStatus, 0, len(r.Order))
	for _, res := range r.Results() {
		jobs = append(jobs, statusFromResult(res))
	}
	s.emit(EventRunFinished, map[string]any{
		"status": r.Status.String(),
		"jobs":   jobs,
	})
}

func (s *SocketIO) emit(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled || s.Emitter == nil {
		return
	}
	if err := s.Emitter.Emit(event, payload); err != nil {
		s.disabled = true
		logging.Ensure(s.Logger).Warn("socket.io reporting disabled", "event", event, "error", err)
	}
}

// Close disconnects a dialed client.
func (s *SocketIO) Close() {
	if s.client != nil {
		s.client.Disconnect()
	}
}

// signal delivers the first connection outcome; later ones are dropped so an
// event goroutine never blocks on a dial that already returned.
func signal(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
