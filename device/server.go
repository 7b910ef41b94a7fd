// Package device implements the inbound role: a WebSocket server the
// face-recognition terminal connects to. Each connection passes through a
// credential gate before its commands reach the dispatcher.
package device

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/facebridge/component"
	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/metric"
	"github.com/c360/facebridge/protocol"
)

// Server accepts terminal connections and runs the auth gate and command
// dispatch for each.
type Server struct {
	config     Config
	dispatcher *Dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	metrics    *Metrics

	httpServer *http.Server

	conns   map[int64]*websocket.Conn
	connsMu sync.Mutex

	shutdown     chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool
	startTime    time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lifecycleMu  sync.Mutex

	connSeq    atomic.Int64
	errorCount atomic.Int64
}

var _ component.Lifecycle = (*Server)(nil)

// NewServer creates the inbound server. The metrics registry may be nil.
func NewServer(config Config, dispatcher *Dispatcher, registry *metric.Registry, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if dispatcher == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("dispatcher required"),
			"device", "NewServer", "validate dispatcher")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:     config,
		dispatcher: dispatcher,
		logger:     logger.With("component", "device"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		metrics:  newMetrics(registry),
		conns:    make(map[int64]*websocket.Conn),
		shutdown: make(chan struct{}),
	}, nil
}

// Initialize implements component.Lifecycle.
func (s *Server) Initialize() error {
	return nil
}

// Start begins listening for terminal connections.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "device", "Start", "check started state")
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(serverCtx, w, r)
	})
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.errorCount.Add(1)
			s.metrics.trackError("server_error")
			s.logger.Error("listener stopped", "error", err)
		}
	}()

	s.startTime = time.Now()
	s.started.Store(true)
	s.logger.Info("device server started", "port", s.config.Port, "path", s.config.Path,
		"auth_policy", s.config.AuthPolicy)
	return nil
}

// Stop shuts the listener down and closes every open connection.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started.Load() {
		return nil
	}

	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.connsMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[int64]*websocket.Conn)
	s.connsMu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"device", "Stop", "wait for goroutines")
	}

	s.started.Store(false)
	s.logger.Info("device server stopped")
	return nil
}

// Health returns the server's health status.
func (s *Server) Health() component.HealthStatus {
	started := s.started.Load()
	uptime := time.Duration(0)
	if started && !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}
	return component.HealthStatus{
		Healthy:    started,
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		Uptime:     uptime,
	}
}

// Handler returns the upgrade handler, for serving through an external
// listener or an httptest server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(context.Background(), w, r)
	})
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errorCount.Add(1)
		s.metrics.trackError("upgrade_error")
		return
	}

	id := s.connSeq.Add(1)
	s.connsMu.Lock()
	s.conns[id] = conn
	s.connsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionsActive.Inc()
		s.metrics.connectionsTotal.Inc()
	}
	s.logger.Info("terminal connected", "conn", id, "remote", r.RemoteAddr)

	s.wg.Add(1)
	go s.handleConnection(ctx, id, conn)
}

// handleConnection runs the per-connection state machine: every envelope is
// gated on authentication, then dispatched. One response per request.
func (s *Server) handleConnection(ctx context.Context, id int64, conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, id)
		s.connsMu.Unlock()
		if s.metrics != nil {
			s.metrics.connectionsActive.Dec()
		}
		s.logger.Info("terminal disconnected", "conn", id)
	}()

	authenticated := false

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.errorCount.Add(1)
				s.metrics.trackError("read_error")
			}
			return
		}

		env, err := protocol.Parse(message)
		if err != nil {
			// Malformed frames keep the connection; the terminal may
			// recover on its next command.
			s.metrics.trackError("invalid_json")
			s.logger.Warn("malformed message", "conn", id, "error", err)
			s.writeResponse(conn, &protocol.Response{Result: false, Reason: protocol.ReasonInvalidJSON})
			continue
		}
		if env.Kind != protocol.KindRequest {
			s.logger.Warn("dropping non-request envelope", "conn", id, "name", env.Name)
			continue
		}

		if !authenticated {
			ok, closeConn := s.gate(conn, id, env)
			authenticated = ok
			if closeConn {
				return
			}
			continue
		}

		resp := s.dispatcher.Handle(ctx, env)
		s.metrics.trackCommand(env.Name, resp.Result)
		if !s.writeResponse(conn, resp) {
			return
		}
	}
}

// gate handles one envelope in the unauthenticated state. It returns
// whether the connection is now authenticated and whether it must close.
// Credential mismatches and non-auth commands both end the connection; the
// terminal has to reconnect.
func (s *Server) gate(conn *websocket.Conn, id int64, env *protocol.Envelope) (authenticated, closeConn bool) {
	if env.Name != protocol.CmdAuth && env.Name != protocol.CmdRegister {
		s.logger.Warn("command before authentication", "conn", id, "cmd", env.Name)
		s.writeResponse(conn, &protocol.Response{Result: false, Reason: protocol.ReasonNotAuthenticated})
		return false, true
	}

	var req protocol.AuthRequest
	if err := env.Decode(&req); err != nil {
		s.writeResponse(conn, &protocol.Response{Result: false, Reason: protocol.ReasonInvalidJSON})
		return false, false
	}

	if !s.credentialsValid(req.SN, req.CPUSN) {
		if s.metrics != nil {
			s.metrics.authFailures.Inc()
		}
		s.logger.Warn("authentication rejected", "conn", id, "sn", req.SN)
		s.writeResponse(conn, protocol.Fail(env.Name, protocol.ReasonInvalidCredentials))
		return false, true
	}

	s.logger.Info("terminal authenticated", "conn", id, "sn", req.SN, "cmd", env.Name)
	s.metrics.trackCommand(env.Name, true)
	if !s.writeResponse(conn, protocol.OK(env.Name)) {
		return false, true
	}
	return true, false
}

func (s *Server) credentialsValid(sn, cpusn string) bool {
	if s.config.AuthPolicy == AuthPermissive {
		return true
	}
	snMatch := subtle.ConstantTimeCompare([]byte(sn), []byte(s.config.SerialNumber)) == 1
	keyMatch := subtle.ConstantTimeCompare([]byte(cpusn), []byte(s.config.CPUSerial)) == 1
	return snMatch && keyMatch
}

func (s *Server) writeResponse(conn *websocket.Conn, resp *protocol.Response) bool {
	data, err := resp.Marshal()
	if err != nil {
		s.errorCount.Add(1)
		s.metrics.trackError("marshal_error")
		return true
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.errorCount.Add(1)
		s.metrics.trackError("write_error")
		return false
	}
	return true
}
