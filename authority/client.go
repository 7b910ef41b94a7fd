// Package authority implements the outbound role: a WebSocket client to
// the remote attendance authority. Responses are matched to requests by
// the correlator; authority-initiated commands arriving on the same
// socket are acknowledged and surfaced through a handler hook.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/facebridge/component"
	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/metric"
	"github.com/c360/facebridge/protocol"
)

// CommandHandler observes authority-initiated commands (setuserinfo,
// deleteuser). The acknowledgment is sent regardless of the handler.
type CommandHandler func(ctx context.Context, cmd *protocol.UserInfoCommand)

// ConnectHandler runs after each successful dial, before the connection is
// announced ready. A non-nil error closes the connection and schedules a
// re-dial; the register handshake lives here.
type ConnectHandler func(ctx context.Context) error

// Client maintains the outbound connection and issues correlated calls.
type Client struct {
	config     Config
	correlator *Correlator
	logger     *slog.Logger
	metrics    *Metrics

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	onConnect atomic.Value // ConnectHandler
	onCommand atomic.Value // CommandHandler

	shutdown     chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool
	startTime    time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lifecycleMu  sync.Mutex

	reconnectAttempts atomic.Int32
	errorCount        atomic.Int64
}

var _ component.Lifecycle = (*Client)(nil)

// NewClient creates the outbound client. The metrics registry may be nil.
func NewClient(config Config, registry *metric.Registry, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:     config,
		correlator: NewCorrelator(logger),
		logger:     logger.With("component", "authority"),
		metrics:    newMetrics(registry),
		shutdown:   make(chan struct{}),
	}, nil
}

// SetConnectHandler installs the post-dial hook. Must be set before Start.
func (c *Client) SetConnectHandler(h ConnectHandler) {
	c.onConnect.Store(h)
}

// SetCommandHandler installs the observer for authority-initiated commands.
func (c *Client) SetCommandHandler(h CommandHandler) {
	c.onCommand.Store(h)
}

// Initialize implements component.Lifecycle.
func (c *Client) Initialize() error {
	return nil
}

// Start launches the connect loop. The first dial happens synchronously so
// callers learn immediately whether the authority is reachable; later
// disconnects re-dial in the background with backoff.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "authority", "Start", "check started state")
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.connect(clientCtx); err != nil {
		cancel()
		return err
	}

	c.wg.Add(1)
	go c.connectLoop(clientCtx)

	c.startTime = time.Now()
	c.started.Store(true)
	return nil
}

// Stop closes the connection and fails all pending requests.
func (c *Client) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.started.Load() {
		return nil
	}

	c.shutdownOnce.Do(func() {
		close(c.shutdown)
	})
	c.cancel()
	c.closeConn()

	doneCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"authority", "Stop", "wait for goroutines")
	}

	c.correlator.FailAll(errors.WrapTransient(errors.ErrConnectionClosed,
		"authority", "Stop", "resolve pending requests"))
	c.started.Store(false)
	c.logger.Info("authority client stopped")
	return nil
}

// Health reports connection state.
func (c *Client) Health() component.HealthStatus {
	started := c.started.Load()
	uptime := time.Duration(0)
	if started && !c.startTime.IsZero() {
		uptime = time.Since(c.startTime)
	}
	return component.HealthStatus{
		Healthy:    started && c.Connected(),
		LastCheck:  time.Now(),
		ErrorCount: int(c.errorCount.Load()),
		Uptime:     uptime,
	}
}

// Connected reports whether the outbound socket is up.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Register performs the credential handshake.
func (c *Client) Register(ctx context.Context) error {
	req := protocol.AuthRequest{
		Cmd:        protocol.CmdRegister,
		SN:         c.config.SerialNumber,
		CPUSN:      c.config.CPUSerial,
		DevInfo:    map[string]any{},
		NoSendUser: true,
	}
	resp, err := c.Call(ctx, protocol.CmdRegister, req)
	if err != nil {
		return err
	}
	if !resp.Result {
		return errors.WrapFatal(errors.ErrAuthRejected, "authority", "Register",
			"register "+c.config.SerialNumber)
	}
	c.logger.Info("registered with authority", "sn", c.config.SerialNumber)
	return nil
}

// SendLogs forwards a batch of attendance log entries.
func (c *Client) SendLogs(ctx context.Context, records []protocol.LogRecord) (*protocol.Response, error) {
	count := len(records)
	req := protocol.SendLogRequest{
		Cmd:    protocol.CmdSendLog,
		SN:     c.config.SerialNumber,
		Record: records,
		Count:  &count,
	}
	return c.Call(ctx, protocol.CmdSendLog, req)
}

// SendUser pushes a user record to the authority.
func (c *Client) SendUser(ctx context.Context, req protocol.SendUserRequest) (*protocol.Response, error) {
	req.Cmd = protocol.CmdSendUser
	return c.Call(ctx, protocol.CmdSendUser, req)
}

// Call sends one request and awaits the matching response. The pending
// entry is queued before the bytes are flushed so a fast response cannot
// arrive unmatched.
func (c *Client) Call(ctx context.Context, cmd string, payload any) (*protocol.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "authority", "Call", "encode "+cmd)
	}

	p := c.correlator.Add(cmd)
	if err := c.write(data); err != nil {
		c.correlator.remove(p)
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.requestsSent.WithLabelValues(cmd).Inc()
	}
	started := time.Now()
	resp, err := c.correlator.Await(ctx, p, c.config.RequestTimeout)
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			c.metrics.trackError("request_timeout")
		}
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.requestDuration.WithLabelValues(cmd).Observe(time.Since(started).Seconds())
	}
	return resp, nil
}

func (c *Client) write(data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "authority", "write", "check connection")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.errorCount.Add(1)
		c.metrics.trackError("write_error")
		return errors.WrapTransient(err, "authority", "write", "send frame")
	}
	return nil
}

// connect dials once and hands the socket to the read loop.
func (c *Client) connect(ctx context.Context) error {
	dialer := &websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		c.metrics.trackError("connect_error")
		return errors.WrapTransient(err, "authority", "connect", "dial "+c.config.URL)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.readLoop(ctx, conn)

	if h, ok := c.onConnect.Load().(ConnectHandler); ok && h != nil {
		if err := h(ctx); err != nil {
			c.closeConn()
			return errors.WrapTransient(err, "authority", "connect", "post-dial handshake")
		}
	}

	c.reconnectAttempts.Store(0)
	if c.metrics != nil {
		c.metrics.connected.Set(1)
	}
	c.logger.Info("connected to authority", "url", c.config.URL)
	return nil
}

// connectLoop re-dials after disconnects with exponential backoff.
func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		if c.Connected() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if limit := c.config.Reconnect.MaxRetries; limit > 0 && int(c.reconnectAttempts.Load()) >= limit {
			c.logger.Error("reconnect attempts exhausted", "attempts", c.reconnectAttempts.Load())
			return
		}

		delay := c.reconnectDelay()
		c.reconnectAttempts.Add(1)
		if c.metrics != nil {
			c.metrics.reconnects.Inc()
		}
		c.logger.Info("reconnecting to authority", "attempt", c.reconnectAttempts.Load(), "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("reconnect failed", "error", err)
		}
	}
}

func (c *Client) reconnectDelay() time.Duration {
	cfg := c.config.Reconnect
	delay := cfg.InitialInterval
	for i := int32(0); i < c.reconnectAttempts.Load(); i++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxInterval {
			return cfg.MaxInterval
		}
	}
	return delay
}

// readLoop consumes every inbound envelope: responses feed the correlator,
// requests are authority-initiated commands that get acknowledged.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	defer func() {
		c.closeConnIf(conn)
		c.correlator.FailAll(errors.WrapTransient(errors.ErrConnectionClosed,
			"authority", "readLoop", "resolve pending requests"))
		if c.metrics != nil {
			c.metrics.connected.Set(0)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.shutdown:
				case <-ctx.Done():
				default:
					c.errorCount.Add(1)
					c.metrics.trackError("read_error")
					c.logger.Warn("authority connection lost", "error", err)
				}
			}
			return
		}

		env, err := protocol.Parse(message)
		if err != nil {
			c.metrics.trackError("parse_error")
			c.logger.Warn("malformed authority message", "error", err)
			continue
		}

		switch env.Kind {
		case protocol.KindResponse:
			resp, err := env.Response()
			if err != nil {
				c.metrics.trackError("parse_error")
				continue
			}
			if !c.correlator.Resolve(resp) {
				// Unsolicited pushes share the channel; not an error
				c.logger.Warn("dropping unmatched response", "ret", resp.Ret)
			}
		case protocol.KindRequest:
			c.handleCommand(ctx, env)
		}
	}
}

// handleCommand acknowledges an authority-initiated command and passes it
// to the registered observer.
func (c *Client) handleCommand(ctx context.Context, env *protocol.Envelope) {
	switch env.Name {
	case protocol.CmdSetUserInfo, protocol.CmdDeleteUser:
		var cmd protocol.UserInfoCommand
		if err := env.Decode(&cmd); err != nil {
			c.metrics.trackError("parse_error")
			return
		}
		if h, ok := c.onCommand.Load().(CommandHandler); ok && h != nil {
			h(ctx, &cmd)
		}
		ack, err := cmd.Ack(c.config.SerialNumber).Marshal()
		if err != nil {
			return
		}
		if err := c.write(ack); err != nil {
			c.logger.Warn("command ack failed", "cmd", env.Name, "error", err)
		}
		if c.metrics != nil {
			c.metrics.commandsReceived.WithLabelValues(env.Name).Inc()
		}
	default:
		c.logger.Warn("unexpected authority request", "cmd", env.Name)
	}
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// closeConnIf clears the tracked connection only when it is still conn,
// so a newer socket is never torn down by an old read loop.
func (c *Client) closeConnIf(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
}
