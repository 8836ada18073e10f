package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for the engine lifecycle.
const (
	defaultBindHost          = "127.0.0.1"
	defaultReadyPollInterval = 100 * time.Millisecond
	defaultReadyPollAttempts = 50
	defaultShutdownTimeout   = 5 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

// State is the lifecycle state of an Engine.
type State int32

const (
	// StateNotStarted is the initial state.
	StateNotStarted State = iota
	// StateStarting means the accept loop is binding and Start is polling.
	StateStarting
	// StateRunning means the listener accepts connections.
	StateRunning
	// StateStopping means the listener refuses new connections.
	StateStopping
	// StateStopped means the listener is closed; Start may be called again.
	StateStopped
	// StateFailed is absorbing: a failed engine cannot be started again.
	StateFailed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrEngineFailed is returned by Start on an engine that previously failed.
var ErrEngineFailed = errors.New("proxy: engine failed and cannot be restarted")

// StartError is returned when the listener fails to bind or does not become
// ready within the polling budget.
type StartError struct {
	Addr string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("proxy: failed to start listener on %s: %v", e.Addr, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// ListenerInfo describes a running listener. Host and Port stay valid and
// stable while the engine is running.
type ListenerInfo struct {
	Host string
	Port int
	URL  string
}

// ListenerState is a point-in-time view of the engine's listener.
type ListenerState struct {
	BindHost      string
	RequestedPort int
	// ActualPort is zero until startup has recorded the bound port.
	ActualPort int
	Status     State
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Store supplies routing snapshots. Required.
	Store *Store

	// TunnelAll sends every request through the gateway. Rule evaluation is
	// still performed and logged but does not change the route.
	TunnelAll bool

	// BindHost is the listen address. Defaults to 127.0.0.1.
	BindHost string

	// ReadyPollInterval is the delay between readiness checks during Start.
	// Defaults to 100ms.
	ReadyPollInterval time.Duration

	// ReadyPollAttempts bounds the number of readiness checks. Defaults to 50.
	ReadyPollAttempts int

	// ShutdownTimeout bounds how long Stop waits for the accept loop.
	// Defaults to 5s.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout bounds how long a client may take to send request
	// headers. Defaults to 10s.
	ReadHeaderTimeout time.Duration

	// DialContext, DialTimeout and IdleTimeout are passed to the HTTP proxy.
	DialContext DialFunc
	DialTimeout time.Duration
	IdleTimeout time.Duration

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Engine owns the local forward proxy listener. The accept loop runs on its
// own goroutine and reads the Store on every request.
//
// It is safe for concurrent use.
type Engine struct {
	cfg     EngineConfig
	logger  *slog.Logger
	decider *Decider
	handler *HTTPProxy

	mu            sync.Mutex // serializes Start and Stop
	state         atomic.Int32
	requestedPort atomic.Int32
	info          atomic.Pointer[ListenerInfo]
	run           atomic.Pointer[engineRun]

	// listen binds the socket inside the accept goroutine.
	listen func(network, addr string) (net.Listener, error)
	// after paces readiness polling.
	after func(time.Duration) <-chan time.Time
}

// engineRun is one start/stop cycle of the accept loop.
type engineRun struct {
	srv  *http.Server
	port atomic.Int32
	done chan struct{}

	mu       sync.Mutex
	ln       net.Listener
	stopping bool
	err      error
}

// NewEngine creates an Engine in the NotStarted state.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, errors.New("proxy: engine requires a store")
	}
	c := *cfg
	if c.BindHost == "" {
		c.BindHost = defaultBindHost
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = defaultReadyPollInterval
	}
	if c.ReadyPollAttempts <= 0 {
		c.ReadyPollAttempts = defaultReadyPollAttempts
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	decider := NewDecider(&DeciderConfig{
		Store:     c.Store,
		TunnelAll: c.TunnelAll,
		Logger:    c.Logger,
	})
	handler := NewHTTPProxy(&HTTPConfig{
		Decider:     decider,
		DialContext: c.DialContext,
		DialTimeout: c.DialTimeout,
		IdleTimeout: c.IdleTimeout,
		Logger:      c.Logger,
	})

	return &Engine{
		cfg:     c,
		logger:  c.Logger,
		decider: decider,
		handler: handler,
		listen:  net.Listen,
		after:   time.After,
	}, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Decider returns the routing hook used for every request.
func (e *Engine) Decider() *Decider {
	return e.decider
}

// ListenerState returns the listener's bind parameters and status.
func (e *Engine) ListenerState() ListenerState {
	ls := ListenerState{
		BindHost:      e.cfg.BindHost,
		RequestedPort: int(e.requestedPort.Load()),
		Status:        e.State(),
	}
	if run := e.run.Load(); run != nil {
		ls.ActualPort = int(run.port.Load())
	}
	return ls
}

// Info returns the listener info and whether the engine is running.
func (e *Engine) Info() (ListenerInfo, bool) {
	if e.State() != StateRunning {
		return ListenerInfo{}, false
	}
	if info := e.info.Load(); info != nil {
		return *info, true
	}
	return ListenerInfo{}, false
}

// Start binds the listener on port (0 picks an ephemeral port) and waits
// until the accept loop reports the bound port. Calling Start on a running
// engine returns the existing listener info.
func (e *Engine) Start(ctx context.Context, port int) (ListenerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case StateRunning:
		return *e.info.Load(), nil
	case StateFailed:
		return ListenerInfo{}, &StartError{Addr: e.cfg.BindHost, Err: ErrEngineFailed}
	}

	addr := net.JoinHostPort(e.cfg.BindHost, strconv.Itoa(port))
	if port < 0 || port > 65535 {
		return ListenerInfo{}, &StartError{Addr: addr, Err: fmt.Errorf("invalid port %d", port)}
	}

	e.state.Store(int32(StateStarting))
	e.requestedPort.Store(int32(port))
	e.info.Store(nil)

	run := &engineRun{
		srv: &http.Server{
			Handler:           e.handler,
			IdleTimeout:       e.handler.config.IdleTimeout,
			ReadHeaderTimeout: e.cfg.ReadHeaderTimeout,
		},
		done: make(chan struct{}),
	}
	e.run.Store(run)
	go e.acceptLoop(run, addr)

	if err := e.waitReady(ctx, run); err != nil {
		e.abort(run)
		e.state.Store(int32(StateFailed))
		e.logger.Error("proxy engine failed to start", "addr", addr, "error", err)
		return ListenerInfo{}, &StartError{Addr: addr, Err: err}
	}

	actual := int(run.port.Load())
	info := &ListenerInfo{
		Host: e.cfg.BindHost,
		Port: actual,
		URL:  "http://" + net.JoinHostPort(e.cfg.BindHost, strconv.Itoa(actual)),
	}
	e.info.Store(info)
	e.state.Store(int32(StateRunning))
	if gw := e.cfg.Store.Load(); gw != nil && gw.Gateway.Configured() {
		e.logger.Info("upstream gateway", "gateway", gw.Gateway.Redacted())
	}
	e.logger.Info("proxy engine listening", "url", info.URL, "tunnel_all", e.cfg.TunnelAll)
	return *info, nil
}

// acceptLoop binds the socket, records the port and serves until shutdown.
func (e *Engine) acceptLoop(run *engineRun, addr string) {
	defer close(run.done)

	ln, err := e.listen("tcp", addr)
	if err != nil {
		run.mu.Lock()
		run.err = fmt.Errorf("listen: %w", err)
		run.mu.Unlock()
		return
	}

	run.mu.Lock()
	if run.stopping {
		run.mu.Unlock()
		_ = ln.Close()
		return
	}
	run.ln = ln
	run.mu.Unlock()
	run.port.Store(int32(portFromAddr(ln.Addr())))

	if err := run.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.logger.Error("proxy server error", "error", err)
		run.mu.Lock()
		run.err = err
		run.mu.Unlock()
	}
}

// waitReady polls until the accept loop has recorded a port. When the
// budget is exhausted while the loop is still alive, startup is treated as
// successful with best-effort port information.
func (e *Engine) waitReady(ctx context.Context, run *engineRun) error {
	for attempt := 0; attempt < e.cfg.ReadyPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.after(e.cfg.ReadyPollInterval):
		}
		if run.port.Load() != 0 {
			return nil
		}
		if run.exited() {
			return run.exitErr()
		}
	}

	if run.port.Load() != 0 {
		return nil
	}
	if run.exited() {
		return run.exitErr()
	}
	e.logger.Warn("proxy readiness budget exhausted, accept loop still alive",
		"attempts", e.cfg.ReadyPollAttempts, "interval", e.cfg.ReadyPollInterval)
	return nil
}

// Stop shuts the listener down. It is a no-op unless the engine is running.
// New connections are refused once stopping begins; established tunnels
// are left to finish on their own.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != StateRunning {
		return nil
	}
	e.state.Store(int32(StateStopping))

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()

	err := e.shutdown(ctx, e.run.Load())
	e.run.Store(nil)
	e.info.Store(nil)
	e.state.Store(int32(StateStopped))
	e.logger.Info("proxy engine stopped")
	return err
}

// shutdown stops run and waits for its accept loop within ctx.
func (e *Engine) shutdown(ctx context.Context, run *engineRun) error {
	run.mu.Lock()
	run.stopping = true
	ln := run.ln
	run.mu.Unlock()

	var errs []error
	if err := run.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		_ = run.srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	e.handler.CloseIdleConnections()

	select {
	case <-run.done:
	case <-ctx.Done():
		// The accept loop may still be blocked binding the socket; it will
		// close the listener itself once it sees stopping.
		e.logger.Warn("proxy accept loop did not exit in time")
	}
	return errors.Join(errs...)
}

// abort tears down a run that never became ready.
func (e *Engine) abort(run *engineRun) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	_ = e.shutdown(ctx, run)
	e.run.Store(nil)
}

func (r *engineRun) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *engineRun) exitErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return errors.New("accept loop exited before becoming ready")
}

// portFromAddr extracts the port number from a net.Addr.
// Returns 0 if the address is nil or the port cannot be determined.
func portFromAddr(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if ok {
		return tcpAddr.Port
	}
	return 0
}
