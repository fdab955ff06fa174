package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-callrelay/internal/log"
)

// ErrManagerClosed is returned by Serve once Shutdown has begun.
var ErrManagerClosed = errors.New("bridge: manager is shut down")

// counters are shared by every bridge a Manager runs.
type counters struct {
	started   atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

// Manager runs media stream bridges and tracks the live one per session.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	stats  counters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	bridges map[string]*Bridge
	closed  bool
}

// NewManager creates a Manager. Bridges inherit deps and cfg.
func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Logger == nil {
		deps.Logger = log.Component("bridge")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		cfg:     cfg,
		logger:  deps.Logger,
		ctx:     ctx,
		cancel:  cancel,
		bridges: make(map[string]*Bridge),
	}
}

// RegisterRoutes mounts the media stream endpoint at path. Requests that
// are not WebSocket upgrades get 426 Upgrade Required.
func (m *Manager) RegisterRoutes(router fiber.Router, path string) {
	router.Use(path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get(path, websocket.New(func(c *websocket.Conn) {
		_ = m.Serve(c)
	}))
}

// Serve runs a bridge over leg until it closes. Streams arriving after
// Shutdown are closed with 1001 and get ErrManagerClosed.
func (m *Manager) Serve(leg Leg) error {
	b := New(leg, m.deps, m.cfg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		b.reject(websocket.CloseGoingAway, ErrManagerClosed)
		return ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	b.stats = &m.stats
	b.onResolved = m.attach
	b.onClosed = m.detach

	err := b.Run(m.ctx)
	if err != nil {
		m.logger.Debug("bridge finished", "bridge_id", b.ID(), "error", err)
	}
	return err
}

// attach records b as the live bridge for its session. A stream that
// reconnects for the same session replaces the old one.
func (m *Manager) attach(b *Bridge) {
	id := b.SessionID()

	m.mu.Lock()
	prev := m.bridges[id]
	m.bridges[id] = b
	count := len(m.bridges)
	m.mu.Unlock()

	if prev != nil && prev != b {
		m.logger.Info("replacing bridge for session", "session_id", id, "previous", prev.ID())
		prev.Terminate()
	}
	m.logger.Debug("bridge attached", "session_id", id, "active", count)
}

func (m *Manager) detach(b *Bridge) {
	id := b.SessionID()
	if id == "" {
		return
	}
	m.mu.Lock()
	if m.bridges[id] == b {
		delete(m.bridges, id)
	}
	count := len(m.bridges)
	m.mu.Unlock()
	m.logger.Debug("bridge detached", "session_id", id, "active", count)
}

// Terminate closes the live bridge for a session and waits for it to finish
// or for ctx to end. It reports whether a bridge was running; no bridge is
// not an error.
func (m *Manager) Terminate(ctx context.Context, sessionID string) bool {
	m.mu.RLock()
	b := m.bridges[sessionID]
	m.mu.RUnlock()
	if b == nil {
		return false
	}

	b.Terminate()
	select {
	case <-b.Done():
	case <-ctx.Done():
	}
	return true
}

// Get returns the live bridge for a session.
func (m *Manager) Get(sessionID string) (*Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[sessionID]
	return b, ok
}

// Active returns the number of live bridges.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bridges)
}

// Infos returns a snapshot of every live bridge.
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(bridges))
	for _, b := range bridges {
		infos = append(infos, b.Info())
	}
	return infos
}

// Stats contains manager statistics.
type Stats struct {
	Active    int    `json:"active"`
	Started   uint64 `json:"started"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	FramesIn  uint64 `json:"framesIn"`
	FramesOut uint64 `json:"framesOut"`
}

// Stats returns manager statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Active:    m.Active(),
		Started:   m.stats.started.Load(),
		Failed:    m.stats.failed.Load(),
		Rejected:  m.stats.rejected.Load(),
		FramesIn:  m.stats.framesIn.Load(),
		FramesOut: m.stats.framesOut.Load(),
	}
}

// Shutdown terminates every bridge and waits for them to exit or for ctx
// to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

