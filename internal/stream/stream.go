// File: internal/stream/stream.go
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"candleboard/internal/market"
)

// State is the lifecycle phase of the feed connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config tunes the manager. Zero values fall back to the defaults below.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	BaseDelay        time.Duration // wait after the first failure
	BackoffFactor    float64       // growth per additional consecutive failure
	MaxAttempts      int           // consecutive failures before giving up
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultBaseDelay        = 3 * time.Second
	defaultBackoffFactor    = 1.5
	defaultMaxAttempts      = 5
)

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = defaultBackoffFactor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Manager owns at most one live feed connection. It redials with
// exponential backoff after failures, parks after MaxAttempts consecutive
// failures until Reset re-arms it, and fans parsed frames out on buffered
// channels, dropping on slow consumers so the read loop never blocks.
type Manager struct {
	cfg Config
	log *logrus.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	connID uuid.UUID

	quotes  chan market.Quote
	states  chan State
	watched chan []string
	resetCh chan struct{}

	dropped atomic.Uint64
}

func NewManager(cfg Config, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		log:     log,
		quotes:  make(chan market.Quote, 256),
		states:  make(chan State, 16),
		watched: make(chan []string, 8),
		resetCh: make(chan struct{}, 1),
	}
}

// Quotes streams every accepted quote frame. Slow consumers lose frames.
func (m *Manager) Quotes() <-chan market.Quote { return m.quotes }

// States streams connection state transitions.
func (m *Manager) States() <-chan State { return m.states }

// Watched streams the feed-side subscribed list carried by status frames.
func (m *Manager) Watched() <-chan []string { return m.watched }

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dropped reports how many quote frames were discarded because the
// consumer lagged.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

// Reset re-arms the dial loop after the retry budget is exhausted. This is
// the path behind the dashboard's reconnect button.
func (m *Manager) Reset() {
	select {
	case m.resetCh <- struct{}{}:
	default:
	}
}

// Run drives the connection until ctx is cancelled. Cancelling ctx also
// aborts any pending backoff wait.
func (m *Manager) Run(ctx context.Context) error {
	for {
		failures := 0
		for {
			if failures > 0 {
				delay := m.backoff(failures)
				m.log.WithFields(logrus.Fields{
					"failures": failures,
					"delay":    delay,
				}).Info("stream reconnect scheduled")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
			established, err := m.runOnce(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if established {
				// a drop of a live session opens a fresh failure run
				failures = 1
				m.log.WithError(err).Warn("stream connection lost")
			} else {
				failures++
				m.log.WithError(err).WithField("failures", failures).Warn("stream dial failed")
			}
			if failures >= m.cfg.MaxAttempts {
				break
			}
		}

		// a reset that arrived while the loop was still dialing is stale;
		// only a request made during the park re-arms the budget
		select {
		case <-m.resetCh:
		default:
		}
		m.log.WithField("failures", m.cfg.MaxAttempts).Warn("stream retries exhausted, waiting for reconnect request")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.resetCh:
			m.log.Info("stream re-armed")
		}
	}
}

// backoff returns the wait before the next dial given the number of
// consecutive failures so far: BaseDelay * BackoffFactor^(failures-1).
func (m *Manager) backoff(failures int) time.Duration {
	d := float64(m.cfg.BaseDelay) * math.Pow(m.cfg.BackoffFactor, float64(failures-1))
	return time.Duration(d)
}

// runOnce performs a single dial-consume cycle. established reports
// whether the handshake succeeded, so the caller can tell a failed dial
// apart from a dropped session.
func (m *Manager) runOnce(ctx context.Context) (established bool, err error) {
	id := uuid.New()
	m.setState(Connecting)

	dialer := websocket.Dialer{
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header)
	if err != nil {
		m.setState(Disconnected)
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.connID = id
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.connID == id {
			m.conn = nil
		}
		m.mu.Unlock()
		m.setState(Disconnected)
	}()

	m.setState(Connected)
	m.log.WithField("conn_id", id).Info("stream connected")

	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()

	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			m.dispatch(id, data)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ping.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case err := <-errCh:
			return true, err
		}
	}
}

// current reports whether id still identifies the active transport. Frames
// read by a superseded session must not reach consumers.
func (m *Manager) current(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID == id
}

func (m *Manager) dispatch(id uuid.UUID, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		m.log.WithError(err).WithField("conn_id", id).Warn("stream frame is not valid JSON, dropped")
		return
	}
	switch head.Type {
	case "quote":
		var q market.Quote
		if err := json.Unmarshal(data, &q); err != nil {
			m.log.WithError(err).WithField("conn_id", id).Warn("quote frame malformed, dropped")
			return
		}
		if q.Symbol == "" || q.LastDone <= 0 {
			m.log.WithField("conn_id", id).Warn("quote frame missing required fields, dropped")
			return
		}
		if !m.current(id) {
			return
		}
		select {
		case m.quotes <- q:
		default:
			if n := m.dropped.Add(1); n%100 == 1 {
				m.log.WithField("dropped", n).Warn("quote consumer lagging, dropping frames")
			}
		}
	case "status":
		var st struct {
			Subscribed []string `json:"subscribed"`
		}
		if err := json.Unmarshal(data, &st); err != nil {
			m.log.WithError(err).WithField("conn_id", id).Warn("status frame malformed, dropped")
			return
		}
		if !m.current(id) {
			return
		}
		select {
		case m.watched <- st.Subscribed:
		default:
		}
	default:
		// unknown frame kinds are not an error
	}
}

func (m *Manager) setState(st State) {
	m.mu.Lock()
	if m.state == st {
		m.mu.Unlock()
		return
	}
	m.state = st
	m.mu.Unlock()
	select {
	case m.states <- st:
	default:
	}
}
