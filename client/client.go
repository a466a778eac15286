// Package client implements the tag-polling OPC UA client behind the alarm
// panel: one supervised worker goroutine owns the connection, resolves the
// configured tags into node handles, polls them on a fixed period, reconciles
// operator writes against server-confirmed values and emits deduplicated
// per-cycle change batches.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lioil1020-JackLee/water-house/config"
)

var (
	ErrUnknownTag  = errors.New("unknown tag")
	ErrBadValue    = errors.New("value must be bool or float64")
	ErrStopped     = errors.New("client stopped")
	ErrBusy        = errors.New("command queue full")
	ErrNoValue     = errors.New("no value available")
	ErrNotRunning  = errors.New("client not started")
	ErrUnavailable = errors.New("tag unavailable on this connection")
)

// Config carries the connection endpoint and the timing knobs of the poll
// loop. Zero fields fall back to the defaults in the config package.
type Config struct {
	Endpoint       string
	PollInterval   time.Duration
	SettleTimeout  time.Duration // pending writes older than this are abandoned
	BackoffFloor   time.Duration
	BackoffStep    time.Duration
	BackoffCeiling time.Duration
	FailedCycles   int // consecutive fully-failed cycles before reconnect
	ReadTimeout    time.Duration
	CloseTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = config.DefaultEndpoint
	}
	if c.PollInterval <= 0 {
		c.PollInterval = config.DefaultPollInterval
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = config.DefaultSettleTimeout
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = config.DefaultBackoffFloor
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = config.DefaultBackoffStep
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = config.DefaultBackoffCeiling
	}
	if c.FailedCycles <= 0 {
		c.FailedCycles = config.DefaultFailedCycles
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = config.DefaultReadTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = config.DefaultCloseTimeout
	}
	return c
}

type pendingWrite struct {
	value       Value
	submittedAt time.Time
}

type writeCmd struct {
	name  string
	value Value
}

type readCmd struct {
	name  string
	reply chan readReply
}

type readReply struct {
	value Value
	err   error
}

// Client is safe for use from any goroutine. All network I/O happens on the
// worker started by Start; the caller-facing methods only touch the shared
// pending/last-emitted tables and the command queue.
type Client struct {
	cfg  Config
	tags []config.Tag
	log  zerolog.Logger

	// Seams for tests. dial opens a session, now supplies timestamps.
	dial dialFunc
	now  func() time.Time

	events chan Event
	cmds   chan any

	mu       sync.Mutex
	pending  map[string]pendingWrite
	lastEmit map[string]Value
	healthy  bool
	started  bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config, tags []config.Tag, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg.withDefaults(),
		tags:     tags,
		log:      log.With().Str("component", "client").Logger(),
		dial:     dialOPC,
		now:      time.Now,
		events:   make(chan Event, 16),
		cmds:     make(chan any, 64),
		pending:  make(map[string]pendingWrite),
		lastEmit: make(map[string]Value),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start spawns the supervised worker. It returns immediately; the worker runs
// until Stop.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.run()
	})
}

// Stop aborts in-flight I/O and waits for the worker to exit. Idempotent;
// pending writes are not flushed.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		// No worker was ever spawned, so nothing will close done.
		if started {
			<-c.done
		}
	})
}

// Events returns the outbound stream. The channel is closed when the worker
// exits after Stop.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SubmitWrite records a pending write for the tag and queues the actual
// server write onto the worker. It never blocks on network I/O. A second
// submit for the same tag supersedes the first. Submitting the value a tag is
// already settled at is a no-op.
func (c *Client) SubmitWrite(name string, v Value) error {
	if c.ctx.Err() != nil {
		return ErrStopped
	}
	if !c.knownTag(name) {
		return fmt.Errorf("%w: %s", ErrUnknownTag, name)
	}
	if !validValue(v) {
		return fmt.Errorf("%w: %T", ErrBadValue, v)
	}

	c.mu.Lock()
	if _, inFlight := c.pending[name]; !inFlight {
		if last, ok := c.lastEmit[name]; ok && equalValues(last, v) {
			c.mu.Unlock()
			return nil
		}
	}
	c.pending[name] = pendingWrite{value: v, submittedAt: c.now()}
	c.mu.Unlock()

	select {
	case c.cmds <- writeCmd{name: name, value: v}:
		return nil
	default:
		// Leave the pending entry in place; the settlement timeout will
		// reconcile it if the queue never drains.
		return ErrBusy
	}
}

// ReadValue performs a synchronous point read through the worker, bounded by
// both ctx and the configured read timeout. Callers treat an error as "value
// unknown".
func (c *Client) ReadValue(ctx context.Context, name string) (Value, error) {
	if !c.knownTag(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, name)
	}
	ctx, cancelTimeout := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancelTimeout()

	cmd := readCmd{name: name, reply: make(chan readReply, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrStopped
	}
	select {
	case rep := <-cmd.reply:
		return rep.value, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrStopped
	}
}

// ClearPending removes the pending-write entry for a tag. Consumers call
// this after a write-failed event to drop the optimistic local echo.
func (c *Client) ClearPending(name string) {
	c.mu.Lock()
	delete(c.pending, name)
	c.mu.Unlock()
}

// HasPending reports whether a write is in its settlement window for the tag.
func (c *Client) HasPending(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[name]
	return ok
}

// LastValue returns the most recently emitted value for a tag; ok is false
// while the value is unknown (before the first poll or after a reconnect).
func (c *Client) LastValue(name string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lastEmit[name]
	return v, ok
}

// Healthy reports the consumer-visible binary health state.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *Client) knownTag(name string) bool {
	for _, t := range c.tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

// setHealth applies a health transition and fires the edge-triggered signal.
// Re-asserting the current state is a no-op.
func (c *Client) setHealth(up bool) {
	c.mu.Lock()
	if c.healthy == up {
		c.mu.Unlock()
		return
	}
	c.healthy = up
	c.mu.Unlock()
	if up {
		c.log.Info().Msg("link healthy")
	} else {
		c.log.Warn().Msg("link down")
	}
	c.emit(HealthEvent{Up: up})
}

// emit delivers an event unless the client is stopping. The send blocks so a
// cycle's batch is never silently dropped; the consumer pump keeps up.
func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}
