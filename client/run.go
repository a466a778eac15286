package client

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/lioil1020-JackLee/water-house/config"
)

// session is the slice of the OPC UA client the worker needs. *opcua.Client
// satisfies it; tests inject a scripted fake through the dial seam.
type session interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Close(ctx context.Context) error
}

type dialFunc func(ctx context.Context, endpoint string) (session, error)

func dialOPC(ctx context.Context, endpoint string) (session, error) {
	cli, err := opcua.NewClient(endpoint,
		opcua.AuthAnonymous(),
		opcua.SecurityPolicy(ua.SecurityPolicyURINone),
		opcua.RequestTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	if err := cli.Connect(ctx); err != nil {
		// Release the half-open session; repeated retries can otherwise
		// exhaust server session limits.
		_ = cli.Close(context.Background())
		return nil, err
	}
	return cli, nil
}

// handle is a per-connection resolved reference to a tag's server node.
// Handles are rebuilt from scratch on every reconnect.
type handle struct {
	tag  config.Tag
	node *ua.NodeID
}

// run is the worker loop: connect, resolve, poll until the session dies, back
// off, retry. It exits only when the client context is cancelled.
func (c *Client) run() {
	defer close(c.done)
	defer close(c.events)

	backoff := c.cfg.BackoffFloor
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.log.Info().Str("endpoint", c.cfg.Endpoint).Msg("connecting")
		sess, err := c.dial(c.ctx, c.cfg.Endpoint)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("connect failed")
			c.setHealth(false)
			if !c.sleepBackoff(&backoff) {
				return
			}
			continue
		}
		backoff = c.cfg.BackoffFloor

		// Health goes up inside the poll loop, on the first cycle that
		// actually reads something; connecting alone proves nothing.
		handles := c.resolveTags()
		c.resetSession()

		err = c.pollLoop(sess, handles)

		closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		if cerr := sess.Close(closeCtx); cerr != nil {
			c.log.Debug().Err(cerr).Msg("session close")
		}
		cancel()

		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("session lost, reconnecting")
		c.setHealth(false)
		if !c.sleepBackoff(&backoff) {
			return
		}
	}
}

// resolveTags builds the per-connection handle table. A tag whose address
// does not resolve is excluded until the next reconnect; that is not fatal.
func (c *Client) resolveTags() []handle {
	handles := make([]handle, 0, len(c.tags))
	for _, t := range c.tags {
		node, err := ua.ParseNodeID(t.Address)
		if err != nil {
			c.log.Warn().Str("tag", t.Name).Str("address", t.Address).Err(err).
				Msg("tag did not resolve, excluded until next reconnect")
			continue
		}
		handles = append(handles, handle{tag: t, node: node})
	}
	c.log.Info().Int("resolved", len(handles)).Int("configured", len(c.tags)).Msg("tags resolved")
	return handles
}

// resetSession discards all per-connection state: last-emitted values (so the
// first post-reconnect poll re-emits everything), pending writes, and any
// commands queued against the previous session.
func (c *Client) resetSession() {
	c.mu.Lock()
	c.lastEmit = make(map[string]Value)
	c.pending = make(map[string]pendingWrite)
	c.mu.Unlock()

	for {
		select {
		case cmd := <-c.cmds:
			switch cm := cmd.(type) {
			case writeCmd:
				c.emit(WriteFailedEvent{Tag: cm.name})
			case readCmd:
				cm.reply <- readReply{err: ErrUnavailable}
			}
		default:
			return
		}
	}
}

// pollLoop runs fixed-period cycles until the session is declared dead or the
// client stops. Per-tag read failures only tally; a run of fully-failed
// cycles past the threshold tears the session down.
func (c *Client) pollLoop(sess session, handles []handle) error {
	failedCycles := 0
	for {
		cycleStart := c.now()

		c.drainCommands(sess, handles)
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}

		polled, okCount := c.readAll(sess, handles)
		if okCount == 0 {
			failedCycles++
			if failedCycles >= c.cfg.FailedCycles {
				c.setHealth(false)
				return fmt.Errorf("%d consecutive cycles with no readable tag", failedCycles)
			}
		} else {
			failedCycles = 0
			c.setHealth(true)
		}

		batch, abandoned := c.reconcile(polled)
		for _, name := range abandoned {
			if !c.emit(WriteAbandonedEvent{Tag: name}) {
				return c.ctx.Err()
			}
		}
		if len(batch) > 0 {
			if !c.emit(BatchEvent{Values: batch}) {
				return c.ctx.Err()
			}
		}

		if !c.sleepRemainder(cycleStart) {
			return c.ctx.Err()
		}
	}
}

// readAll performs one batched read over every resolved handle. A transport
// error counts as a fully failed cycle, not an immediate teardown; the
// failed-cycle threshold decides when to reconnect.
func (c *Client) readAll(sess session, handles []handle) (map[string]Value, int) {
	if len(handles) == 0 {
		return nil, 0
	}
	nodes := make([]*ua.ReadValueID, len(handles))
	for i, h := range handles {
		nodes[i] = &ua.ReadValueID{
			NodeID:       h.node,
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		}
	}
	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        nodes,
	}
	resp, err := sess.Read(c.ctx, req)
	if err != nil {
		c.log.Debug().Err(err).Msg("cycle read failed")
		return nil, 0
	}

	polled := make(map[string]Value, len(handles))
	okCount := 0
	for i, res := range resp.Results {
		if i >= len(handles) {
			break
		}
		if res.Status != ua.StatusOK || res.Value == nil {
			continue
		}
		v, ok := normalizeValue(res.Value.Value())
		if !ok {
			c.log.Debug().Str("tag", handles[i].tag.Name).Msg("unsupported value type")
			continue
		}
		polled[handles[i].tag.Name] = v
		okCount++
	}
	return polled, okCount
}

// drainCommands services queued operator commands ahead of the poll. Write
// transport failures surface as write-failed events and never tear the
// session down.
func (c *Client) drainCommands(sess session, handles []handle) {
	for {
		select {
		case cmd := <-c.cmds:
			switch cm := cmd.(type) {
			case writeCmd:
				c.dispatchWrite(sess, handles, cm)
			case readCmd:
				cm.reply <- c.pointRead(sess, handles, cm.name)
			}
		case <-c.ctx.Done():
			return
		default:
			return
		}
	}
}

func findHandle(handles []handle, name string) *handle {
	for i := range handles {
		if handles[i].tag.Name == name {
			return &handles[i]
		}
	}
	return nil
}

func (c *Client) dispatchWrite(sess session, handles []handle, cm writeCmd) {
	h := findHandle(handles, cm.name)
	if h == nil {
		c.log.Warn().Str("tag", cm.name).Msg("write to unresolved tag")
		c.emit(WriteFailedEvent{Tag: cm.name})
		return
	}
	variant, err := ua.NewVariant(cm.value)
	if err != nil {
		c.log.Warn().Str("tag", cm.name).Err(err).Msg("write value not encodable")
		c.emit(WriteFailedEvent{Tag: cm.name})
		return
	}
	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      h.node,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	}
	resp, err := sess.Write(c.ctx, req)
	if err != nil {
		c.log.Warn().Str("tag", cm.name).Err(err).Msg("write failed")
		c.emit(WriteFailedEvent{Tag: cm.name})
		return
	}
	if len(resp.Results) == 0 || resp.Results[0] != ua.StatusOK {
		c.log.Warn().Str("tag", cm.name).Str("status", statusOf(resp).Error()).Msg("write rejected")
		c.emit(WriteFailedEvent{Tag: cm.name})
		return
	}
	c.log.Debug().Str("tag", cm.name).Interface("value", cm.value).Msg("write dispatched")
}

func statusOf(resp *ua.WriteResponse) ua.StatusCode {
	if resp == nil || len(resp.Results) == 0 {
		return ua.StatusBad
	}
	return resp.Results[0]
}

// pointRead is the bounded synchronous read behind ReadValue.
func (c *Client) pointRead(sess session, handles []handle, name string) readReply {
	h := findHandle(handles, name)
	if h == nil {
		return readReply{err: ErrUnavailable}
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ReadTimeout)
	defer cancel()

	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead: []*ua.ReadValueID{{
			NodeID:       h.node,
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		}},
	}
	resp, err := sess.Read(ctx, req)
	if err != nil {
		return readReply{err: err}
	}
	if len(resp.Results) == 0 || resp.Results[0].Status != ua.StatusOK || resp.Results[0].Value == nil {
		return readReply{err: ErrNoValue}
	}
	v, ok := normalizeValue(resp.Results[0].Value.Value())
	if !ok {
		return readReply{err: ErrNoValue}
	}
	return readReply{value: v}
}

// sleepBackoff waits out the current backoff then bumps it by the configured
// step, capped at the ceiling. Returns false when the client is stopping.
func (c *Client) sleepBackoff(backoff *time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff += c.cfg.BackoffStep
	if *backoff > c.cfg.BackoffCeiling {
		*backoff = c.cfg.BackoffCeiling
	}
	return true
}

// sleepRemainder keeps the cycle cadence fixed regardless of how long the
// reads took. Returns false when the client is stopping.
func (c *Client) sleepRemainder(cycleStart time.Time) bool {
	elapsed := c.now().Sub(cycleStart)
	if elapsed >= c.cfg.PollInterval {
		select {
		case <-c.ctx.Done():
			return false
		default:
			return true
		}
	}
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(c.cfg.PollInterval - elapsed):
		return true
	}
}
