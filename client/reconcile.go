package client

// reconcile merges one cycle's polled values with the pending-write table and
// returns the batch of changes to emit. For every tag the candidate value is:
//
//	no pending write        -> the polled server value
//	pending == polled       -> confirmed; pending removed
//	pending stale (timeout) -> abandoned; trust the polled server value
//	pending fresh           -> the pending value (optimistic local echo)
//
// A tag enters the batch only when its candidate differs from the last
// emitted value, or while the last emitted value is still unknown. Tags whose
// pending write timed out this cycle come back in abandoned.
func (c *Client) reconcile(polled map[string]Value) (batch map[string]Value, abandoned []string) {
	now := c.now()
	batch = make(map[string]Value)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tags {
		server, haveServer := polled[t.Name]
		candidate := server
		have := haveServer

		if pw, ok := c.pending[t.Name]; ok {
			switch {
			case haveServer && equalValues(server, pw.value):
				// Confirmed by the server.
				delete(c.pending, t.Name)
			case now.Sub(pw.submittedAt) > c.cfg.SettleTimeout:
				// Abandoned: the stale intent loses to whatever the server
				// reports now. With no server value this cycle there is
				// nothing to emit.
				delete(c.pending, t.Name)
				abandoned = append(abandoned, t.Name)
				c.log.Warn().Str("tag", t.Name).Interface("value", pw.value).
					Msg("write abandoned after settlement timeout")
			default:
				candidate = pw.value
				have = true
			}
		}

		if !have {
			continue
		}
		if last, known := c.lastEmit[t.Name]; known && equalValues(last, candidate) {
			continue
		}
		c.lastEmit[t.Name] = candidate
		batch[t.Name] = candidate
	}
	return batch, abandoned
}
