package cdp

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// result is the single resolution of a pending command.
type result struct {
	Result json.RawMessage
	Err    error
}

// pendingCommand is an in-flight command awaiting its response.
type pendingCommand struct {
	id        int64
	sessionID string
	method    string
	sentAt    time.Time
	deadline  time.Time
	complete  func(result) // invoked exactly once, on the loop
}

// correlator assigns command ids and matches responses to pending commands.
// It is owned by the driving loop and is not safe for concurrent use.
type correlator struct {
	next    int64
	pending map[int64]*pendingCommand
	log     *zap.Logger
}

func newCorrelator(log *zap.Logger) *correlator {
	return &correlator{
		next:    1,
		pending: make(map[int64]*pendingCommand),
		log:     log,
	}
}

// nextID returns a fresh command id. Ids are never reused for the lifetime
// of a connection.
func (c *correlator) nextID() int64 {
	id := c.next
	c.next++
	return id
}

// track registers a transmitted command.
func (c *correlator) track(p *pendingCommand) {
	c.pending[p.id] = p
	metricCommandsPending.Inc()
}

// resolve completes the command matching resp. It reports false when no
// command is pending under that id (duplicate, late, or unsolicited).
func (c *correlator) resolve(resp *Response) bool {
	p, ok := c.pending[resp.ID]
	if !ok {
		metricResponsesUnmatched.Inc()
		c.log.Debug("dropping response with no pending command", zap.Int64("id", resp.ID))
		return false
	}
	switch {
	case resp.Error != nil:
		c.finish(p, result{Err: resp.Error})
	case resp.Result == nil:
		c.log.Warn("response carries neither result nor error",
			zap.Int64("id", resp.ID),
			zap.String("method", p.method))
		c.finish(p, result{Err: fmt.Errorf("%w: response %d carries neither result nor error", ErrProtocol, resp.ID)})
	default:
		c.finish(p, result{Result: resp.Result})
	}
	return true
}

// fail resolves a single pending command with err, if it is still pending.
func (c *correlator) fail(id int64, err error) {
	if p, ok := c.pending[id]; ok {
		c.finish(p, result{Err: err})
	}
}

// expire resolves every command whose deadline has passed with ErrCommandTimeout.
func (c *correlator) expire(now time.Time) int {
	var expired []*pendingCommand
	for _, p := range c.pending {
		if !p.deadline.IsZero() && !now.Before(p.deadline) {
			expired = append(expired, p)
		}
	}
	for _, p := range ordered(expired) {
		c.log.Debug("command timed out",
			zap.Int64("id", p.id),
			zap.String("method", p.method),
			zap.String("session", p.sessionID))
		c.finish(p, result{Err: ErrCommandTimeout})
	}
	return len(expired)
}

// failSession resolves every command scoped to sessionID with err.
func (c *correlator) failSession(sessionID string, err error) int {
	var matched []*pendingCommand
	for _, p := range c.pending {
		if p.sessionID == sessionID {
			matched = append(matched, p)
		}
	}
	for _, p := range ordered(matched) {
		c.finish(p, result{Err: err})
	}
	return len(matched)
}

// failAll resolves every pending command with err.
func (c *correlator) failAll(err error) int {
	all := make([]*pendingCommand, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	for _, p := range ordered(all) {
		c.finish(p, result{Err: err})
	}
	return len(all)
}

func (c *correlator) len() int {
	return len(c.pending)
}

// finish removes p from the table before completing it, so a completion hook
// that issues new commands never observes p as pending.
func (c *correlator) finish(p *pendingCommand, res result) {
	delete(c.pending, p.id)
	metricCommandsPending.Dec()
	metricCommands.WithLabelValues(outcomeOf(res.Err)).Inc()
	if !p.sentAt.IsZero() {
		metricCommandDuration.Observe(time.Since(p.sentAt).Seconds())
	}
	p.complete(res)
}

// ordered sorts commands by id so bulk failures resolve in submission order.
func ordered(ps []*pendingCommand) []*pendingCommand {
	sort.Slice(ps, func(i, j int) bool { return ps[i].id < ps[j].id })
	return ps
}
