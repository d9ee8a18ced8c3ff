package commands

import (
	"context"
	"fmt"
	"time"

	"go.viam.com/rdk/logging"
)

// DefaultTTL is the maximum command age still eligible for execution.
const DefaultTTL = 500 * time.Millisecond

// microsPerMilli converts the queue's microsecond timestamps to the
// millisecond ages used in diagnostics and the TTL comparison.
const microsPerMilli = 1000

// Handler executes one accepted command. A returned error becomes a failure
// response for the initiator.
type Handler func(ctx context.Context, cmd Command) error

// Arbiter processes one command snapshot per invocation. Within a pass the
// order is load-bearing: supersession is computed before freshness, freshness
// before execution.
type Arbiter struct {
	logger   logging.Logger
	ttl      time.Duration
	handlers map[Type]Handler
}

// NewArbiter builds an arbiter with the given TTL; zero means DefaultTTL.
func NewArbiter(ttl time.Duration, logger logging.Logger) *Arbiter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Arbiter{
		logger:   logger,
		ttl:      ttl,
		handlers: make(map[Type]Handler),
	}
}

// RegisterHandler binds a command type to its executor.
func (a *Arbiter) RegisterHandler(t Type, h Handler) {
	a.handlers[t] = h
}

// Process runs one pass over the snapshot in arrival order. Supersession is
// scoped to this pass only; command identities are not remembered across
// passes.
func (a *Arbiter) Process(ctx context.Context, snap Snapshot) {
	// last arrival index per type decides supersession
	lastOfType := make(map[Type]int, len(snap.Pending))
	for i, p := range snap.Pending {
		lastOfType[p.Command.Type] = i
	}

	for i, p := range snap.Pending {
		cmd := p.Command
		switch {
		case cmd.Type == TypeUnspecified:
			// reserved zero value: deliberate no-op, no response
			a.logger.Debugf("ignoring unspecified command id %d", cmd.ID)
			continue
		case a.handlers[cmd.Type] == nil:
			// forward compatibility: a newer client may send types this
			// version does not recognize yet
			a.logger.Warnf("unrecognized command type %d (id %d), skipping", cmd.Type, cmd.ID)
			continue
		}

		if lastOfType[cmd.Type] != i {
			p.Ctx.Deliver(Response{
				CommandID: cmd.ID,
				Success:   false,
				Error:     fmt.Sprintf("superseded by a newer %s command", cmd.Type),
			})
			continue
		}

		ageMillis := (snap.NowMicros - cmd.LastChangeMicros) / microsPerMilli
		ttlMillis := a.ttl.Milliseconds()
		if ageMillis >= ttlMillis {
			p.Ctx.Deliver(Response{
				CommandID: cmd.ID,
				Success:   false,
				Error:     fmt.Sprintf("command too old: age %d ms >= ttl %d ms", ageMillis, ttlMillis),
			})
			continue
		}

		if err := a.handlers[cmd.Type](ctx, cmd); err != nil {
			a.logger.Errorf("command %d (%s) failed: %v", cmd.ID, cmd.Type, err)
			p.Ctx.Deliver(Response{CommandID: cmd.ID, Success: false, Error: err.Error()})
			continue
		}
		p.Ctx.Deliver(Response{CommandID: cmd.ID, Success: true})
	}
}
