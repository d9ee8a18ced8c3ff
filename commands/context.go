package commands

import (
	"go.viam.com/rdk/logging"
)

// Context is the response-delivery capability bound to a command's origin.
// Every accepted or rejected known-type command produces exactly one response
// through its context.
type Context interface {
	Deliver(resp Response)
}

// ResponseSink is the outbound transport a network context forwards to.
type ResponseSink interface {
	SendResponse(resp Response) error
}

// NetworkContext forwards responses back over the originating transport.
type NetworkContext struct {
	Sink   ResponseSink
	Logger logging.Logger
}

func (c *NetworkContext) Deliver(resp Response) {
	if err := c.Sink.SendResponse(resp); err != nil {
		c.Logger.Warnf("failed to deliver response for command %d: %v", resp.CommandID, err)
	}
}

// WebContext intentionally discards responses: web-initiated commands have no
// reverse channel.
type WebContext struct{}

func (WebContext) Deliver(Response) {}
