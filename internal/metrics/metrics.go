// Package metrics defines the event sink the pipeline emits structured
// events into. The core does not know where the events land; the sink is
// injected at startup.
package metrics

// Sink receives pipeline events. Implementations must be safe for
// concurrent use from every server goroutine.
type Sink interface {
	ConnectionOpened(transport string)
	ConnectionClosed(transport string, reason string)
	MessageRouted(msgType string, fanout int)
	RingFull(ring string)
	RoutingError(code string)
	MessageShed(msgType string)
	SessionDegraded()
	SessionRecovered()
}

// Nop is a Sink that discards every event.
type Nop struct{}

func (Nop) ConnectionOpened(string)         {}
func (Nop) ConnectionClosed(string, string) {}
func (Nop) MessageRouted(string, int)       {}
func (Nop) RingFull(string)                 {}
func (Nop) RoutingError(string)             {}
func (Nop) MessageShed(string)              {}
func (Nop) SessionDegraded()                {}
func (Nop) SessionRecovered()               {}

var _ Sink = Nop{}
