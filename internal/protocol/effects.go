package protocol

// Effect is an outbound delivery instruction produced by a dispatch.
// The router decides; the hub delivers. Keeping the side effects as data
// makes every routing decision testable without a live transport.
type Effect interface {
	isEffect()
}

// Broadcast delivers a frame to every connection in a session, minus an
// optional excluded connection (usually the sender).
type Broadcast struct {
	SessionID     string
	ExcludeConnID string
	Frame         Outbound
}

func (Broadcast) isEffect() {}

// Unicast delivers a frame to a single connection.
type Unicast struct {
	ConnID string
	Frame  Outbound
}

func (Unicast) isEffect() {}
