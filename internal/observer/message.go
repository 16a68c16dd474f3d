// Package observer streams EventBus events out to "UI"-facing WebSocket
// clients (spec.md §6.2 Observer stream). Grounded on the teacher's
// internal/websocket package: same client lifecycle (readPump/writePump,
// ping/pong keepalive), generalized to pull from an eventbus.Subscription
// instead of a bespoke Hub, and stripped of JWT/topic-claim handling since
// the observer stream carries no per-user scoping.
package observer

// Message is the envelope forwarded to a connected Observer client. Topic
// and Kind mirror eventbus.Event; Payload is the entity representation
// named in spec.md §6.2 (Bot, Agent, Run, RunEvent, RunLog).
type Message struct {
	Topic   string `json:"topic"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}
