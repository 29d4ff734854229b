// Package acqsink implements the host-framework Sink contract as a pubsub
// broker, fanning session output out to any number of subscribers via
// github.com/cskr/pubsub.
package acqsink

import (
	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/ela-project/driver/src/ela-driver/framework"
)

// brokerTopic is the single pubsub topic acquisition events are published on.
const brokerTopic = "acquisition"

// EventKind tags one published Event's payload.
type EventKind int

const (
	EventSessionHeader EventKind = iota
	EventLogic
	EventTrigger
	EventSessionEnd
)

func (k EventKind) String() string {
	switch k {
	case EventSessionHeader:
		return "session-header"
	case EventLogic:
		return "logic"
	case EventTrigger:
		return "trigger"
	case EventSessionEnd:
		return "session-end"
	default:
		return "unknown"
	}
}

// Event is one item of the host-framework contract's output stream.
// Logic is only populated for EventLogic.
type Event struct {
	Kind  EventKind
	Logic framework.LogicPacket
}

// Sink fans a session's output across the broker, implementing
// framework.Sink.
type Sink struct {
	log    *logrus.Entry
	broker *pubsub.PubSub
}

// New returns an initialized Sink.
func New(log *logrus.Entry) *Sink {
	return &Sink{
		log:    log,
		broker: pubsub.New(32),
	}
}

// Subscribe returns a channel of Events a consumer (typically wsapi) can
// range over.
func (s *Sink) Subscribe() chan interface{} {
	return s.broker.Sub(brokerTopic)
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (s *Sink) Unsubscribe(ch chan interface{}) {
	s.broker.Unsub(ch)
}

// Shutdown closes the broker and all subscriber channels.
func (s *Sink) Shutdown() {
	s.broker.Shutdown()
}

func (s *Sink) publish(e Event) {
	s.log.WithField("kind", e.Kind.String()).Debug("Publishing acquisition event.")
	s.broker.TryPub(e, brokerTopic)
}

// SessionHeader implements framework.Sink.
func (s *Sink) SessionHeader() {
	s.publish(Event{Kind: EventSessionHeader})
}

// Logic implements framework.Sink.
func (s *Sink) Logic(packet framework.LogicPacket) {
	s.publish(Event{Kind: EventLogic, Logic: packet})
}

// Trigger implements framework.Sink.
func (s *Sink) Trigger() {
	s.publish(Event{Kind: EventTrigger})
}

// SessionEnd implements framework.Sink.
func (s *Sink) SessionEnd() {
	s.publish(Event{Kind: EventSessionEnd})
}
