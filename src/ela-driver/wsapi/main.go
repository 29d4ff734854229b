// Package wsapi exposes the session controller and acquisition sink over a
// WebSocket: a tagged JSON Command coming in, a tagged JSON Message (plus
// raw binary LOGIC frames) going out, using github.com/gorilla/websocket
// with a single-writer-mutex discipline, since gorilla's Conn forbids
// concurrent writers.
package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ela-project/driver/src/ela-driver/acqsink"
	"github.com/ela-project/driver/src/ela-driver/enumerator"
	"github.com/ela-project/driver/src/ela-driver/framework"
	"github.com/ela-project/driver/src/ela-driver/session"
)

// Command is the tagged union of requests a client may send, decoded by
// picking off a "type" discriminator first, then populating the matching
// pointer field.
type Command struct {
	*GetStatus
	*Scan
	*Configure
	*StartAcquisition
	*StopAcquisition
}

// GetStatus requests a Status message in reply.
type GetStatus struct{}

// Scan requests an enumerator scan pass.
type Scan struct {
	Conn       string `json:"conn"`
	SerialComm string `json:"serialComm"`
}

// Configure is config_set for one or more of SAMPLERATE, LIMIT_SAMPLES,
// CAPTURE_RATIO; nil fields are left unchanged.
type Configure struct {
	SampleRate   *uint32 `json:"sampleRate"`
	LimitSamples *uint32 `json:"limitSamples"`
	CaptureRatio *uint32 `json:"captureRatio"`
}

// ChannelTriggerSpec is one channel's wire-level trigger description.
type ChannelTriggerSpec struct {
	Channel int    `json:"channel"`
	Enabled bool   `json:"enabled"`
	Match   string `json:"match"` // "", "edge", "rising", "falling"
}

// StartAcquisition requests dev_acquisition_start.
type StartAcquisition struct {
	Trigger []ChannelTriggerSpec `json:"trigger"`
}

// StopAcquisition requests dev_acquisition_stop.
type StopAcquisition struct{}

func prettyPrintCommand(c Command) string {
	switch {
	case c.GetStatus != nil:
		return "GetStatus"
	case c.Scan != nil:
		return "Scan"
	case c.Configure != nil:
		return "Configure"
	case c.StartAcquisition != nil:
		return "StartAcquisition"
	case c.StopAcquisition != nil:
		return "StopAcquisition"
	default:
		return "Unknown"
	}
}

// UnmarshalJSON implements json.Unmarshaler, dispatching on a "type" field.
func (c *Command) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.Type {
	case "GetStatus":
		c.GetStatus = &GetStatus{}
	case "Scan":
		return json.Unmarshal(data, &c.Scan)
	case "Configure":
		return json.Unmarshal(data, &c.Configure)
	case "StartAcquisition":
		return json.Unmarshal(data, &c.StartAcquisition)
	case "StopAcquisition":
		c.StopAcquisition = &StopAcquisition{}
	default:
		return errors.New("wsapi: cannot decode unknown command type " + probe.Type)
	}
	return nil
}

// Message is the tagged union of events sent to the client as JSON text
// frames; LOGIC payloads are instead sent as raw binary frames (see
// ServeHTTP) since sample data has no reason to pay JSON's encoding cost.
type Message struct {
	Status  *StatusMessage  `json:"-"`
	Scanned *ScannedMessage `json:"-"`
	Options *framework.Options `json:"-"`
	Marker  *MarkerMessage  `json:"-"`
	Error   *ErrorMessage   `json:"-"`
}

type StatusMessage struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port"`
}

type ScannedMessage struct {
	Port     string                    `json:"port"`
	Metadata framework.DeviceMetadata `json:"metadata"`
}

// MarkerMessage carries one of the three non-LOGIC host-framework contract
// markers: session-header, trigger, session-end.
type MarkerMessage struct {
	Kind string `json:"kind"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// MarshalJSON implements json.Marshaler, tagging the populated field with a
// "type" discriminator.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch {
	case m.Status != nil:
		return json.Marshal(&struct {
			Type string `json:"type"`
			*StatusMessage
		}{"Status", m.Status})
	case m.Scanned != nil:
		return json.Marshal(&struct {
			Type string `json:"type"`
			*ScannedMessage
		}{"Scanned", m.Scanned})
	case m.Options != nil:
		return json.Marshal(&struct {
			Type string `json:"type"`
			*framework.Options
		}{"Options", m.Options})
	case m.Marker != nil:
		return json.Marshal(&struct {
			Type string `json:"type"`
			*MarkerMessage
		}{"Marker", m.Marker})
	case m.Error != nil:
		return json.Marshal(&struct {
			Type string `json:"type"`
			*ErrorMessage
		}{"Error", m.Error})
	default:
		return nil, errors.New("wsapi: could not marshal empty message")
	}
}

// Handle serves one Session and its acqsink.Sink over WebSocket connections.
type Handle struct {
	Log     *logrus.Entry
	Session *session.Session
	Sink    *acqsink.Sink

	mu        sync.Mutex
	connected bool
	port      string
}

// New returns an initialized Handle.
func New(log *logrus.Entry, sess *session.Session, sink *acqsink.Sink) *Handle {
	return &Handle{Log: log, Session: sess, Sink: sink}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is performed by top-level HTTP middleware.
		return true
	},
}

// ServeHTTP implements http.Handler, upgrading the connection and running
// the read and event-forwarding loops.
func (h *Handle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log.WithFields(logrus.Fields{
		"clientAddress": r.RemoteAddr,
		"userAgent":     r.UserAgent(),
	})

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("Could not upgrade connection to WebSocket.")
		http.Error(w, "WebSocket upgrade error", http.StatusBadRequest)
		return
	}
	log.Info("WebSocket connection opened.")

	var writeMu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())

	sendMessage := func(msg Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		return conn.WriteJSON(&msg)
	}
	sendBinary := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}

	events := h.Sink.Subscribe()
	go forwardEvents(ctx, events, sendMessage, sendBinary)

	defer func() {
		h.Sink.Unsubscribe(events)
		cancel()
		conn.Close()
		log.Info("WebSocket connection closed.")
	}()

	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Error("WebSocket error.")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			log.WithField("rawCommand", string(msg)).WithError(err).Warning("Cannot decode command.")
			continue
		}
		log.WithField("command", prettyPrintCommand(cmd)).Debug("Received command.")

		if err := h.dispatch(log, cmd, sendMessage); err != nil {
			return
		}
	}
}

// forwardEvents relays acqsink.Event values onto the WebSocket connection:
// LOGIC payloads as binary frames, everything else as a JSON marker
// message.
func forwardEvents(ctx context.Context, events chan interface{}, sendMessage func(Message) error, sendBinary func([]byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-events:
			ev, ok := raw.(acqsink.Event)
			if !ok {
				continue
			}
			var err error
			switch ev.Kind {
			case acqsink.EventLogic:
				err = sendBinary(ev.Logic.Data)
			default:
				err = sendMessage(Message{Marker: &MarkerMessage{Kind: ev.Kind.String()}})
			}
			if err != nil {
				return
			}
		}
	}
}

func (h *Handle) dispatch(log *logrus.Entry, cmd Command, sendMessage func(Message) error) error {
	switch {
	case cmd.GetStatus != nil:
		h.mu.Lock()
		status := StatusMessage{Connected: h.connected, Port: h.port}
		h.mu.Unlock()
		return sendMessage(Message{Status: &status})

	case cmd.Scan != nil:
		opts := enumerator.ScanOptions{Conn: cmd.Scan.Conn, SerialComm: cmd.Scan.SerialComm}
		found, err := enumerator.Scan(context.Background(), log, opts, h.Session.Discover)
		if err != nil {
			return sendMessage(Message{Error: &ErrorMessage{Message: err.Error()}})
		}
		h.mu.Lock()
		h.connected = true
		h.port = found.Config.Port
		h.mu.Unlock()
		if err := h.Session.Open(context.Background(), found.Config); err != nil {
			return sendMessage(Message{Error: &ErrorMessage{Message: err.Error()}})
		}
		return sendMessage(Message{Scanned: &ScannedMessage{Port: found.Config.Port, Metadata: found.Metadata}})

	case cmd.Configure != nil:
		if err := h.applyConfigure(*cmd.Configure); err != nil {
			return sendMessage(Message{Error: &ErrorMessage{Message: err.Error()}})
		}
		opts := h.Session.Options()
		return sendMessage(Message{Options: &opts})

	case cmd.StartAcquisition != nil:
		trig := decodeTrigger(cmd.StartAcquisition.Trigger)
		if err := h.Session.StartAcquisition(context.Background(), trig); err != nil {
			return sendMessage(Message{Error: &ErrorMessage{Message: err.Error()}})
		}
		return nil

	case cmd.StopAcquisition != nil:
		h.Session.StopAcquisition()
		return nil
	}
	return nil
}

func (h *Handle) applyConfigure(c Configure) error {
	if c.SampleRate != nil {
		if err := h.Session.SetSampleRate(*c.SampleRate); err != nil {
			return err
		}
	}
	if c.LimitSamples != nil {
		if err := h.Session.SetLimitSamples(*c.LimitSamples); err != nil {
			return err
		}
	}
	if c.CaptureRatio != nil {
		if err := h.Session.SetCaptureRatio(*c.CaptureRatio); err != nil {
			return err
		}
	}
	return nil
}

func decodeTrigger(specs []ChannelTriggerSpec) framework.TriggerDescription {
	channels := make([]framework.ChannelTrigger, 0, len(specs))
	for _, s := range specs {
		match := framework.TriggerMatchNone
		switch s.Match {
		case "edge":
			match = framework.TriggerMatchEdge
		case "rising":
			match = framework.TriggerMatchRising
		case "falling":
			match = framework.TriggerMatchFalling
		}
		channels = append(channels, framework.ChannelTrigger{
			Channel: s.Channel,
			Enabled: s.Enabled,
			Match:   match,
		})
	}
	return framework.TriggerDescription{Channels: channels}
}
