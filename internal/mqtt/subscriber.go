package mqtt

import (
	"encoding/json"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/jardesigner/jardesigner/internal/events"
	"github.com/jardesigner/jardesigner/internal/logging"
	"github.com/jardesigner/jardesigner/internal/metrics"
)

// Broker is the part of Client the relay uses.
type Broker interface {
	Subscribe(topic string, handler paho.MessageHandler) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

// Relayer delivers a payload to a channel's subscribers.
type Relayer interface {
	Relay(channelID string, payload json.RawMessage, source string) int
}

// ChannelLookup resolves a run's pid to its channel id.
type ChannelLookup func(pid int) (string, bool)

// DataRelay bridges simulator data published on the broker into channel
// rooms, and mirrors browser commands back out to the broker.
//
// Topics:
//
//	<prefix>/data/<channel id>      simulator -> browsers
//	<prefix>/commands/<channel id>  browsers -> simulator
type DataRelay struct {
	mu         sync.Mutex
	broker     Broker
	prefix     string
	relayer    Relayer
	lookup     ChannelLookup
	subscribed bool
	log        zerolog.Logger
}

// NewDataRelay creates a relay. It does not subscribe until Subscribe is
// called.
func NewDataRelay(broker Broker, prefix string, relayer Relayer, lookup ChannelLookup) *DataRelay {
	if prefix == "" {
		prefix = "jardesigner"
	}
	return &DataRelay{
		broker:  broker,
		prefix:  strings.TrimSuffix(prefix, "/"),
		relayer: relayer,
		lookup:  lookup,
		log:     logging.Component("mqtt"),
	}
}

// DataTopic is the wildcard subscription for all channels.
func (r *DataRelay) DataTopic() string {
	return r.prefix + "/data/+"
}

// CommandTopic is the topic commands for channelID are mirrored to.
func (r *DataRelay) CommandTopic(channelID string) string {
	return r.prefix + "/commands/" + channelID
}

// ChannelFromTopic extracts the channel id from a data topic.
func (r *DataRelay) ChannelFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, r.prefix+"/data/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// Subscribe subscribes to the data topic. It is idempotent until Reset.
func (r *DataRelay) Subscribe() error {
	r.mu.Lock()
	if r.subscribed {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.broker.Subscribe(r.DataTopic(), r.handle); err != nil {
		return err
	}

	r.mu.Lock()
	r.subscribed = true
	r.mu.Unlock()
	return nil
}

// IsSubscribed returns true if the data topic is subscribed.
func (r *DataRelay) IsSubscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

// Reset clears the subscription tracking.
// Call this on disconnect to allow re-subscription on reconnect.
func (r *DataRelay) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = false
}

func (r *DataRelay) handle(_ paho.Client, msg paho.Message) {
	channelID, ok := r.ChannelFromTopic(msg.Topic())
	if !ok {
		r.log.Debug().Str("topic", msg.Topic()).Msg("ignoring message on unexpected topic")
		return
	}
	r.relayer.Relay(channelID, payloadJSON(msg.Payload()), metrics.SourceMQTT)
}

// payloadJSON passes JSON payloads through and wraps anything else as a
// JSON string.
func payloadJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

type mirroredCommand struct {
	PID     int                    `json:"pid"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

// MirrorCommand publishes a browser command on the run's command topic.
// Commands for unknown runs or while disconnected are dropped.
func (r *DataRelay) MirrorCommand(pid int, name string, params map[string]interface{}) {
	if r.lookup == nil || !r.broker.IsConnected() {
		return
	}
	channelID, ok := r.lookup(pid)
	if !ok {
		return
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	b, err := json.Marshal(mirroredCommand{PID: pid, Command: name, Params: params})
	if err != nil {
		return
	}
	if err := r.broker.Publish(r.CommandTopic(channelID), b); err != nil {
		events.Emit("warn", "system.error", "failed to mirror command", map[string]interface{}{
			"pid":        pid,
			"channel_id": channelID,
			"error":      err.Error(),
		})
	}
}
