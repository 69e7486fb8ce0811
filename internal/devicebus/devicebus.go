// Package devicebus adapts the transport layer's device-state MQTT
// publications into acdqueue.DeviceDelta values, feeding the single
// device-state worker goroutine. Its connect/subscribe/handler wiring
// follows the paho MQTT client pattern used elsewhere in this codebase,
// generalized only in topic parsing and payload decoding.
package devicebus

import (
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

// topicPrefix is the fixed MQTT topic namespace device-state publications
// arrive on: "acd/devicestate/<tech>/<location>", payload is the bare
// state keyword (NOT_INUSE, INUSE, BUSY, UNAVAILABLE, INVALID, RINGING).
const topicPrefix = "acd/devicestate/"

// Options configures the MQTT connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Log       zerolog.Logger
}

// Subscriber owns the MQTT connection and forwards parsed deltas onto a
// worker's input channel.
type Subscriber struct {
	conn mqtt.Client
	log  zerolog.Logger
	out  chan<- acdqueue.DeviceDelta
}

// Connect dials the broker and subscribes to the device-state topic tree,
// forwarding every parseable message onto out. out is typically a
// DeviceStateWorker's In channel.
func Connect(opts Options, out chan<- acdqueue.DeviceDelta) (*Subscriber, error) {
	s := &Subscriber{log: opts.Log, out: out}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetDefaultPublishHandler(s.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	s.conn = mqtt.NewClient(clientOpts)
	token := s.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	s.log.Info().Str("topic", topicPrefix+"#").Msg("mqtt connected, subscribing to device state")
	token := client.Subscribe(topicPrefix+"#", 0, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		s.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	delta, ok := parseDelta(msg.Topic(), msg.Payload())
	if !ok {
		s.log.Debug().Str("topic", msg.Topic()).Msg("ignoring unparseable device-state message")
		return
	}
	select {
	case s.out <- delta:
	default:
		s.log.Warn().Str("interface", delta.Interface).Msg("device-state worker backlogged, dropping delta")
	}
}

// parseDelta extracts an interface and device state from one MQTT message.
// Topic: "acd/devicestate/<tech>/<location>". Payload: the bare state
// keyword, case-insensitive.
func parseDelta(topic string, payload []byte) (acdqueue.DeviceDelta, bool) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return acdqueue.DeviceDelta{}, false
	}
	rest := strings.TrimPrefix(topic, topicPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return acdqueue.DeviceDelta{}, false
	}
	iface := parts[0] + "/" + parts[1]

	state, ok := parseState(string(payload))
	if !ok {
		return acdqueue.DeviceDelta{}, false
	}
	return acdqueue.DeviceDelta{Interface: iface, State: state}, true
}

func parseState(s string) (acdqueue.DeviceState, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NOT_INUSE":
		return acdqueue.DeviceNotInUse, true
	case "INUSE":
		return acdqueue.DeviceInUse, true
	case "BUSY":
		return acdqueue.DeviceBusy, true
	case "UNAVAILABLE":
		return acdqueue.DeviceUnavailable, true
	case "INVALID":
		return acdqueue.DeviceInvalid, true
	case "RINGING":
		return acdqueue.DeviceRinging, true
	default:
		return acdqueue.DeviceUnknown, false
	}
}

// IsConnected reports the current MQTT connection state.
func (s *Subscriber) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close disconnects the MQTT client.
func (s *Subscriber) Close() {
	s.log.Info().Msg("disconnecting device-state mqtt client")
	s.conn.Disconnect(1000)
}
