//go:build !no_mqtt

// Package mqtt bridges the watch to an MQTT broker: it publishes the face
// and clock state, accepts time-set commands and announces the watch to Home
// Assistant.
package mqtt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"watchtwin/internal/cts"
	"watchtwin/internal/watch"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	qos            = 1
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	DeviceName  string
	Version     string
}

// topics are the bridge's topic names under the configured prefix.
type topics struct {
	availability string // online/offline, retained, also the last will
	state        string // watchState JSON, retained
	events       string // raw watch events
	timeSet      string // incoming time-set commands
}

func newTopics(prefix string) topics {
	return topics{
		availability: prefix + "/bridge/state",
		state:        prefix + "/state",
		events:       prefix + "/events",
		timeSet:      prefix + "/time/set",
	}
}

// watchState is the retained state document.
type watchState struct {
	Epoch     uint32 `json:"epoch"`
	UTC       string `json:"utc"`
	Local     string `json:"local"`
	UTCOffset int8   `json:"utc_offset"`
	Clock     string `json:"clock"`
	Date      string `json:"date"`
	Day       string `json:"day"`
	Tick      string `json:"tick"`
	Peers     int    `json:"peers"`
	Connected string `json:"connected"` // ON or OFF
}

// Bridge connects a watch to MQTT.
type Bridge struct {
	client pahomqtt.Client
	watch  *watch.Watch
	cfg    Config
	topics topics
	logger *slog.Logger
	unsub  func()

	wg sync.WaitGroup
}

// NewBridge creates a bridge and connects it to the broker.
func NewBridge(w *watch.Watch, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "watchtwin"
	}
	b := newBridge(w, nil, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.availability, "offline", qos, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, errors.New("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(w *watch.Watch, client pahomqtt.Client, cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		client: client,
		watch:  w,
		cfg:    cfg,
		topics: newTopics(cfg.TopicPrefix),
		logger: logger.With("component", "mqtt"),
	}
}

// Start relays watch events to the broker.
func (b *Bridge) Start() {
	b.unsub = b.watch.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix)
}

// Stop publishes offline, detaches from the watch and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.topics.availability, []byte("offline"), true)
	b.wg.Wait()
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on every (re)connect: subscriptions do not survive a clean
// session, and retained state may be stale.
func (b *Bridge) onConnect() {
	b.publish(b.topics.availability, []byte("online"), true)
	for _, msg := range buildDiscovery(b.topics, b.cfg.DeviceName, b.cfg.Version) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.client.Subscribe(b.topics.timeSet, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleTimeSet(msg.Payload())
	})
	b.publishState()
}

func (b *Bridge) handleEvent(event watch.Event) {
	switch event.Type {
	case watch.EventClockRefresh, watch.EventDateRefresh:
		b.publishState()
	case watch.EventTimeSet, watch.EventPeerConnected, watch.EventPeerDisconnected, watch.EventTickStopped:
		b.publishState()
		b.publish(b.topics.events, mustJSON(event), false)
	}
}

func (b *Bridge) handleTimeSet(payload []byte) {
	epoch, err := parseTimeSet(payload)
	if err != nil {
		b.logger.Warn("invalid time set", "payload_len", len(payload), "err", err)
		return
	}
	b.watch.SetTime(cts.SourceMQTT, epoch)
}

// parseTimeSet decodes a time-set command. Exactly four bytes are the same
// little-endian epoch the BLE characteristic takes. Anything else is JSON:
// either {"epoch": N} or a bare integral number.
func parseTimeSet(payload []byte) (uint32, error) {
	if len(payload) == 4 {
		return binary.LittleEndian.Uint32(payload), nil
	}

	payload = bytes.TrimSpace(payload)
	var n float64
	if len(payload) > 0 && payload[0] == '{' {
		var req struct {
			Epoch *float64 `json:"epoch"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return 0, fmt.Errorf("decode json: %w", err)
		}
		if req.Epoch == nil {
			return 0, errors.New("missing epoch")
		}
		n = *req.Epoch
	} else if err := json.Unmarshal(payload, &n); err != nil {
		return 0, fmt.Errorf("decode number: %w", err)
	}

	if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		return 0, fmt.Errorf("epoch %v out of range", n)
	}
	return uint32(n), nil
}

func (b *Bridge) publishState() {
	b.publish(b.topics.state, mustJSON(buildState(b.watch.Status(), len(b.watch.Peers()))), true)
}

func buildState(st watch.Status, peers int) watchState {
	connected := "OFF"
	if peers > 0 {
		connected = "ON"
	}
	return watchState{
		Epoch:     st.Epoch,
		UTC:       time.Unix(int64(st.Epoch), 0).UTC().Format(time.RFC3339),
		Local:     st.Local.String(),
		UTCOffset: st.UTCOffset,
		Clock:     st.Face.Clock,
		Date:      st.Face.Date,
		Day:       st.Face.Day,
		Tick:      st.Tick,
		Peers:     peers,
		Connected: connected,
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, qos, retained, payload)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
