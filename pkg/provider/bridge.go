// Package provider bridges the platform location, device and activity
// collaborators over MQTT. A phone-side agent publishes sensor events
// to the broker; the daemon publishes locate/monitor commands back.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/parkzen/parkzend/pkg"
	"github.com/parkzen/parkzend/pkg/activity"
	"github.com/parkzen/parkzend/pkg/devices"
	"github.com/parkzen/parkzend/pkg/logx"
	"github.com/parkzen/parkzend/pkg/mqtt"
)

// EventSink receives the bridged platform events. The inference engine
// satisfies this interface.
type EventSink interface {
	OnFix(fix pkg.Fix)
	OnDeviceConnected(d devices.Device)
	OnDeviceDisconnected(key string)
	OnActivitySample(s activity.Sample)
	OnGeofenceExit(identifier string)
	OnGeofenceEnter(identifier string)
}

// Bridge is an MQTT-backed pkg.LocationProvider and event source
type Bridge struct {
	client MQTT.Client
	config *mqtt.Config
	sink   EventSink
	logger *logx.Logger
}

// Wire formats published by the phone-side agent
type deviceKeyMsg struct {
	Key string `json:"key"`
}

type activityMsg struct {
	Modes      []string `json:"modes"`
	Confidence int      `json:"confidence"`
}

type regionMsg struct {
	Identifier string `json:"identifier"`
}

// NewBridge creates the provider bridge
func NewBridge(config *mqtt.Config, sink EventSink, logger *logx.Logger) *Bridge {
	return &Bridge{
		config: config,
		sink:   sink,
		logger: logger,
	}
}

// SetSink installs the event sink. The bridge and the engine reference
// each other, so one side has to be wired after construction.
func (b *Bridge) SetSink(sink EventSink) {
	b.sink = sink
}

// Connect connects to the broker and subscribes to the agent topics
func (b *Bridge) Connect() error {
	if !b.config.Enabled {
		b.logger.Warn("provider bridge disabled, no location events will arrive")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", b.config.Broker, b.config.Port))
	opts.SetClientID(b.config.ClientID + "-bridge")

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(b.subscribe)

	b.client = MQTT.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect provider bridge: %w", token.Error())
	}
	return nil
}

// Disconnect tears down the broker connection
func (b *Bridge) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

// subscribe installs the agent topic handlers; rerun on every reconnect
func (b *Bridge) subscribe(client MQTT.Client) {
	subs := map[string]MQTT.MessageHandler{
		b.topic("agent/fix"):               b.onFix,
		b.topic("agent/device/connect"):    b.onDeviceConnect,
		b.topic("agent/device/disconnect"): b.onDeviceDisconnect,
		b.topic("agent/activity"):          b.onActivity,
		b.topic("agent/region/exit"):       b.onRegionExit,
		b.topic("agent/region/enter"):      b.onRegionEnter,
	}
	for topic, handler := range subs {
		if token := client.Subscribe(topic, byte(b.config.QoS), handler); token.Wait() && token.Error() != nil {
			b.logger.Error("subscribe failed", "topic", topic, "error", token.Error())
		}
	}
	b.logger.Info("provider bridge subscribed", "topics", len(subs))
}

// RequestLocation implements pkg.LocationProvider by asking the agent
// for one on-demand fix
func (b *Bridge) RequestLocation(ctx context.Context) error {
	return b.publish("cmd/locate", struct{}{})
}

// StartMonitoring implements pkg.LocationProvider by handing the region
// to the agent for platform geofence monitoring
func (b *Bridge) StartMonitoring(region pkg.Region) error {
	return b.publish("cmd/monitor", region)
}

// StopMonitoring implements pkg.LocationProvider
func (b *Bridge) StopMonitoring(identifier string) error {
	return b.publish("cmd/unmonitor", regionMsg{Identifier: identifier})
}

func (b *Bridge) publish(subtopic string, payload interface{}) error {
	if !b.config.Enabled {
		return fmt.Errorf("provider bridge disabled")
	}
	if b.client == nil || !b.client.IsConnected() {
		return fmt.Errorf("provider bridge not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	topic := b.topic(subtopic)
	if token := b.client.Publish(topic, byte(b.config.QoS), false, data); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (b *Bridge) topic(subtopic string) string {
	return fmt.Sprintf("%s/%s", b.config.TopicPrefix, subtopic)
}

func (b *Bridge) onFix(_ MQTT.Client, msg MQTT.Message) {
	var fix pkg.Fix
	if err := json.Unmarshal(msg.Payload(), &fix); err != nil {
		b.logger.Warn("discarding malformed fix", "error", err)
		return
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}
	fix.Valid = true
	b.sink.OnFix(fix)
}

func (b *Bridge) onDeviceConnect(_ MQTT.Client, msg MQTT.Message) {
	var d devices.Device
	if err := json.Unmarshal(msg.Payload(), &d); err != nil {
		b.logger.Warn("discarding malformed device event", "error", err)
		return
	}
	if d.Key() == "" {
		b.logger.Warn("discarding device event without identity", "name", d.Name)
		return
	}
	b.sink.OnDeviceConnected(d)
}

func (b *Bridge) onDeviceDisconnect(_ MQTT.Client, msg MQTT.Message) {
	var m deviceKeyMsg
	if err := json.Unmarshal(msg.Payload(), &m); err != nil || m.Key == "" {
		b.logger.Warn("discarding malformed disconnect event", "error", err)
		return
	}
	b.sink.OnDeviceDisconnected(m.Key)
}

func (b *Bridge) onActivity(_ MQTT.Client, msg MQTT.Message) {
	var m activityMsg
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		b.logger.Warn("discarding malformed activity sample", "error", err)
		return
	}

	sample := activity.Sample{
		Modes:      make(map[pkg.ActivityKind]bool, len(m.Modes)),
		Confidence: pkg.Confidence(m.Confidence),
	}
	for _, mode := range m.Modes {
		sample.Modes[pkg.ActivityKind(mode)] = true
	}
	b.sink.OnActivitySample(sample)
}

func (b *Bridge) onRegionExit(_ MQTT.Client, msg MQTT.Message) {
	var m regionMsg
	if err := json.Unmarshal(msg.Payload(), &m); err != nil || m.Identifier == "" {
		b.logger.Warn("discarding malformed region exit", "error", err)
		return
	}
	b.sink.OnGeofenceExit(m.Identifier)
}

func (b *Bridge) onRegionEnter(_ MQTT.Client, msg MQTT.Message) {
	var m regionMsg
	if err := json.Unmarshal(msg.Payload(), &m); err != nil || m.Identifier == "" {
		b.logger.Warn("discarding malformed region enter", "error", err)
		return
	}
	b.sink.OnGeofenceEnter(m.Identifier)
}
