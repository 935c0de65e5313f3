package voice

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/posefit/posture-capture/capture-server/internal/logger"
)

// Announcement is the payload delivered to the external text-to-speech sink.
// Sequence numbers are monotonic; the sink plays the highest sequence it has
// seen and drops anything older, which gives cancel-on-replace semantics.
type Announcement struct {
	Text   string `json:"text,omitempty"`
	Locale string `json:"locale,omitempty"`
	Seq    uint64 `json:"seq"`
	Cancel bool   `json:"cancel,omitempty"`
}

// Tone is a short audio cue payload (recording start/stop).
type Tone struct {
	Pattern string `json:"pattern"` // "ascending" or "descending"
	Seq     uint64 `json:"seq"`
}

// Speaker is the full voice surface: speech with cancel, recording cues, and
// lifecycle. MQTTAnnouncer and Nop both satisfy it.
type Speaker interface {
	Announce(message, locale string)
	Cancel()
	Ascending()
	Descending()
	Close()
}

// MQTTAnnouncer publishes speech requests and audio cues to the voice sink
// over MQTT. Fire-and-forget: publish failures are logged, never propagated.
type MQTTAnnouncer struct {
	client    mqtt.Client
	sayTopic  string
	toneTopic string
	seq       atomic.Uint64
}

// NewMQTTAnnouncer connects to the broker and publishes under
// <baseTopic>/say and <baseTopic>/tone.
func NewMQTTAnnouncer(brokerAddr, baseTopic string) (*MQTTAnnouncer, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerAddr).
		SetClientID(fmt.Sprintf("capture-server-%d", time.Now().UnixNano())).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to voice broker: %w", token.Error())
	}

	logger.Info("Voice", "Connected to voice broker %s (topic=%s)", brokerAddr, baseTopic)
	return &MQTTAnnouncer{
		client:    client,
		sayTopic:  baseTopic + "/say",
		toneTopic: baseTopic + "/tone",
	}, nil
}

// Announce requests speech for the given message. A new announcement replaces
// anything currently playing at the sink.
func (a *MQTTAnnouncer) Announce(message, locale string) {
	a.publish(a.sayTopic, Announcement{
		Text:   message,
		Locale: locale,
		Seq:    a.seq.Add(1),
	})
}

// Cancel stops any in-flight speech at the sink.
func (a *MQTTAnnouncer) Cancel() {
	a.publish(a.sayTopic, Announcement{
		Seq:    a.seq.Add(1),
		Cancel: true,
	})
}

// Ascending plays the recording-started cue.
func (a *MQTTAnnouncer) Ascending() {
	a.publish(a.toneTopic, Tone{Pattern: "ascending", Seq: a.seq.Add(1)})
}

// Descending plays the recording-stopped cue.
func (a *MQTTAnnouncer) Descending() {
	a.publish(a.toneTopic, Tone{Pattern: "descending", Seq: a.seq.Add(1)})
}

func (a *MQTTAnnouncer) publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Voice", "Failed to marshal payload: %v", err)
		return
	}

	token := a.client.Publish(topic, 0, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			logger.Warn("Voice", "Publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// Close disconnects from the broker.
func (a *MQTTAnnouncer) Close() {
	a.client.Disconnect(250)
}

// Nop discards all voice output. Used when no broker is configured.
type Nop struct{}

func (Nop) Announce(message, locale string) {}
func (Nop) Cancel()                         {}
func (Nop) Ascending()                      {}
func (Nop) Descending()                     {}
func (Nop) Close()                          {}
