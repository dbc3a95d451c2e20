// Package publisher announces UPS status changes over MQTT and keeps a
// retained per-device state topic up to date.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/nut-dashboard/internal/poller"
	"github.com/sweeney/nut-dashboard/internal/store"
	"github.com/sweeney/nut-dashboard/internal/ups"
)

// Message is a single MQTT publish request.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Publisher is the minimal interface the rest of the codebase uses to send
// MQTT messages. The real MQTT client and FakePublisher both implement it.
type Publisher interface {
	Publish(msg Message) error
	Close() error
}

// PublishConfig groups the MQTT routing parameters.
type PublishConfig struct {
	Prefix   string
	Retained bool // applies to state topics; events are never retained
}

// StatusEvent is published when a device's ups.status changes.
type StatusEvent struct {
	ServerID  string `json:"server"`
	Device    string `json:"device"`
	Name      string `json:"name"`
	Previous  string `json:"previous"`
	Current   string `json:"current"`
	Display   string `json:"display"`
	OnBattery bool   `json:"on_battery"`
	Timestamp string `json:"timestamp"`
}

// StateMessage is the JSON payload for the retained per-device state topic.
type StateMessage struct {
	Timestamp string             `json:"timestamp"`
	PollID    string             `json:"poll_id"`
	Snapshot  ups.DeviceSnapshot `json:"snapshot"`
}

// OnlineState is the LWT / online-announcement payload.
type OnlineState struct {
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

// FormatOffline returns the JSON payload for the offline announcement.
func FormatOffline() string { return formatOnline(false) }

// FormatOnline returns the JSON payload announcing the dashboard is up.
func FormatOnline() string { return formatOnline(true) }

func formatOnline(online bool) string {
	payload, _ := json.Marshal(OnlineState{
		Online:    online,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return string(payload)
}

// StatusTopic is where the online/offline announcement and LWT live.
func StatusTopic(prefix string) string { return prefix + "/status" }

// StateTopic returns the retained state topic of one device.
func StateTopic(prefix, server, device string) string {
	return fmt.Sprintf("%s/%s/%s/state", prefix, topicLevel(server), topicLevel(device))
}

// EventTopic returns the status-change topic of one device.
func EventTopic(prefix, server, device string) string {
	return fmt.Sprintf("%s/%s/%s/event", prefix, topicLevel(server), topicLevel(device))
}

// topicLevel makes s safe as a single MQTT topic level.
var topicLevel = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace

// Notifier is a poller.Sink comparing each snapshot's status with the last
// one recorded in a StatusStore. The first observation of a device is
// recorded silently; Unknown snapshots carry no observation and are
// neither recorded nor announced. Overlapping polls are handled one at a
// time so each change is announced once.
type Notifier struct {
	pub   Publisher
	store store.StatusStore
	cfg   PublishConfig
	log   *zap.Logger
	now   func() time.Time

	mu sync.Mutex // serialises the store read-compare-write in Handle
}

// NewNotifier returns a Notifier publishing under cfg.Prefix and
// remembering statuses in st.
func NewNotifier(pub Publisher, st store.StatusStore, cfg PublishConfig, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{pub: pub, store: st, cfg: cfg, log: log, now: time.Now}
}

// Handle publishes state for every snapshot and events for changes. It
// keeps going after a failure and returns all errors joined.
func (n *Notifier) Handle(ctx context.Context, res poller.PollResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	for _, s := range res.Snapshots {
		if err := n.snapshot(ctx, res.ID, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Key(), err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) snapshot(ctx context.Context, pollID string, s ups.DeviceSnapshot) error {
	ts := n.now().UTC().Format(time.RFC3339)

	if s.Status != ups.StatusUnknown {
		prev, seen, err := n.store.Get(ctx, s.ServerID, s.Device)
		if err != nil {
			return err
		}
		if seen && prev != s.Status {
			if err := n.publishEvent(s, prev, ts); err != nil {
				return err
			}
		}
		if !seen || prev != s.Status {
			if err := n.store.Set(ctx, s.ServerID, s.Device, s.Status); err != nil {
				return err
			}
		}
	}

	payload, err := json.Marshal(StateMessage{Timestamp: ts, PollID: pollID, Snapshot: s})
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	return n.pub.Publish(Message{
		Topic:    StateTopic(n.cfg.Prefix, s.ServerID, s.Device),
		Payload:  string(payload),
		Retained: n.cfg.Retained,
	})
}

func (n *Notifier) publishEvent(s ups.DeviceSnapshot, prev, ts string) error {
	ev := StatusEvent{
		ServerID:  s.ServerID,
		Device:    s.Device,
		Name:      s.Name,
		Previous:  prev,
		Current:   s.Status,
		Display:   s.StatusDisplay,
		OnBattery: s.OnBattery,
		Timestamp: ts,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	n.log.Info("ups status changed",
		zap.String("server", s.ServerID),
		zap.String("device", s.Device),
		zap.String("previous", prev),
		zap.String("current", s.Status))
	return n.pub.Publish(Message{Topic: EventTopic(n.cfg.Prefix, s.ServerID, s.Device), Payload: string(payload)})
}
