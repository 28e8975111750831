// Package notifications delivers best-effort user notifications,
// optionally through the Pushover API. Delivery is fire-and-forget;
// there is no delivery-confirmation contract.
package notifications

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parkzen/parkzend/pkg/logx"
	"github.com/parkzen/parkzend/pkg/retry"
)

const pushoverAPIURL = "https://api.pushover.net/1/messages.json"

// Config holds configuration for the notification manager
type Config struct {
	// Pushover settings; disabled means log-only delivery
	PushoverEnabled bool   `json:"pushover_enabled"`
	PushoverToken   string `json:"pushover_token"`
	PushoverUser    string `json:"pushover_user"`
	PushoverDevice  string `json:"pushover_device,omitempty"`

	// Notification control
	NotifyOnParkingSaved bool `json:"notify_on_parking_saved"`
	NotifyOnNewCar       bool `json:"notify_on_new_car"`
	NotifyOnDevice       bool `json:"notify_on_device"`
	NotifyOnGeofence     bool `json:"notify_on_geofence"`
	NotifyOnFixFailed    bool `json:"notify_on_fix_failed"`

	// Rate limiting
	CooldownPeriod       time.Duration `json:"cooldown_period"`
	MaxNotificationsHour int           `json:"max_notifications_hour"`

	// Delivery
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	HTTPTimeout   time.Duration `json:"http_timeout"`
}

// DefaultConfig returns default notification configuration
func DefaultConfig() Config {
	return Config{
		PushoverEnabled:      false,
		NotifyOnParkingSaved: true,
		NotifyOnNewCar:       true,
		NotifyOnDevice:       false, // reduce noise
		NotifyOnGeofence:     true,
		NotifyOnFixFailed:    true,
		CooldownPeriod:       10 * time.Second,
		MaxNotificationsHour: 30,
		RetryAttempts:        2,
		RetryDelay:           5 * time.Second,
		HTTPTimeout:          10 * time.Second,
	}
}

// Manager delivers notifications with per-type gating and rate limits.
// It satisfies pkg.Notifier.
type Manager struct {
	mu       sync.Mutex
	config   Config
	logger   *logx.Logger
	client   *http.Client
	runner   *retry.Runner
	lastSent map[NotificationType]time.Time
	sentLog  []time.Time
}

// NewManager creates a notification manager
func NewManager(config Config, logger *logx.Logger) *Manager {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = DefaultConfig().HTTPTimeout
	}
	if config.MaxNotificationsHour <= 0 {
		config.MaxNotificationsHour = DefaultConfig().MaxNotificationsHour
	}
	return &Manager{
		config:   config,
		logger:   logger,
		client:   &http.Client{Timeout: config.HTTPTimeout},
		runner: retry.NewRunner(retry.Config{
			MaxAttempts:  config.RetryAttempts,
			InitialDelay: config.RetryDelay,
		}),
		lastSent: make(map[NotificationType]time.Time),
	}
}

// Notify implements pkg.Notifier for the core's plain-text messages
func (m *Manager) Notify(ctx context.Context, message string) error {
	return m.Send(ctx, &Event{
		Type:     classify(message),
		Title:    "ParkZen",
		Message:  message,
		Priority: PriorityNormal,
	})
}

// Send delivers a typed notification event, applying per-type enable
// flags and rate limits. Delivery itself runs asynchronously; Send only
// fails on gating, never on transport.
func (m *Manager) Send(ctx context.Context, event *Event) error {
	if !m.enabled(event.Type) {
		m.logger.Debug("notification suppressed by config", "type", string(event.Type))
		return nil
	}

	if !m.admit(event.Type) {
		m.logger.Debug("notification rate limited", "type", string(event.Type))
		return nil
	}

	m.logger.Info("notification",
		"type", string(event.Type),
		"message", event.Message,
	)

	if !m.config.PushoverEnabled {
		return nil
	}

	go m.deliver(event)
	return nil
}

// enabled applies the per-type notification switches
func (m *Manager) enabled(t NotificationType) bool {
	switch t {
	case NotificationParkingSaved:
		return m.config.NotifyOnParkingSaved
	case NotificationNewCarDetected:
		return m.config.NotifyOnNewCar
	case NotificationDeviceConnected, NotificationDeviceDisconnected:
		return m.config.NotifyOnDevice
	case NotificationGeofenceAlert:
		return m.config.NotifyOnGeofence
	case NotificationFixFailed:
		return m.config.NotifyOnFixFailed
	default:
		return true
	}
}

// admit applies the per-type cooldown and the hourly cap
func (m *Manager) admit(t NotificationType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if m.config.CooldownPeriod > 0 {
		if last, ok := m.lastSent[t]; ok && now.Sub(last) < m.config.CooldownPeriod {
			return false
		}
	}

	cutoff := now.Add(-time.Hour)
	kept := m.sentLog[:0]
	for _, ts := range m.sentLog {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.sentLog = kept

	if len(m.sentLog) >= m.config.MaxNotificationsHour {
		return false
	}

	m.lastSent[t] = now
	m.sentLog = append(m.sentLog, now)
	return true
}

// deliver posts the event to Pushover with retries. Runs on its own
// goroutine; failures are logged and dropped.
func (m *Manager) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := m.runner.Do(ctx, func(ctx context.Context) error {
		return m.post(ctx, event)
	})
	if err != nil {
		m.logger.Warn("pushover delivery failed",
			"type", string(event.Type),
			"error", err,
		)
	}
}

func (m *Manager) post(ctx context.Context, event *Event) error {
	form := url.Values{}
	form.Set("token", m.config.PushoverToken)
	form.Set("user", m.config.PushoverUser)
	form.Set("title", event.Title)
	form.Set("message", event.Message)
	form.Set("priority", strconv.Itoa(event.Priority))
	if m.config.PushoverDevice != "" {
		form.Set("device", m.config.PushoverDevice)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pushoverAPIURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushover returned status %d", resp.StatusCode)
	}
	return nil
}
