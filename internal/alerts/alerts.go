// Package alerts posts operational alerts to an optional webhook.
package alerts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jardesigner/jardesigner/internal/logging"
)

// Alert severity levels
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert event types
const (
	AlertRunFailed         = "run_failed"
	AlertRelayDisconnected = "relay_disconnected"
)

// AlertPayload is the JSON structure sent to the webhook.
type AlertPayload struct {
	Host      string                 `json:"host"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Notifier sends alerts and tracks relay connectivity for delayed
// disconnect alerts.
type Notifier struct {
	webhookURL string
	relayDelay time.Duration
	client     *http.Client
	host       string
	log        zerolog.Logger
	now        func() time.Time

	mu                     sync.Mutex
	relayDisconnectedSince time.Time
	relayAlertSent         bool
	lastKnownRelayState    bool
	wg                     sync.WaitGroup
}

// NewNotifier returns a notifier. With an empty webhookURL alerts are only
// logged.
func NewNotifier(webhookURL string, relayDelay time.Duration) *Notifier {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Notifier{
		webhookURL:          webhookURL,
		relayDelay:          relayDelay,
		client:              &http.Client{Timeout: 10 * time.Second},
		host:                host,
		log:                 logging.Component("alerts"),
		now:                 time.Now,
		lastKnownRelayState: true,
	}
}

// Send posts an alert asynchronously. Delivery is best-effort.
func (n *Notifier) Send(event, severity, message string, details map[string]interface{}) {
	if n.webhookURL == "" {
		n.log.Warn().Str("alert", event).Str("severity", severity).
			Interface("details", details).Msg(message)
		return
	}

	payload := AlertPayload{
		Host:      n.host,
		Event:     event,
		Timestamp: n.now().UTC().Format(time.RFC3339),
		Severity:  severity,
		Message:   message,
		Details:   details,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.post(payload)
	}()
}

func (n *Notifier) post(payload AlertPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to marshal alert payload")
		return
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		n.log.Error().Err(err).Msg("alert webhook POST failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Error().Int("status", resp.StatusCode).Msg("alert webhook rejected payload")
	}
}

// Wait blocks until in-flight webhook posts finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// RunFailed reports a run whose process exited without producing its artifact.
func (n *Notifier) RunFailed(pid int, clientID, channelID string, exitErr error) {
	details := map[string]interface{}{
		"pid":        pid,
		"client_id":  clientID,
		"channel_id": channelID,
	}
	if exitErr != nil {
		details["exit_error"] = exitErr.Error()
	}
	n.Send(AlertRunFailed, SeverityWarning, "simulation exited without producing output", details)
}

// CheckRelay records the relay connection state and sends an alert once it
// has been disconnected for longer than the configured delay. A recovery
// alert follows if a disconnect alert was sent.
func (n *Notifier) CheckRelay(connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()

	if connected {
		if !n.lastKnownRelayState && n.relayAlertSent {
			n.Send(AlertRelayDisconnected, SeverityInfo, "MQTT relay connection restored", map[string]interface{}{
				"recovered_at": now.UTC().Format(time.RFC3339),
			})
		}
		n.relayDisconnectedSince = time.Time{}
		n.relayAlertSent = false
		n.lastKnownRelayState = true
		return
	}

	if n.lastKnownRelayState {
		n.relayDisconnectedSince = now
	}
	n.lastKnownRelayState = false

	if !n.relayAlertSent && !n.relayDisconnectedSince.IsZero() {
		disconnected := now.Sub(n.relayDisconnectedSince)
		if disconnected >= n.relayDelay {
			n.relayAlertSent = true
			n.Send(AlertRelayDisconnected, SeverityWarning, "MQTT relay disconnected", map[string]interface{}{
				"disconnected_since":   n.relayDisconnectedSince.UTC().Format(time.RFC3339),
				"disconnected_seconds": int(disconnected.Seconds()),
			})
		}
	}
}

// StartRelayMonitor polls connected every interval until stop is closed.
func (n *Notifier) StartRelayMonitor(interval time.Duration, connected func() bool, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n.CheckRelay(connected())
			}
		}
	}()
}
