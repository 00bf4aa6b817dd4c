package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reward-distributor/internal/config"
	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailureRate  AlertType = "batch_failure_rate"
	AlertBatchAborted      AlertType = "batch_aborted"
	AlertInsufficientFunds AlertType = "insufficient_treasury_funds"
	AlertTreasuryLow       AlertType = "treasury_below_floor"
	AlertTransfersInDoubt  AlertType = "transfers_in_doubt"
	AlertCircuitOpen       AlertType = "ledger_circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	attempted := snap.LastRunSucceeded + snap.LastRunFailed
	if attempted > 0 && snap.LastRunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Batch %s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d attempted)",
				snap.LastRunID, snap.LastRunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.LastRunFailed, attempted,
			),
			Details: map[string]any{
				"run_id":       snap.LastRunID,
				"failure_rate": snap.LastRunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.LastRunFailed,
				"attempted":    attempted,
			},
			Timestamp: now,
		})
	}

	if snap.LastRunAborted && snap.LastRunAbortReason != model.ReasonCancelled {
		alerts = append(alerts, Alert{
			Type:     AlertBatchAborted,
			Severity: "high",
			Message:  fmt.Sprintf("Batch %s stopped early: %s", snap.LastRunID, abortText(snap.LastRunAbortReason)),
			Details: map[string]any{
				"run_id":  snap.LastRunID,
				"reason":  string(snap.LastRunAbortReason),
				"skipped": snap.LastRunSkipped,
			},
			Timestamp: now,
		})
	}

	if snap.InsufficientFundsHits > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertInsufficientFunds,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d producer(s) in batch %s failed with insufficient treasury funds",
				snap.InsufficientFundsHits, snap.LastRunID,
			),
			Details: map[string]any{
				"run_id": snap.LastRunID,
				"count":  snap.InsufficientFundsHits,
			},
			Timestamp: now,
		})
	}

	if low, floor := a.belowFloor(snap.TreasuryBalance); low {
		alerts = append(alerts, Alert{
			Type:     AlertTreasuryLow,
			Severity: "medium",
			Message:  fmt.Sprintf("Treasury balance %s is below floor %s", snap.TreasuryBalance, floor),
			Details: map[string]any{
				"balance": snap.TreasuryBalance,
				"floor":   floor,
			},
			Timestamp: now,
		})
	}

	if snap.StalePending > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertTransfersInDoubt,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d transfer(s) unconfirmed for more than %d minutes (oldest %s)",
				snap.StalePending, a.cfg.PendingMaxAgeMins, snap.OldestPendingAge.Round(time.Second),
			),
			Details: map[string]any{
				"stale":         snap.StalePending,
				"pending_count": snap.PendingCount,
				"oldest_secs":   int(snap.OldestPendingAge.Seconds()),
			},
			Timestamp: now,
		})
	}

	if snap.CircuitState == resilience.CircuitOpen.String() {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "medium",
			Message:   "Ledger gateway circuit breaker is open",
			Timestamp: now,
		})
	}

	return alerts
}

// belowFloor reports whether balance is under the configured floor. A zero
// floor or unreadable balance never alerts.
func (a *Alerter) belowFloor(balance string) (bool, string) {
	if a.cfg.TreasuryFloor == "" || balance == "" {
		return false, ""
	}
	floor, err := model.ParseQuantity(a.cfg.TreasuryFloor)
	if err != nil || floor.Sign() <= 0 {
		return false, ""
	}
	bal, err := model.ParseQuantity(balance)
	if err != nil {
		return false, ""
	}
	return bal.Cmp(floor) < 0, floor.String()
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func abortText(r model.Reason) string {
	switch r {
	case model.ReasonSessionInvalidated:
		return "distributor session invalidated"
	case model.ReasonJournalUnavailable:
		return "transfer journal unavailable"
	default:
		return string(r)
	}
}
