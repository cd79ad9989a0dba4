// Package alerts delivers low-balance signals with a per-customer cooldown.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	goredis "github.com/redis/go-redis/v9"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/settings"
	log "github.com/sirupsen/logrus"
)

const (
	// Channel receives one JSON LowBalanceAlert per delivered signal.
	Channel = "billing:low_balance"

	cooldownKeyPrefix = "billing:low_balance:cooldown:"
	localCacheSize    = 4096
)

// LowBalanceAlert is the payload published for a low-balance signal.
type LowBalanceAlert struct {
	CustomerKey string    `json:"customer_key"`
	AccountID   string    `json:"account_id"`
	Balance     string    `json:"balance"`
	Threshold   string    `json:"threshold"`
	RequestID   string    `json:"request_id,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier implements billing.Notifier. With a Redis client the cooldown is
// shared across replicas and alerts are published on Channel; without one it
// falls back to an in-process cooldown and a log line.
type Notifier struct {
	client   goredis.UniversalClient
	settings *settings.Store
	now      func() time.Time

	mu    sync.Mutex
	local *expirable.LRU[string, time.Time]
}

var _ billing.Notifier = (*Notifier)(nil)

// NewNotifier builds a Notifier. client may be nil.
func NewNotifier(client goredis.UniversalClient, store *settings.Store) *Notifier {
	return &Notifier{
		client:   client,
		settings: store,
		now:      time.Now,
		local:    expirable.NewLRU[string, time.Time](localCacheSize, nil, 0),
	}
}

// Cooldown returns the minimum spacing between alerts for one customer.
func (n *Notifier) Cooldown() time.Duration {
	minutes := n.settings.Int(settings.LowBalanceAlertCooldownMinutesKey, settings.DefaultLowBalanceAlertCooldownMinutes)
	if minutes < 0 {
		minutes = 0
	}
	return time.Duration(minutes) * time.Minute
}

// LowBalance delivers signal unless an alert for the same customer went out
// within the cooldown.
func (n *Notifier) LowBalance(ctx context.Context, signal billing.LowBalanceSignal) {
	key := signal.Identity.Key()
	fields := log.Fields{
		"customer_key": key,
		"balance":      signal.Balance.String(),
		"threshold":    signal.Threshold.String(),
	}

	first, errClaim := n.claim(ctx, key)
	if errClaim != nil {
		log.WithError(errClaim).WithFields(fields).Warn("alerts: cooldown check failed")
		return
	}
	if !first {
		log.WithFields(fields).Debug("alerts: low-balance alert suppressed by cooldown")
		return
	}

	alert := LowBalanceAlert{
		CustomerKey: key,
		AccountID:   signal.AccountID,
		Balance:     signal.Balance.StringFixed(2),
		Threshold:   signal.Threshold.StringFixed(2),
		RequestID:   signal.RequestID,
		At:          n.now().UTC(),
	}
	log.WithFields(fields).Warn("alerts: low balance")
	if n.client == nil {
		return
	}
	payload, errMarshal := json.Marshal(alert)
	if errMarshal != nil {
		log.WithError(errMarshal).WithFields(fields).Error("alerts: encode alert")
		return
	}
	if errPublish := n.client.Publish(ctx, Channel, payload).Err(); errPublish != nil {
		log.WithError(errPublish).WithFields(fields).Error("alerts: publish alert")
	}
}

// claim reports whether this call opened a new cooldown window for key.
func (n *Notifier) claim(ctx context.Context, key string) (bool, error) {
	cooldown := n.Cooldown()
	if cooldown == 0 {
		return true, nil
	}
	if n.client != nil {
		ok, errSet := n.client.SetNX(ctx, cooldownKeyPrefix+key, n.now().UTC().Format(time.RFC3339), cooldown).Result()
		if errSet != nil {
			return false, fmt.Errorf("alerts: redis setnx: %w", errSet)
		}
		return ok, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.local.Get(key); ok && now.Sub(last) < cooldown {
		return false, nil
	}
	n.local.Add(key, now)
	return true, nil
}
