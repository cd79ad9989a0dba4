package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/settings"
	log "github.com/sirupsen/logrus"
)

const defaultReconcileSchedule = "@every 15m"

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Since    time.Time
	Listed   int
	Credited int
	Failed   int
	Outcomes map[Outcome]int
}

// Sweeper replays recent provider events through the reconciler so that
// deliveries lost by the webhook transport are still credited.
type Sweeper struct {
	provider   Provider
	reconciler *Reconciler
	settings   *settings.Store
	now        func() time.Time

	mu sync.Mutex
}

// NewSweeper constructs a Sweeper. settings may be nil.
func NewSweeper(provider Provider, reconciler *Reconciler, settingsStore *settings.Store) *Sweeper {
	return &Sweeper{
		provider:   provider,
		reconciler: reconciler,
		settings:   settingsStore,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Lookback returns the replay window.
func (s *Sweeper) Lookback() time.Duration {
	hours := s.settings.Int(settings.ReconcileLookbackHoursKey, settings.DefaultReconcileLookbackHours)
	if hours <= 0 {
		hours = settings.DefaultReconcileLookbackHours
	}
	return time.Duration(hours) * time.Hour
}

// RunOnce lists handled events inside the lookback window and processes each.
// Concurrent calls are serialized.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &SweepReport{
		Since:    s.now().Add(-s.Lookback()),
		Outcomes: make(map[Outcome]int),
	}
	types := make([]string, 0, len(HandledEventTypes))
	for _, t := range HandledEventTypes {
		types = append(types, string(t))
	}
	events, errList := s.provider.ListEvents(ctx, report.Since, types)
	if errList != nil {
		return nil, providerError("list events", errList)
	}
	report.Listed = len(events)

	// Oldest first so async payment events follow their checkout completion.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev == nil {
			continue
		}
		if errCtx := ctx.Err(); errCtx != nil {
			return report, errCtx
		}
		out, errProcess := s.reconciler.ProcessEvent(ctx, ev)
		if errProcess != nil {
			report.Failed++
			sweepEventsTotal.WithLabelValues("error").Inc()
			log.WithError(errProcess).WithFields(log.Fields{
				"event_id":   ev.ID,
				"event_type": ev.Type,
			}).Warn("billing: reconcile sweep failed to process event")
			continue
		}
		report.Outcomes[out.Outcome]++
		if out.Outcome == OutcomeCredited {
			report.Credited++
			log.WithFields(log.Fields{
				"event_id":     ev.ID,
				"customer_key": out.Identity.Key(),
				"amount":       out.Amount.String(),
			}).Warn("billing: reconcile sweep credited a missed webhook event")
		}
		sweepEventsTotal.WithLabelValues(string(out.Outcome)).Inc()
	}
	return report, nil
}

// Schedule registers the sweep on c using spec, falling back to the default cadence.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = defaultReconcileSchedule
	}
	id, errAdd := c.AddFunc(spec, func() {
		report, errRun := s.RunOnce(ctx)
		if errRun != nil {
			log.WithError(errRun).Warn("billing: reconcile sweep failed")
			return
		}
		log.WithFields(log.Fields{
			"listed":   report.Listed,
			"credited": report.Credited,
			"failed":   report.Failed,
		}).Info("billing: reconcile sweep finished")
	})
	if errAdd != nil {
		return 0, fmt.Errorf("billing: schedule reconcile sweep %q: %w", spec, errAdd)
	}
	return id, nil
}
