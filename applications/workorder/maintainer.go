package workorder

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig carries the `maintenance.*` tunables (spec.md §6).
type MaintenanceConfig struct {
	DeadLetterAfter      time.Duration
	StaleOrderThreshold  time.Duration
	EnableAlerts         bool
	ReclaimLeases        bool
	DeadLetter           bool
	CheckStale           bool
}

// DefaultMaintenanceConfig matches spec.md §4.7's defaults, with all
// three tasks enabled.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		DeadLetterAfter:     48 * time.Hour,
		StaleOrderThreshold: 24 * time.Hour,
		ReclaimLeases:       true,
		DeadLetter:          true,
		CheckStale:          true,
	}
}

// MaintenanceFlags independently toggles the three maintain() tasks
// for a single run, overriding the engine's configured defaults when set.
type MaintenanceFlags struct {
	ReclaimLeases *bool
	DeadLetter    *bool
	CheckStale    *bool
}

// MaintenanceReport summarizes one maintain() pass.
type MaintenanceReport struct {
	LeasesReclaimed  int
	OrdersDeadLettered int
	ItemsDeadLettered  int
	StaleOrderIDs      []string
}

// Maintainer runs the three periodic background tasks named in
// spec.md §4.7: reclaiming expired leases, dead-lettering orders/items
// stuck in failed, and logging (never mutating) stale orders.
// Grounded on applications/jam/engine.go's pipeline shape (sequential,
// independently-toggleable steps run under one clock tick) and wired
// to a real scheduler via robfig/cron/v3, standing in for spec.md
// §4.7's "runs via periodic tick (external scheduler)".
type Maintainer struct {
	store Store
	clock Clock
	sm    *StateMachine
	cfg   MaintenanceConfig
	lease LeaseOperator
	log   *logrus.Entry

	cron *cron.Cron
}

// NewMaintainer builds a Maintainer.
func NewMaintainer(store Store, clock Clock, sm *StateMachine, lease LeaseOperator, cfg MaintenanceConfig, log *logrus.Entry) *Maintainer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Maintainer{store: store, clock: clock, sm: sm, lease: lease, cfg: cfg, log: log}
}

// Maintain runs the toggled tasks once and returns a report. Each task
// continues past an individual candidate's failure by logging it and
// moving to the next, per spec.md §7's maintainer error policy; it
// does not abort the whole pass.
func (m *Maintainer) Maintain(ctx context.Context, flags MaintenanceFlags) (MaintenanceReport, error) {
	var report MaintenanceReport

	if boolOr(flags.ReclaimLeases, m.cfg.ReclaimLeases) {
		n, err := m.lease.ReclaimExpired(ctx)
		report.LeasesReclaimed = n
		if err != nil {
			m.log.WithError(err).Warn("reclaim expired leases failed")
		}
	}

	if boolOr(flags.DeadLetter, m.cfg.DeadLetter) {
		orders, items, err := m.deadLetter(ctx)
		report.OrdersDeadLettered = orders
		report.ItemsDeadLettered = items
		if err != nil {
			m.log.WithError(err).Warn("dead-letter pass failed")
		}
	}

	if boolOr(flags.CheckStale, m.cfg.CheckStale) {
		ids, err := m.checkStale(ctx)
		report.StaleOrderIDs = ids
		if err != nil {
			m.log.WithError(err).Warn("stale-order check failed")
		}
	}

	return report, nil
}

// deadLetter promotes orders/items that have sat in `failed` longer
// than maintenance.dead_letter_after_hours to `dead_lettered`. Never
// resurrects a dead_lettered entity (spec.md §4.7).
func (m *Maintainer) deadLetter(ctx context.Context) (int, int, error) {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.DeadLetterAfter)

	ordersDL := 0
	orders, _, err := m.store.ListOrders(ctx, QueryFilter{State: string(OrderFailed), Limit: maxDeadLetterBatch})
	if err != nil {
		return 0, 0, err
	}
	for _, o := range orders {
		if o.LastTransitionedAt.After(cutoff) {
			continue
		}
		txErr := m.store.WithTx(ctx, func(ctx context.Context) error {
			order, err := m.store.GetOrderForUpdate(ctx, o.ID)
			if err != nil {
				return err
			}
			if order.State != OrderFailed {
				return nil
			}
			_, _, err = m.sm.TransitionOrder(ctx, order, OrderDeadLettered, SystemActor, EventDeadLettered, nil, "dead-lettered by maintainer", nil)
			return err
		})
		if txErr != nil {
			m.log.WithError(txErr).WithField("order_id", o.ID).Warn("dead-letter order failed")
			continue
		}
		ordersDL++
	}

	itemsDL, err := m.deadLetterFailedItems(ctx, cutoff)
	if err != nil {
		m.log.WithError(err).Warn("dead-letter items failed")
	}
	return ordersDL, itemsDL, nil
}

// maxDeadLetterBatch bounds how many failed orders one maintain() pass
// inspects, so a large backlog doesn't block the next tick indefinitely.
const maxDeadLetterBatch = 500

func (m *Maintainer) deadLetterFailedItems(ctx context.Context, cutoff time.Time) (int, error) {
	touched := 0
	orders, _, err := m.store.ListOrders(ctx, QueryFilter{Limit: maxDeadLetterBatch})
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		items, err := m.store.ListItemsByOrder(ctx, o.ID)
		if err != nil {
			continue
		}
		for _, it := range items {
			if it.State != ItemFailed {
				continue
			}
			failedAt := it.CreatedAt
			if evs, err := m.store.ListEvents(ctx, EventFilter{ItemID: it.ID, Limit: 1}); err == nil && len(evs) == 1 {
				failedAt = evs[0].CreatedAt
			}
			if failedAt.After(cutoff) {
				continue
			}
			txErr := m.store.WithTx(ctx, func(ctx context.Context) error {
				item, err := m.store.GetItemForUpdate(ctx, it.ID)
				if err != nil {
					return err
				}
				if item.State != ItemFailed {
					return nil
				}
				_, _, err = m.sm.TransitionItem(ctx, item, ItemDeadLettered, SystemActor, EventDeadLettered, nil, "dead-lettered by maintainer")
				return err
			})
			if txErr != nil {
				m.log.WithError(txErr).WithField("item_id", it.ID).Warn("dead-letter item failed")
				continue
			}
			touched++
		}
	}
	return touched, nil
}

// checkStale logs (and only logs) orders not in a terminal state whose
// created_at is older than maintenance.stale_order_threshold_hours.
func (m *Maintainer) checkStale(ctx context.Context) ([]string, error) {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.StaleOrderThreshold)

	orders, _, err := m.store.ListOrders(ctx, QueryFilter{Limit: maxDeadLetterBatch})
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, o := range orders {
		if o.State.IsTerminal() {
			continue
		}
		if o.CreatedAt.After(cutoff) {
			continue
		}
		stale = append(stale, o.ID)
	}
	if len(stale) > 0 {
		m.log.WithField("order_ids", stale).Warn("stale orders detected")
	}
	return stale, nil
}

func boolOr(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}

// StartCron wires Maintain to a robfig/cron/v3 schedule, replacing the
// "external scheduler" spec.md §4.7 leaves unspecified with a concrete,
// restartable in-process one. Stop() shuts it down cleanly.
func (m *Maintainer) StartCron(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		report, err := m.Maintain(ctx, MaintenanceFlags{})
		if err != nil {
			m.log.WithError(err).Error("maintain tick failed")
			return
		}
		m.log.WithFields(logrus.Fields{
			"leases_reclaimed":    report.LeasesReclaimed,
			"orders_dead_lettered": report.OrdersDeadLettered,
			"items_dead_lettered":  report.ItemsDeadLettered,
			"stale_orders":         len(report.StaleOrderIDs),
		}).Info("maintenance tick complete")
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	m.cron = c
	return c, nil
}

// StopCron stops the cron scheduler started by StartCron, if any.
func (m *Maintainer) StopCron() {
	if m.cron != nil {
		m.cron.Stop()
	}
}
