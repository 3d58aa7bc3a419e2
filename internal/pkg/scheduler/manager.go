package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/abofuchs/abofuchs/internal/pkg/env"
	metrics "github.com/abofuchs/abofuchs/internal/pkg/metrics/counter"
	"github.com/abofuchs/abofuchs/internal/pkg/payment"
	"github.com/gofiber/fiber/v2/log"
)

// Manager manages the periodic background tasks: the renewal sweep and
// the counter flush.
type Manager struct {
	payments           *payment.Service
	renewalTicker      *time.Ticker
	counterFlushTicker *time.Ticker
	stopCh             chan struct{}
	sweepCtx           context.Context
	sweepCancel        context.CancelFunc
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// InitManager creates the global scheduler manager (singleton).
func InitManager(payments *payment.Service) *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			payments: payments,
			stopCh:   make(chan struct{}),
		}
	})
	return globalManager
}

// GetManager returns the global scheduler manager, nil before InitManager.
func GetManager() *Manager {
	return globalManager
}

// Start starts the background workers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.sweepCtx, m.sweepCancel = context.WithCancel(context.Background())
	m.running = true
	log.Info("[Scheduler] Starting background tasks")

	// Workers select on the channel captured here, never on the struct
	// field: a worker mid-iteration during Stop must still observe the
	// close.
	stopCh := m.stopCh

	renewalInterval := time.Duration(env.GetEnvInt("RENEWAL_SWEEP_INTERVAL_MINUTES", 15)) * time.Minute
	m.renewalTicker = time.NewTicker(renewalInterval)
	m.wg.Add(1)
	go m.renewalWorker(renewalInterval, stopCh)

	// Counter flush worker (Redis -> DB) every 5 seconds
	m.counterFlushTicker = time.NewTicker(5 * time.Second)
	m.wg.Add(1)
	go m.counterFlushWorker(stopCh)

	log.Info("[Scheduler] Started successfully")
}

// Stop stops the background workers. Blocks until a sweep in progress has
// finished its in-flight charges.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	log.Info("[Scheduler] Stopping background tasks...")

	if m.renewalTicker != nil {
		m.renewalTicker.Stop()
	}
	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}

	// Tell a running sweep to stop picking up new subscriptions, then
	// signal the workers to exit. The mutex is released before waiting so
	// a worker finishing its iteration can't deadlock against us.
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()

	// Final counter flush so shutdown doesn't drop pending increments.
	if err := metrics.FlushAll(); err != nil {
		log.Errorf("[Scheduler] Final counter flush error: %v", err)
	}

	log.Info("[Scheduler] Stopped successfully")
}

// renewalWorker runs the renewal sweep on every tick.
func (m *Manager) renewalWorker(interval time.Duration, stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[Scheduler] Started renewal worker (interval: %s)", interval)

	for {
		select {
		case <-stopCh:
			log.Info("[Scheduler] Renewal worker stopping")
			return
		case <-m.renewalTicker.C:
			if err := m.runRenewalSweepOnce(); err != nil {
				log.Errorf("[Scheduler] Renewal sweep error: %v", err)
			}
		}
	}
}

// counterFlushWorker periodically flushes pending counters from Redis to DB.
func (m *Manager) counterFlushWorker(stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[Scheduler] Counter flush worker stopping")
			return
		case <-m.counterFlushTicker.C:
			if err := metrics.FlushAll(); err != nil {
				log.Errorf("[Scheduler] Counter flush error: %v", err)
			}
		}
	}
}

func (m *Manager) runRenewalSweepOnce() error {
	ctx := m.sweepCtx
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := m.payments.RunRenewalSweep(ctx, time.Now())
	if err != nil {
		return err
	}
	if err := metrics.AddN(metrics.MetricRenewalsSucceeded, int64(result.Renewed)); err != nil {
		log.Warnf("[Scheduler] Failed to count renewals: %v", err)
	}
	if err := metrics.AddN(metrics.MetricRenewalsFailed, int64(result.Failed)); err != nil {
		log.Warnf("[Scheduler] Failed to count renewal failures: %v", err)
	}
	return nil
}

// RunRenewalSweepOnce exposes a manual trigger for a single sweep (admin use).
func (m *Manager) RunRenewalSweepOnce() error {
	return m.runRenewalSweepOnce()
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
