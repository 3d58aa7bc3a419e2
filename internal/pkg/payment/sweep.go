package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abofuchs/abofuchs/app/models"
	"github.com/abofuchs/abofuchs/internal/pkg/gateway"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

const renewalWorkerCount = 4

// RunRenewalSweep charges every subscriber whose entitlement period elapsed
// before now. Each due subscriber is handled independently: one declined card
// never blocks the rest of the sweep. Cancelling ctx stops new renewals from
// starting; charges already in flight run to completion on detached contexts
// so no money moves without a matching ledger write.
func (s *Service) RunRenewalSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	result := SweepResult{StartedAt: now}

	due, err := s.repo.FindDueRenewals(now)
	if err != nil {
		return result, err
	}
	result.Scanned = len(due)
	if len(due) == 0 {
		result.Duration = time.Since(now)
		return result, nil
	}

	log.Infof("[Renewal] Sweep started: %d subscription(s) due", len(due))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		workers  = make(chan struct{}, renewalWorkerCount)
		stopping bool
	)

	for i := range due {
		select {
		case <-ctx.Done():
			stopping = true
		default:
		}
		if stopping {
			mu.Lock()
			result.Skipped += len(due) - i
			mu.Unlock()
			break
		}

		workers <- struct{}{}
		wg.Add(1)
		go func(last models.PaymentIntent) {
			defer wg.Done()
			defer func() { <-workers }()

			outcome := s.renewOne(&last, now)
			mu.Lock()
			switch outcome {
			case renewOutcomeRenewed:
				result.Renewed++
			case renewOutcomeFailed:
				result.Failed++
			default:
				result.Skipped++
			}
			mu.Unlock()
		}(due[i])
	}

	wg.Wait()
	result.Duration = time.Since(now)
	log.Infof("[Renewal] Sweep finished: scanned=%d renewed=%d failed=%d skipped=%d in %s",
		result.Scanned, result.Renewed, result.Failed, result.Skipped, result.Duration)
	return result, nil
}

type renewOutcome int

const (
	renewOutcomeSkipped renewOutcome = iota
	renewOutcomeRenewed
	renewOutcomeFailed
)

// renewOne charges one due subscription. The per-subscriber lock keeps
// overlapping sweeps (or a second scheduler instance) from double-charging;
// holders that lose the lock simply skip and leave the work to the winner.
func (s *Service) renewOne(last *models.PaymentIntent, now time.Time) renewOutcome {
	lockKey := fmt.Sprintf("%s%d", renewalLockPrefix, last.UserID)

	// Detached from the sweep context: once a charge starts, the ledger
	// write must happen even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout+10*time.Second)
	defer cancel()

	ok, err := s.locks.Acquire(ctx, lockKey)
	if err != nil {
		log.Errorf("[Renewal] Lock error for user %d: %v", last.UserID, err)
		return renewOutcomeSkipped
	}
	if !ok {
		return renewOutcomeSkipped
	}
	defer func() {
		if err := s.locks.Release(context.Background(), lockKey); err != nil {
			log.Warnf("[Renewal] Failed to release lock for user %d: %v", last.UserID, err)
		}
	}()

	// Between the scan and the lock another worker (or an overlapping sweep)
	// may already have renewed this subscriber. Only the intent that is
	// still the latest completed subscription payment rolls the cycle
	// forward; a stale candidate walks away.
	latest, err := s.repo.LatestCompletedSubscriptionByUser(last.UserID)
	if err != nil {
		log.Errorf("[Renewal] Latest-intent check failed for user %d: %v", last.UserID, err)
		return renewOutcomeSkipped
	}
	if latest.ID != last.ID {
		return renewOutcomeSkipped
	}

	// A pending intent means a charge for this subscriber is already in
	// flight (or a previous attempt is still unresolved). Don't stack
	// another charge on top.
	pending, err := s.repo.HasPendingIntentForUser(last.UserID)
	if err != nil {
		log.Errorf("[Renewal] Pending check failed for user %d: %v", last.UserID, err)
		return renewOutcomeSkipped
	}
	if pending {
		return renewOutcomeSkipped
	}

	if last.RecurringToken == "" {
		log.Warnf("[Renewal] User %d has no recurring token on order %s, skipping", last.UserID, last.OrderKey)
		return renewOutcomeSkipped
	}

	product, err := s.repo.GetProduct(last.ProductID)
	if err != nil {
		log.Warnf("[Renewal] Product %d missing for user %d, skipping: %v", last.ProductID, last.UserID, err)
		return renewOutcomeSkipped
	}
	if !product.IsActive || !product.IsRecurring() {
		log.Warnf("[Renewal] Product %d no longer renewable for user %d, skipping", last.ProductID, last.UserID)
		return renewOutcomeSkipped
	}

	gw, err := s.gateways.Get(last.Method)
	if err != nil {
		log.Errorf("[Renewal] No gateway for method %q (user %d): %v", last.Method, last.UserID, err)
		return renewOutcomeSkipped
	}

	// The renewal charges the prior cycle's amount, not the current list
	// price. Price changes take effect when the subscriber orders anew.
	intent := &models.PaymentIntent{
		OrderKey:    uuid.New().String(),
		UserID:      last.UserID,
		ProductID:   last.ProductID,
		Method:      last.Method,
		AmountCents: last.AmountCents,
		Status:      models.PaymentStatusPending,
	}
	if err := s.repo.CreateIntent(intent); err != nil {
		log.Errorf("[Renewal] Failed to create renewal intent for user %d: %v", last.UserID, err)
		return renewOutcomeSkipped
	}

	callCtx, cancelCall := context.WithTimeout(ctx, s.callTimeout)
	defer cancelCall()
	charge, err := gw.ChargeRecurring(callCtx, last.RecurringToken, intent.AmountCents, intent.OrderKey)
	if err != nil {
		// Rejected and unavailable both fail this attempt; the subscriber
		// stays due and the next sweep retries with a fresh intent.
		reason := "recurring charge: " + err.Error()
		if errors.Is(err, gateway.ErrUnavailable) {
			reason = "recurring charge unavailable: " + err.Error()
		}
		if _, ferr := s.failIntent(intent.ID, time.Now(), reason, ""); ferr != nil {
			log.Errorf("[Renewal] Failed to record charge failure for user %d: %v", last.UserID, ferr)
		}
		log.Warnf("[Renewal] Charge failed for user %d order %s: %v", last.UserID, intent.OrderKey, err)
		return renewOutcomeFailed
	}

	if err := s.repo.SetProviderHandle(intent.ID, charge.ProviderHandle); err != nil {
		log.Errorf("[Renewal] Failed to store provider handle for order %s: %v", intent.OrderKey, err)
	}

	if _, err := s.completeIntent(ctx, intent, time.Now(), last.RecurringToken, charge.RawResponse); err != nil {
		log.Errorf("[Renewal] Finalization failed for user %d order %s: %v", last.UserID, intent.OrderKey, err)
		return renewOutcomeFailed
	}

	log.Infof("[Renewal] Renewed user %d on %s (order %s)", last.UserID, product.Name, intent.OrderKey)
	return renewOutcomeRenewed
}
