package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abofuchs/abofuchs/app/models"
	"github.com/abofuchs/abofuchs/internal/pkg/gateway"
)

// seedCompletedSubscription stores a completed subscription payment that
// finished periodAgo before now, so RecurrenceDays < periodAgo makes it due.
func seedCompletedSubscription(t *testing.T, repo *fakeRepo, userID uint, token string, completedAt time.Time) *models.PaymentIntent {
	t.Helper()
	intent := &models.PaymentIntent{
		OrderKey:    "seed-" + token + "-" + completedAt.Format("150405.000000000"),
		UserID:      userID,
		ProductID:   1,
		Method:      models.PaymentMethodMollie,
		AmountCents: 999,
		Status:      models.PaymentStatusPending,
	}
	require.NoError(t, repo.CreateIntent(intent))
	changed, _, err := repo.MarkCompleted(intent.ID, completedAt, token, "")
	require.NoError(t, err)
	require.True(t, changed)
	return intent
}

func TestRunRenewalSweep_RenewsDueSubscription(t *testing.T) {
	svc, repo, gw, entitler := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -31))

	result, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Renewed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, gw.chargeCalls)
	assert.Equal(t, 1, entitler.callCount())

	latest, err := repo.LatestCompletedSubscriptionByUser(7)
	require.NoError(t, err)
	assert.NotEqual(t, seed.OrderKey, latest.OrderKey, "renewal must create a fresh intent")
	assert.Equal(t, models.PaymentStatusCompleted, latest.Status)
	assert.Equal(t, "mandate_7", latest.RecurringToken, "token carries over to the renewal intent")
}

func TestRunRenewalSweep_NothingDue(t *testing.T) {
	svc, repo, gw, _ := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -5))

	result, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
	assert.Equal(t, 0, gw.chargeCalls)
}

func TestRunRenewalSweep_Idempotent(t *testing.T) {
	svc, repo, gw, _ := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -31))

	first, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Renewed)

	// The renewal moved the latest completed_at forward, so an immediate
	// second sweep with the same clock finds nothing due.
	second, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Scanned)
	assert.Equal(t, 1, gw.chargeCalls, "the subscriber is charged exactly once")
}

func TestRunRenewalSweep_SkipsSubscriberWithPendingIntent(t *testing.T) {
	svc, repo, gw, _ := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -31))

	// An unresolved charge is already in flight for this subscriber.
	pending := &models.PaymentIntent{
		OrderKey:    "inflight-7",
		UserID:      7,
		ProductID:   1,
		Method:      models.PaymentMethodMollie,
		AmountCents: 999,
		Status:      models.PaymentStatusPending,
	}
	require.NoError(t, repo.CreateIntent(pending))

	result, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, gw.chargeCalls)
}

func TestRunRenewalSweep_SkipsMissingToken(t *testing.T) {
	svc, repo, gw, _ := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCompletedSubscription(t, repo, 7, "", now.AddDate(0, 0, -31))

	result, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, gw.chargeCalls)
}

func TestRunRenewalSweep_PartialFailureIsolation(t *testing.T) {
	svc, repo, gw, entitler := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -31))
	seedCompletedSubscription(t, repo, 8, "mandate_8", now.AddDate(0, 0, -40))
	gw.chargeErr = map[string]error{"mandate_8": gateway.ErrRejected}

	result, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Renewed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, entitler.callCount(), "only the successful subscriber gets entitled")

	// The declined subscriber keeps a failed intent on record and stays due
	// for the next sweep.
	latest7, err := repo.LatestCompletedSubscriptionByUser(7)
	require.NoError(t, err)
	assert.True(t, latest7.CompletedAt.After(now.AddDate(0, 0, -1)))

	latest8, err := repo.LatestCompletedSubscriptionByUser(8)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -40).Unix(), latest8.CompletedAt.Unix())
}

func TestRunRenewalSweep_OneTimePurchaseDoesNotMaskDueSubscription(t *testing.T) {
	svc, repo, gw, entitler := newTestService()
	repo.addProduct(storagePackProduct())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -31))

	// The subscriber bought a one-time add-on after the last subscription
	// payment. The subscription is still due.
	pack := &models.PaymentIntent{
		OrderKey:    "pack-7",
		UserID:      7,
		ProductID:   2,
		Method:      models.PaymentMethodMollie,
		AmountCents: 4999,
		Status:      models.PaymentStatusPending,
	}
	require.NoError(t, repo.CreateIntent(pack))
	changed, _, err := repo.MarkCompleted(pack.ID, now.AddDate(0, 0, -1), "", "")
	require.NoError(t, err)
	require.True(t, changed)

	result, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Renewed, "due subscription must still renew despite the later one-time purchase")
	assert.Equal(t, 1, gw.chargeCalls)
	assert.Equal(t, 1, entitler.callCount())
}

func TestRenewOne_StaleCandidateIsNotChargedAgain(t *testing.T) {
	svc, repo, gw, _ := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -31))

	// Two workers scanned the same due row, e.g. from overlapping sweeps.
	stale, err := repo.GetByOrderKey(seed.OrderKey)
	require.NoError(t, err)

	assert.Equal(t, renewOutcomeRenewed, svc.renewOne(stale, now))

	// The second holder re-checks under the lock, sees the cycle already
	// rolled forward and walks away without a second charge.
	assert.Equal(t, renewOutcomeSkipped, svc.renewOne(stale, now))
	assert.Equal(t, 1, gw.chargeCalls, "the subscriber is charged exactly once")
}

func TestRunRenewalSweep_ChargesPriorCycleAmount(t *testing.T) {
	svc, repo, gw, _ := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Grandfathered price: the prior cycle was charged below the current
	// list price of 999.
	prior := &models.PaymentIntent{
		OrderKey:    "grandfathered-7",
		UserID:      7,
		ProductID:   1,
		Method:      models.PaymentMethodMollie,
		AmountCents: 899,
		Status:      models.PaymentStatusPending,
	}
	require.NoError(t, repo.CreateIntent(prior))
	changed, _, err := repo.MarkCompleted(prior.ID, now.AddDate(0, 0, -31), "mandate_7", "")
	require.NoError(t, err)
	require.True(t, changed)

	result, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Renewed)
	assert.Equal(t, 1, gw.chargeCalls)

	latest, err := repo.LatestCompletedSubscriptionByUser(7)
	require.NoError(t, err)
	assert.Equal(t, int64(899), latest.AmountCents, "renewal carries the prior cycle's amount, not the list price")
}

func TestRunRenewalSweep_CancelledContextStartsNothing(t *testing.T) {
	svc, repo, gw, _ := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -31))
	seedCompletedSubscription(t, repo, 8, "mandate_8", now.AddDate(0, 0, -31))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.RunRenewalSweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 0, gw.chargeCalls)
}

func TestRunRenewalSweep_FailedRenewalRetriesNextSweep(t *testing.T) {
	svc, repo, gw, _ := newTestService()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCompletedSubscription(t, repo, 7, "mandate_7", now.AddDate(0, 0, -31))
	gw.chargeErr = map[string]error{"mandate_7": gateway.ErrUnavailable}

	first, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	// Provider recovered: the next sweep picks the subscriber up again with
	// a fresh intent and succeeds.
	gw.chargeErr = nil
	second, err := svc.RunRenewalSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Renewed)
	assert.Equal(t, 2, gw.chargeCalls)
}
