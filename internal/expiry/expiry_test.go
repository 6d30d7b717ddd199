package expiry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-energy/internal/database/dbtest"
	"github.com/ksred/klear-energy/internal/events"
	"github.com/ksred/klear-energy/internal/exposure"
	"github.com/ksred/klear-energy/internal/trading"
	"github.com/ksred/klear-energy/internal/types"
)

var testNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	h       *dbtest.TestHelper
	orders  *trading.Service
	sweeper *Sweeper
}

func newTestEnv(t *testing.T, orgs ...string) *testEnv {
	t.Helper()
	h := dbtest.NewTestHelper(t)
	for _, org := range orgs {
		h.Seed(dbtest.BasicFixture(org))
	}

	orders := trading.NewService(h.DB, exposure.NewService(h.DB), events.NewEmitter(h.DB),
		trading.WithClock(func() time.Time { return testNow }))
	return &testEnv{h: h, orders: orders, sweeper: NewSweeper(h.DB, orders, 2)}
}

func (e *testEnv) submit(t *testing.T, org string, validFor time.Duration) *types.Order {
	t.Helper()
	order, err := e.orders.SubmitOrder(context.Background(), types.NewOrder{
		OrganizationID: org,
		CreatedBy:      org + "-client",
		ProductSymbol:  "BASE_Y_26",
		Side:           types.SideBuy,
		Quantity:       decimal.NewFromInt(10),
		Unit:           types.UnitMW,
		ValidUntil:     testNow.Add(validFor),
	})
	require.NoError(t, err)
	return order
}

func (e *testEnv) status(t *testing.T, orderID string) string {
	t.Helper()
	order, err := e.orders.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return order.Status
}

func TestSweep_ExpiresOnlyDueOrders(t *testing.T) {
	env := newTestEnv(t, "org1")
	ctx := context.Background()

	due := env.submit(t, "org1", time.Hour)
	later := env.submit(t, "org1", 48*time.Hour)
	draft, err := env.orders.CreateDraft(ctx, types.NewOrder{
		OrganizationID: "org1",
		CreatedBy:      "org1-client",
		ProductSymbol:  "BASE_Y_26",
		Side:           types.SideSell,
		Quantity:       decimal.NewFromInt(5),
		ValidUntil:     testNow.Add(time.Hour),
	})
	require.NoError(t, err)

	n, err := env.sweeper.Sweep(ctx, "org1", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, types.StatusExpired, env.status(t, due.OrderID))
	assert.Equal(t, types.StatusExpired, env.status(t, draft.OrderID))
	assert.Equal(t, types.StatusSubmitted, env.status(t, later.OrderID))
}

func TestSweep_Idempotent(t *testing.T) {
	env := newTestEnv(t, "org1")
	ctx := context.Background()
	order := env.submit(t, "org1", time.Hour)
	asOf := testNow.Add(2 * time.Hour)

	n, err := env.sweeper.Sweep(ctx, "org1", asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.sweeper.Sweep(ctx, "org1", asOf)
	require.NoError(t, err)
	assert.Zero(t, n)

	var count int64
	require.NoError(t, env.h.DB.Model(&types.OrderEvent{}).
		Where("order_id = ? AND event_type = ?", order.OrderID, types.EventExpired).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSweep_SkipsTerminalOrders(t *testing.T) {
	env := newTestEnv(t, "org1")
	ctx := context.Background()
	order := env.submit(t, "org1", time.Hour)
	_, err := env.orders.ApplyFill(ctx, order.OrderID, decimal.NewFromInt(10), "org1-trader")
	require.NoError(t, err)

	n, err := env.sweeper.Sweep(ctx, "org1", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, types.StatusFilled, env.status(t, order.OrderID))
}

func TestSweep_ExpiresPartiallyFilledAndAwaitingApproval(t *testing.T) {
	env := newTestEnv(t, "org1")
	ctx := context.Background()

	partial := env.submit(t, "org1", time.Hour)
	_, err := env.orders.ApplyFill(ctx, partial.OrderID, decimal.NewFromInt(4), "org1-trader")
	require.NoError(t, err)

	pending := env.submit(t, "org1", time.Hour)
	_, err = env.orders.RequestApproval(ctx, pending.OrderID, "org1-trader")
	require.NoError(t, err)
	require.Equal(t, types.StatusNeedsApproval, env.status(t, pending.OrderID))

	n, err := env.sweeper.Sweep(ctx, "org1", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, types.StatusExpired, env.status(t, partial.OrderID))
	assert.Equal(t, types.StatusExpired, env.status(t, pending.OrderID))

	expired, err := env.orders.GetOrder(ctx, partial.OrderID)
	require.NoError(t, err)
	assert.True(t, expired.FilledMW.Equal(decimal.NewFromInt(4)), "expiry keeps the executed quantity")

	// the executed 4 MW stay committed, the unexecuted rest and the pending order are released
	committed, err := exposure.NewService(env.h.DB).Committed(ctx, env.h.DB, "org1", types.ProfileBase, 2026, "")
	require.NoError(t, err)
	assert.True(t, committed.Equal(decimal.NewFromInt(4)), "got %s", committed)
}

type flakyExpirer struct {
	next    Expirer
	failFor string
}

func (f *flakyExpirer) ExpireOrder(ctx context.Context, orderID string, asOf time.Time) (bool, error) {
	if orderID == f.failFor {
		return false, errors.New("store unavailable")
	}
	return f.next.ExpireOrder(ctx, orderID, asOf)
}

func TestSweep_FailureDoesNotBlockOtherOrders(t *testing.T) {
	env := newTestEnv(t, "org1")
	first := env.submit(t, "org1", time.Hour)
	second := env.submit(t, "org1", 90*time.Minute)

	sweeper := NewSweeper(env.h.DB, &flakyExpirer{next: env.orders, failFor: first.OrderID}, 1)
	n, err := sweeper.Sweep(context.Background(), "org1", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, types.StatusSubmitted, env.status(t, first.OrderID))
	assert.Equal(t, types.StatusExpired, env.status(t, second.OrderID))
}

func TestSweepAll_AcrossOrganizations(t *testing.T) {
	env := newTestEnv(t, "org1", "org2", "org3")
	env.submit(t, "org1", time.Hour)
	env.submit(t, "org1", time.Hour)
	env.submit(t, "org2", time.Hour)
	kept := env.submit(t, "org3", 72*time.Hour)

	n, err := env.sweeper.SweepAll(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, types.StatusSubmitted, env.status(t, kept.OrderID))
}

func TestProcessor_RunOnce(t *testing.T) {
	env := newTestEnv(t, "org1")
	order := env.submit(t, "org1", time.Hour)

	p := NewProcessor(env.sweeper, time.Minute)
	p.now = func() time.Time { return testNow.Add(2 * time.Hour) }

	assert.Equal(t, 1, p.runOnce(context.Background()))
	assert.Equal(t, types.StatusExpired, env.status(t, order.OrderID))
	assert.Zero(t, p.runOnce(context.Background()))
}

func TestProcessor_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	p := NewProcessor(env.sweeper, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
