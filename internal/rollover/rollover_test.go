package rollover

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/futures-gateway/internal/models"
)

type fakeLister struct {
	contracts map[models.Family][]models.Contract
}

func (f *fakeLister) ListContracts(_ context.Context, family models.Family) ([]models.Contract, error) {
	return f.contracts[family], nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(text string) { f.messages = append(f.messages, text) }

func deliveryDay() time.Time {
	return time.Date(2025, 7, 16, 0, 0, 0, 0, time.UTC) // third Wednesday of July 2025
}

func txf(delivery time.Time, isR1, isR2 bool) models.Contract {
	return models.Contract{Code: "TXF", Family: models.FamilyTXF, DeliveryDate: delivery, IsR1: isR1, IsR2: isR2}
}

func newTestEngine() (*Engine, *fakeLister, *fakeNotifier) {
	d := deliveryDay()
	lister := &fakeLister{contracts: map[models.Family][]models.Contract{
		models.FamilyTXF: {
			txf(d, true, false),
			txf(d.AddDate(0, 1, 0), false, true),
		},
	}}
	notifier := &fakeNotifier{}
	e := New(lister, notifier, log.Default(), []models.Family{models.FamilyTXF})
	return e, lister, notifier
}

func TestRollover_OutsideWindowUsesCurrentMonth(t *testing.T) {
	e, _, _ := newTestEngine()
	now := deliveryDay().AddDate(0, 0, -5) // well before the window
	require.NoError(t, e.Refresh(context.Background(), now))

	c, ok := e.ActiveContract(models.FamilyTXF)
	require.True(t, ok)
	assert.True(t, c.IsR1)
}

func TestRollover_DayBeforeDeliveryUsesNextMonth(t *testing.T) {
	e, _, notifier := newTestEngine()
	now := deliveryDay().AddDate(0, 0, -1).Add(23*time.Hour + 59*time.Minute) // D-1 23:59
	require.NoError(t, e.Refresh(context.Background(), now))

	c, ok := e.ActiveContract(models.FamilyTXF)
	require.True(t, ok)
	assert.True(t, c.IsR2, "spec §8 property 3: now=D-1 23:59 must select the next-month contract")
	assert.Len(t, notifier.messages, 1, "rollover start notification must fire exactly once")
}

func TestRollover_AfterDeliverySessionBoundaryReturnsToCurrentMonth(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	// Enter the window first.
	require.NoError(t, e.Refresh(ctx, deliveryDay().AddDate(0, 0, -1)))
	c, ok := e.ActiveContract(models.FamilyTXF)
	require.True(t, ok)
	assert.True(t, c.IsR2)

	// Cross the delivery-day 15:00 session boundary.
	now := deliveryDay().Add(15*time.Hour + 1*time.Minute)
	require.NoError(t, e.Refresh(ctx, now))

	c, ok = e.ActiveContract(models.FamilyTXF)
	require.True(t, ok)
	assert.True(t, c.IsR1, "spec §8 property 3: now=D 15:00:01 must select the newly current-month contract")
}

func TestRollover_NotificationFiresOnlyOnce(t *testing.T) {
	e, _, notifier := newTestEngine()
	ctx := context.Background()
	now := deliveryDay().AddDate(0, 0, -1)

	require.NoError(t, e.Refresh(ctx, now))
	require.NoError(t, e.Refresh(ctx, now.Add(time.Minute)))
	require.NoError(t, e.Refresh(ctx, now.Add(2*time.Minute)))

	assert.Len(t, notifier.messages, 1)
}

func TestRollover_SnapshotIsIndependentCopy(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.Refresh(context.Background(), deliveryDay().AddDate(0, 0, -1)))

	s := e.Snapshot()
	delete(s.NextMonthContracts, models.FamilyTXF)

	_, ok := e.ActiveContract(models.FamilyTXF)
	assert.True(t, ok, "mutating a snapshot copy must not affect engine state")
}
