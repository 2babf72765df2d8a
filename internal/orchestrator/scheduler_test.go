package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/logging"
)

func TestScheduler_RunNow(t *testing.T) {
	ctx := context.Background()
	o, store, q, _ := setup(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.UpsertUser(ctx, &database.User{ID: "u-1", AlgoTradingEnabled: true}))

	s := NewScheduler(o, "", logging.Nop())
	assert.Equal(t, DefaultSchedule, s.schedule)

	pass, err := s.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Created)
	assert.Equal(t, 2, q.count())
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	o, _, _, _ := setup(t, time.Now())
	s := NewScheduler(o, "every now and then", logging.Nop())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
	s.Stop()
}

func TestScheduler_StartTwice(t *testing.T) {
	o, _, _, _ := setup(t, time.Now())
	s := NewScheduler(o, "@hourly", logging.Nop())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the cron tick")
	}
	ctx := context.Background()
	store := database.NewMemoryStore()
	require.NoError(t, store.UpsertUser(ctx, &database.User{ID: "u-1", AlgoTradingEnabled: true}))
	q := &recordingQueue{}
	o := New(store, q, nil, testOptions(), logging.Nop())

	s := NewScheduler(o, "@every 1s", logging.Nop())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool { return q.count() == 2 }, 5*time.Second, 50*time.Millisecond)
}
