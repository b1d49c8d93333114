package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type swapState struct {
	Step int    `json:"step"`
	From string `json:"from"`
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)

	got, err := m.Get(ctx, 1, KindSwap)
	require.NoError(t, err)
	assert.Nil(t, got)

	s, err := New(1, KindSwap, swapState{Step: 2, From: "USDT"})
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, s))

	got, err = m.Get(ctx, 1, KindSwap)
	require.NoError(t, err)
	require.NotNil(t, got)
	var st swapState
	require.NoError(t, got.Decode(&st))
	assert.Equal(t, swapState{Step: 2, From: "USDT"}, st)

	require.NoError(t, m.Clear(ctx, 1, KindSwap))
	got, err = m.Get(ctx, 1, KindSwap)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreOneSessionPerKind(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)
	first, _ := New(1, KindDeposit, swapState{Step: 1})
	second, _ := New(1, KindDeposit, swapState{Step: 0})
	require.NoError(t, m.Set(ctx, first))
	require.NoError(t, m.Set(ctx, second))

	active, err := m.Active(ctx, 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	var st swapState
	require.NoError(t, active[0].Decode(&st))
	assert.Equal(t, 0, st.Step)
}

func TestMemoryStoreClearAllOnlyTouchesAccount(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)
	for _, k := range []Kind{KindDeposit, KindWithdraw} {
		s, _ := New(1, k, swapState{})
		require.NoError(t, m.Set(ctx, s))
	}
	other, _ := New(2, KindWithdraw, swapState{})
	require.NoError(t, m.Set(ctx, other))

	require.NoError(t, m.ClearAll(ctx, 1))
	a, _ := m.Active(ctx, 1)
	b, _ := m.Active(ctx, 2)
	assert.Empty(t, a)
	assert.Len(t, b, 1)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStore(10 * time.Minute)
	m.now = func() time.Time { return now }

	s, _ := New(1, KindTransfer, swapState{})
	require.NoError(t, m.Set(ctx, s))

	now = now.Add(11 * time.Minute)
	got, err := m.Get(ctx, 1, KindTransfer)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreActiveOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStore(0)
	m.now = func() time.Time { return now }

	a, _ := New(1, KindDeposit, swapState{})
	require.NoError(t, m.Set(ctx, a))
	now = now.Add(time.Second)
	b, _ := New(1, KindSwap, swapState{})
	require.NoError(t, m.Set(ctx, b))

	active, err := m.Active(ctx, 1)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, KindSwap, active[0].Kind)
}

func TestMemoryStoreConcurrentAccounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)
	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s, _ := New(id, KindSwap, swapState{Step: int(id)})
			assert.NoError(t, m.Set(ctx, s))
			got, err := m.Get(ctx, id, KindSwap)
			assert.NoError(t, err)
			var st swapState
			assert.NoError(t, got.Decode(&st))
			assert.Equal(t, int(id), st.Step)
		}(i)
	}
	wg.Wait()
}
