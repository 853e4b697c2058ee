package core_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyexec/core"
	"github.com/web3guy0/polyexec/types"
)

func TestStatusBoard_ClosingIsMonotonic(t *testing.T) {
	for round := 0; round < 20; round++ {
		b := core.NewStatusBoard()
		slug := fmt.Sprintf("btc-updown-15m-%d", round*900)
		b.Track("btc", slug, core.StatusPending)

		var closes atomic.Int32
		var sawClosing atomic.Bool
		var reopened atomic.Bool
		var wg sync.WaitGroup

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				r := rand.New(rand.NewSource(seed))
				for j := 0; j < 50; j++ {
					switch r.Intn(3) {
					case 0:
						b.Activate("btc", slug)
					case 1:
						if b.TryClose("btc", slug) {
							closes.Add(1)
						}
					default:
						closedBefore := sawClosing.Load()
						s := b.Get("btc", slug)
						if s == core.StatusClosing {
							sawClosing.Store(true)
						} else if closedBefore {
							reopened.Store(true)
						}
					}
				}
			}(int64(round*100 + i))
		}
		wg.Wait()

		assert.LessOrEqual(t, closes.Load(), int32(1))
		assert.False(t, reopened.Load(), "closing must never revert")
		if closes.Load() == 1 {
			assert.True(t, b.IsClosing("btc", slug))
			assert.False(t, b.Activate("btc", slug))
		}
	}
}

func TestStatusBoard_Transitions(t *testing.T) {
	b := core.NewStatusBoard()

	assert.Equal(t, core.StatusUnknown, b.Get("sol", "s1"))
	assert.False(t, b.TryClose("sol", "s1"))

	assert.Equal(t, core.StatusSkip, b.Track("sol", "s1", core.StatusSkip))
	assert.Equal(t, core.StatusSkip, b.Track("sol", "s1", core.StatusPending), "existing status is kept")
	assert.False(t, b.TryClose("sol", "s1"), "only active closes by trigger")

	require.True(t, b.Activate("sol", "s1"))
	assert.False(t, b.Activate("sol", "s1"))
	require.True(t, b.TryClose("sol", "s1"))
	assert.False(t, b.TryClose("sol", "s1"))
	assert.False(t, b.ForceClose("sol", "s1"))

	assert.True(t, b.ForceClose("sol", "s2"))
	assert.True(t, b.IsClosing("sol", "s2"))

	b.Remove("sol", "s1")
	assert.Equal(t, core.StatusUnknown, b.Get("sol", "s1"))
	assert.Equal(t, map[string]core.Status{"s2": core.StatusClosing}, b.Snapshot("sol"))
	assert.Equal(t, []string{"sol"}, b.Assets())
	assert.False(t, b.IsClosing("btc", "s2"), "assets are independent")
}

func TestWorkerPool_PerAssetOrder(t *testing.T) {
	pool := core.NewWorkerPool(2, 1000)
	defer pool.Stop(time.Second)

	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup

	for _, asset := range []string{"btc", "eth", "sol"} {
		for i := 0; i < 200; i++ {
			wg.Add(1)
			asset, i := asset, i
			require.True(t, pool.Submit(asset, func(context.Context) {
				defer wg.Done()
				mu.Lock()
				seen[asset] = append(seen[asset], i)
				mu.Unlock()
			}))
		}
	}
	wg.Wait()

	for asset, order := range seen {
		require.Len(t, order, 200, asset)
		for i, v := range order {
			assert.Equal(t, i, v, asset)
		}
	}
}

func TestWorkerPool_DropsOldestWhenFull(t *testing.T) {
	pool := core.NewWorkerPool(1, 2)
	defer pool.Stop(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit("btc", func(context.Context) {
		close(started)
		<-release
	})
	<-started

	var ran []int
	var mu sync.Mutex
	done := make(chan struct{})
	for i := 1; i <= 4; i++ {
		i := i
		pool.Submit("btc", func(context.Context) {
			mu.Lock()
			ran = append(ran, i)
			n := len(ran)
			mu.Unlock()
			if n == 2 {
				close(done)
			}
		})
	}
	assert.Equal(t, 2, pool.Pending("btc"))
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 4}, ran)
	assert.Equal(t, int64(2), pool.GetMetrics()["dropped"])
}

func TestWorkerPool_ControlJobSurvivesTickFlood(t *testing.T) {
	pool := core.NewWorkerPool(4, 8)
	defer pool.Stop(time.Second)

	// a long exit holds the asset's worker
	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit("btc", func(context.Context) {
		close(started)
		<-release
	})
	<-started

	tracked := make(chan struct{})
	require.True(t, pool.SubmitControl("btc", func(context.Context) { close(tracked) }))
	for i := 0; i < 64; i++ {
		pool.Submit("btc", func(context.Context) {})
	}
	assert.Equal(t, 9, pool.Pending("btc"))
	close(release)

	select {
	case <-tracked:
	case <-time.After(time.Second):
		t.Fatal("control job was dropped")
	}
	assert.Equal(t, int64(56), pool.GetMetrics()["dropped"])
}

func TestWorkerPool_StopRejectsNewJobs(t *testing.T) {
	pool := core.NewWorkerPool(1, 4)
	assert.True(t, pool.Stop(time.Second))
	assert.False(t, pool.Submit("btc", func(context.Context) {}))
	assert.False(t, pool.SubmitControl("btc", func(context.Context) {}))
}

func TestMarketCatalog(t *testing.T) {
	c := core.NewMarketCatalog()
	m := market("xrp-updown-15m-1700000100", now.Add(time.Minute))
	c.Add(m)
	c.Add(market("xrp-updown-15m-1699999200", now.Add(-time.Minute)))

	got, side, ok := c.ByToken(m.DownTokenID)
	require.True(t, ok)
	assert.Equal(t, m.Slug, got.Slug)
	assert.Equal(t, types.SideDown, side)

	active := c.Active(now)
	require.Len(t, active, 1)
	assert.Equal(t, m.Slug, active[0].Slug)

	c.Remove(m.Slug)
	_, _, ok = c.ByToken(m.UpTokenID)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Count())
}

func TestMarketCatalog_PruneKeepsOpenPositions(t *testing.T) {
	c := core.NewMarketCatalog()
	live := market("sol-updown-15m-1700000100", now.Add(time.Minute))
	held := market("sol-updown-15m-1699998300", now.Add(-20*time.Minute))
	done := market("sol-updown-15m-1699999200", now.Add(-5*time.Minute))
	for _, m := range []*types.Market{live, held, done} {
		c.Add(m)
	}

	n := c.Prune(now, func(slug string) bool { return slug == held.Slug })
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, c.Count())
	assert.Nil(t, c.Get(done.Slug))
	_, _, ok := c.ByToken(done.UpTokenID)
	assert.False(t, ok)
}
