package zicio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/zicio/internal/firehose"
)

// concurrencyTestOptions wires the in-memory fake transport/scheduler and
// starts a goroutine firing the scheduler's pending timers until stop is
// closed, keeping every channel's runLoop moving without the test driving
// it step by step (control-plane concurrency tests don't want to hand-step
// a dozen channels' background loops one at a time).
func concurrencyTestOptions(t *testing.T) (*Options, func()) {
	t.Helper()
	sched := firehose.NewFakeScheduler()
	opts := &Options{
		Transport: firehose.NewFakeTransport(),
		Scheduler: sched,
		Observer:  NoOpObserver{},
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sched.FireAll()
			}
		}
	}()
	return opts, func() {
		close(stop)
		wg.Wait()
	}
}

// TestConcurrentOpenAndCloseChannelsAreRaceFree opens and closes many
// channels against one pool from concurrent goroutines, the control-plane
// analogue of the teacher's internal/ctrl suite exercising Controller
// lifecycle calls - here there's no single Controller mutex to contend on,
// so the property under test is that concurrent OpenChannel/CloseChannel
// pairs never corrupt the pool's channel table or stat aggregation.
func TestConcurrentOpenAndCloseChannelsAreRaceFree(t *testing.T) {
	opts, stop := concurrencyTestOptions(t)
	defer stop()

	p, err := CreateSharedPool([]File{{ID: 0, SizeBytes: 4096 * 4096}}, PoolConfig{ChunkBytes: 4096}, opts)
	require.NoError(t, err)
	defer p.Close()

	const numChannels = 16
	var wg sync.WaitGroup
	wg.Add(numChannels)
	for i := 0; i < numChannels; i++ {
		cpu := i
		go func() {
			defer wg.Done()
			ch, err := p.OpenChannel(cpu)
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
			require.NoError(t, p.CloseChannel(ch))
		}()
	}
	wg.Wait()

	stats := p.Stats()
	require.Equal(t, uint32(numChannels), stats.ChannelCount)
}

// TestCloseChannelFromWrongPoolIsRejected exercises the control-plane
// boundary between two independently created pools: a channel opened
// against one pool must never be accepted by another's CloseChannel.
func TestCloseChannelFromWrongPoolIsRejected(t *testing.T) {
	optsA, stopA := concurrencyTestOptions(t)
	defer stopA()
	optsB, stopB := concurrencyTestOptions(t)
	defer stopB()

	poolA, err := CreateSharedPool([]File{{ID: 0, SizeBytes: 4096 * 16}}, PoolConfig{ChunkBytes: 4096}, optsA)
	require.NoError(t, err)
	defer poolA.Close()

	poolB, err := CreateSharedPool([]File{{ID: 0, SizeBytes: 4096 * 16}}, PoolConfig{ChunkBytes: 4096}, optsB)
	require.NoError(t, err)
	defer poolB.Close()

	ch, err := poolA.OpenChannel(0)
	require.NoError(t, err)

	err = poolB.CloseChannel(ch)
	require.Error(t, err)
	require.True(t, IsKind(err, KindNotFound))

	require.NoError(t, poolA.CloseChannel(ch))
}

// TestPoolDebugSnapshotAdvancesAsChannelsAttach checks the control-plane
// visibility surface (Pool.DebugSnapshot) tracks attach/detach pin counts
// correctly under concurrent opens, without needing access to internal
// package state from outside.
func TestPoolDebugSnapshotAdvancesAsChannelsAttach(t *testing.T) {
	opts, stop := concurrencyTestOptions(t)
	defer stop()

	p, err := CreateSharedPool([]File{{ID: 0, SizeBytes: 4096 * 64}}, PoolConfig{ChunkBytes: 4096}, opts)
	require.NoError(t, err)
	defer p.Close()

	before := p.DebugSnapshot()
	require.Equal(t, int32(1), before.Pin)

	ch1, err := p.OpenChannel(0)
	require.NoError(t, err)
	ch2, err := p.OpenChannel(1)
	require.NoError(t, err)

	mid := p.DebugSnapshot()
	require.Equal(t, int32(3), mid.Pin)

	require.NoError(t, p.CloseChannel(ch1))
	require.NoError(t, p.CloseChannel(ch2))

	after := p.DebugSnapshot()
	require.Equal(t, int32(1), after.Pin)
}

// TestDestroyRefusesWhileChannelAttachedThenSucceeds exercises
// destroy_pool(pool_key) (spec.md §6): it must reject a pool with a live
// channel, then succeed once the channel is closed.
func TestDestroyRefusesWhileChannelAttachedThenSucceeds(t *testing.T) {
	opts, stop := concurrencyTestOptions(t)
	defer stop()

	p, err := CreateSharedPool([]File{{ID: 0, SizeBytes: 4096 * 16}}, PoolConfig{ChunkBytes: 4096}, opts)
	require.NoError(t, err)

	ch, err := p.OpenChannel(0)
	require.NoError(t, err)

	err = p.Destroy()
	require.Error(t, err)

	require.NoError(t, p.CloseChannel(ch))
	require.NoError(t, p.Destroy())
}

// TestWaitPageReclaimReturnsOnceChannelDrains exercises
// wait_page_reclaim(channel_id) (spec.md §6): it blocks while a channel
// still holds contributed pages and returns once CloseChannel has drained
// them.
func TestWaitPageReclaimReturnsOnceChannelDrains(t *testing.T) {
	opts, stop := concurrencyTestOptions(t)
	defer stop()

	p, err := CreateSharedPool([]File{{ID: 0, SizeBytes: 4096 * 16}}, PoolConfig{ChunkBytes: 4096}, opts)
	require.NoError(t, err)
	defer p.Close()

	ch, err := p.OpenChannel(0)
	require.NoError(t, err)

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- p.WaitPageReclaim(context.Background(), ch.ID())
	}()

	require.NoError(t, p.CloseChannel(ch))

	select {
	case err := <-waitDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected WaitPageReclaim to return once the channel drained and closed")
	}
}

// TestWaitPageReclaimRejectsUnknownChannel matches CloseChannel's
// cross-pool rejection (KindNotFound) for a channel id never attached to
// this pool.
func TestWaitPageReclaimRejectsUnknownChannel(t *testing.T) {
	opts, stop := concurrencyTestOptions(t)
	defer stop()

	p, err := CreateSharedPool([]File{{ID: 0, SizeBytes: 4096 * 16}}, PoolConfig{ChunkBytes: 4096}, opts)
	require.NoError(t, err)
	defer p.Close()

	err = p.WaitPageReclaim(context.Background(), 999)
	require.Error(t, err)
	require.True(t, IsKind(err, KindNotFound))
}
