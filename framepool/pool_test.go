package framepool

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/teachos/physmem/memutils"
)

// newTestPool builds a pool with external metadata so that every owned frame
// starts free. The info frames live at the start of the mapped region, just
// before the pool's own range.
func newTestPool(t *testing.T, frameCount uint64) (*Pool, *DirectMemory, *Registry) {
	t.Helper()

	infoFrames := NeededInfoFrames(frameCount)
	base := Frame(64)
	mem := NewDirectMemory(base, infoFrames+frameCount)
	registry := NewRegistry()

	pool, err := NewPool(registry, mem, base+Frame(infoFrames), frameCount, base)
	require.NoError(t, err)
	require.Equal(t, frameCount, pool.FreeFrames())

	return pool, mem, registry
}

func snapshotBitmap(p *Pool) []byte {
	return append([]byte(nil), p.bitmap...)
}

func TestFrameStateRoundTrip(t *testing.T) {
	// 21 frames: the last byte of the bitmap covers a partial group of frames.
	pool, _, _ := newTestPool(t, 21)

	states := []FrameState{FrameFree, FrameUsed, FrameHeadOfSequence, FrameInaccessible}
	for _, state := range states {
		for i := uint64(0); i < pool.FrameCount(); i++ {
			f := pool.BaseFrame() + Frame(i)
			pool.setState(f, state)
			require.Equal(t, state, pool.stateAt(f), "frame %d, state %s", f, state)
		}
	}

	// Neighboring entries must be untouched by a single set.
	for i := uint64(0); i < pool.FrameCount(); i++ {
		pool.setState(pool.BaseFrame()+Frame(i), FrameFree)
	}
	pool.setState(pool.BaseFrame()+Frame(5), FrameHeadOfSequence)
	require.Equal(t, FrameFree, pool.stateAt(pool.BaseFrame()+Frame(4)))
	require.Equal(t, FrameFree, pool.stateAt(pool.BaseFrame()+Frame(6)))
}

func TestGetFramesMarksExactRun(t *testing.T) {
	const frameCount = 32

	for n := uint64(1); n <= frameCount; n++ {
		pool, _, _ := newTestPool(t, frameCount)

		head := pool.GetFrames(n)
		require.Equal(t, pool.BaseFrame(), head, "first fit on an empty pool starts at the base")

		err := pool.VisitFrames(func(f Frame, state FrameState) error {
			switch {
			case f == head:
				require.Equal(t, FrameHeadOfSequence, state)
			case f > head && uint64(f-head) < n:
				require.Equal(t, FrameUsed, state)
			default:
				require.Equal(t, FrameFree, state, "frame %d outside the run changed state", f)
			}
			return nil
		})
		require.NoError(t, err)

		require.Equal(t, frameCount-n, pool.FreeFrames())
		require.Equal(t, 1, pool.AllocationCount())
		require.NoError(t, pool.Validate())
	}
}

func TestGetFramesFirstFit(t *testing.T) {
	pool, _, registry := newTestPool(t, 16)
	base := pool.BaseFrame()

	a := pool.GetFrames(3)
	b := pool.GetFrames(5)
	require.Equal(t, base, a)
	require.Equal(t, base+3, b)

	require.NoError(t, registry.ReleaseFrames(a))

	// The freed three-frame gap is the lowest fit for two frames.
	require.Equal(t, base, pool.GetFrames(2))
	// Four frames do not fit in the remaining one-frame gap; the scan resumes
	// past the second allocation.
	require.Equal(t, base+8, pool.GetFrames(4))
}

func TestGetFramesExhaustionIsNoOp(t *testing.T) {
	pool, _, registry := newTestPool(t, 8)

	// Fragment the pool into single free frames: fill it with one-frame
	// allocations, then free every other one.
	heads := make([]Frame, 0, 8)
	for {
		head := pool.GetFrames(1)
		if head == NoFrame {
			break
		}
		heads = append(heads, head)
	}
	require.Len(t, heads, 8)
	for i := 0; i < len(heads); i += 2 {
		require.NoError(t, registry.ReleaseFrames(heads[i]))
	}

	before := snapshotBitmap(pool)
	freeBefore := pool.FreeFrames()

	require.Equal(t, NoFrame, pool.GetFrames(0))
	require.Equal(t, NoFrame, pool.GetFrames(9), "request larger than the pool")
	require.Equal(t, NoFrame, pool.GetFrames(2), "no contiguous run of two exists")

	require.Equal(t, before, snapshotBitmap(pool))
	require.Equal(t, freeBefore, pool.FreeFrames())
	require.NoError(t, pool.Validate())
}

func TestReleaseRestoresExactRun(t *testing.T) {
	pool, _, registry := newTestPool(t, 16)

	a := pool.GetFrames(2)
	b := pool.GetFrames(3)
	c := pool.GetFrames(2)
	require.NotEqual(t, NoFrame, a)
	require.NotEqual(t, NoFrame, b)
	require.NotEqual(t, NoFrame, c)

	require.NoError(t, registry.ReleaseFrames(b))

	err := pool.VisitFrames(func(f Frame, state FrameState) error {
		switch f {
		case a, c:
			require.Equal(t, FrameHeadOfSequence, state)
		case a + 1, c + 1:
			require.Equal(t, FrameUsed, state)
		default:
			require.Equal(t, FrameFree, state)
		}
		return nil
	})
	require.NoError(t, err)

	// The walk must have stopped at c's head, not swallowed it.
	require.Equal(t, 2, pool.AllocationCount())
	require.NoError(t, pool.Validate())
}

func TestReleaseRunStopsAtInaccessible(t *testing.T) {
	pool, _, registry := newTestPool(t, 8)
	base := pool.BaseFrame()

	head := pool.GetFrames(4)
	require.Equal(t, base, head)

	// Sever the run: its last two body frames become a hole.
	pool.MarkInaccessible(base+2, 2)

	require.NoError(t, registry.ReleaseFrames(head))

	require.Equal(t, FrameFree, pool.stateAt(base))
	require.Equal(t, FrameFree, pool.stateAt(base+1))
	require.Equal(t, FrameInaccessible, pool.stateAt(base+2))
	require.Equal(t, FrameInaccessible, pool.stateAt(base+3))
	require.NoError(t, pool.Validate())
}

func TestReleaseErrors(t *testing.T) {
	pool, _, registry := newTestPool(t, 8)

	head := pool.GetFrames(3)
	require.NotEqual(t, NoFrame, head)

	err := registry.ReleaseFrames(head + 1)
	require.ErrorIs(t, err, ErrNotAllocationHead, "body frames cannot be released")

	err = registry.ReleaseFrames(head + 4)
	require.ErrorIs(t, err, ErrNotAllocationHead, "free frames cannot be released")

	require.NoError(t, registry.ReleaseFrames(head))
	err = registry.ReleaseFrames(head)
	require.ErrorIs(t, err, ErrNotAllocationHead, "double free")
}

func TestMarkInaccessibleIsSticky(t *testing.T) {
	pool, _, _ := newTestPool(t, 16)
	base := pool.BaseFrame()

	pool.MarkInaccessible(base+4, 2)
	require.Equal(t, uint64(14), pool.FreeFrames())

	require.Equal(t, NoFrame, pool.GetFrames(16), "a full-pool run no longer exists")

	// Drain the pool; no allocation may include a withheld frame.
	for {
		head := pool.GetFrames(1)
		if head == NoFrame {
			break
		}
		require.NotEqual(t, base+4, head)
		require.NotEqual(t, base+5, head)
	}
	require.Equal(t, uint64(0), pool.FreeFrames())

	require.Equal(t, FrameInaccessible, pool.stateAt(base+4))
	require.Equal(t, FrameInaccessible, pool.stateAt(base+5))
	require.NoError(t, pool.Validate())
}

func TestMarkInaccessibleSkipsForeignFrames(t *testing.T) {
	pool, _, _ := newTestPool(t, 8)
	base := pool.BaseFrame()

	before := snapshotBitmap(pool)

	// Entirely foreign range: a silent no-op.
	pool.MarkInaccessible(base+100, 4)
	require.Equal(t, before, snapshotBitmap(pool))

	// Range straddling the pool's end: only the owned part changes.
	pool.MarkInaccessible(base+6, 10)
	require.Equal(t, FrameInaccessible, pool.stateAt(base+6))
	require.Equal(t, FrameInaccessible, pool.stateAt(base+7))
	require.Equal(t, uint64(6), pool.FreeFrames())
	require.NoError(t, pool.Validate())
}

func TestMarkInaccessibleOverwritesAnyState(t *testing.T) {
	pool, _, _ := newTestPool(t, 8)
	base := pool.BaseFrame()

	head := pool.GetFrames(2)
	require.Equal(t, base, head)

	// Covers a head, a used frame, a free frame, and repeats over an already
	// inaccessible frame.
	pool.MarkInaccessible(base, 3)
	pool.MarkInaccessible(base, 3)

	for i := uint64(0); i < 3; i++ {
		require.Equal(t, FrameInaccessible, pool.stateAt(base+Frame(i)))
	}
	require.Equal(t, 0, pool.AllocationCount())
	require.NoError(t, pool.Validate())
}

func TestInternalMetadataReservation(t *testing.T) {
	base := Frame(512)
	mem := NewDirectMemory(base, 512)
	registry := NewRegistry()

	pool, err := NewPool(registry, mem, base, 512, NoFrame)
	require.NoError(t, err)

	require.Equal(t, base, pool.InfoFrame())
	require.Equal(t, uint64(511), pool.FreeFrames())
	require.Equal(t, FrameInaccessible, pool.stateAt(base))

	// The reserved prefix can never be handed out.
	require.Equal(t, base+1, pool.GetFrames(511))
	require.Equal(t, NoFrame, pool.GetFrames(1))
	require.NoError(t, pool.Validate())
}

func TestInternalMetadataReservationClamped(t *testing.T) {
	base := Frame(32)
	mem := NewDirectMemory(base, 1)
	registry := NewRegistry()

	// A one-frame pool's bitmap consumes the pool's only frame.
	pool, err := NewPool(registry, mem, base, 1, NoFrame)
	require.NoError(t, err)

	require.Equal(t, uint64(0), pool.FreeFrames())
	require.Equal(t, NoFrame, pool.GetFrames(1))
	require.NoError(t, pool.Validate())
}

func TestNeededInfoFrames(t *testing.T) {
	require.Equal(t, uint64(1), NeededInfoFrames(1))
	require.Equal(t, uint64(1), NeededInfoFrames(4))
	require.Equal(t, uint64(1), NeededInfoFrames(4*FrameSize))
	require.Equal(t, uint64(2), NeededInfoFrames(4*FrameSize+1))
	require.Equal(t, uint64(2), NeededInfoFrames(8*FrameSize))
}

func TestZeroSizePool(t *testing.T) {
	mem := NewDirectMemory(16, 16)
	registry := NewRegistry()

	_, err := NewPool(registry, mem, 16, 0, NoFrame)
	require.ErrorIs(t, err, ErrZeroSizePool)
	require.Equal(t, 0, registry.PoolCount())
}

func TestStateForeignFrame(t *testing.T) {
	pool, _, _ := newTestPool(t, 8)

	_, err := pool.State(pool.BaseFrame() + 8)
	require.ErrorIs(t, err, ErrUnownedFrame)
	_, err = pool.State(pool.BaseFrame() - 1)
	require.ErrorIs(t, err, ErrUnownedFrame)
}

func TestMayHaveFreeRun(t *testing.T) {
	pool, _, _ := newTestPool(t, 8)

	require.False(t, pool.MayHaveFreeRun(0))
	require.True(t, pool.MayHaveFreeRun(8))
	require.False(t, pool.MayHaveFreeRun(9))

	// False positives are allowed once the pool fragments; false negatives
	// are not.
	require.NotEqual(t, NoFrame, pool.GetFrames(5))
	require.True(t, pool.MayHaveFreeRun(3))
	require.False(t, pool.MayHaveFreeRun(4))
}

func TestDetailedStatistics(t *testing.T) {
	pool, _, registry := newTestPool(t, 16)
	base := pool.BaseFrame()

	a := pool.GetFrames(2)
	b := pool.GetFrames(5)
	require.Equal(t, base, a)
	require.Equal(t, base+2, b)
	pool.MarkInaccessible(base+14, 2)
	require.NoError(t, registry.ReleaseFrames(a))

	var stats memutils.DetailedStatistics
	stats.Clear()
	pool.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PoolCount:       1,
			AllocationCount: 1,
			TotalFrames:     16,
			AllocatedFrames: 5,
		},
		FreeRangeCount:     2,
		InaccessibleFrames: 2,
		AllocationSizeMin:  5,
		AllocationSizeMax:  5,
		FreeRangeSizeMin:   2,
		FreeRangeSizeMax:   7,
	}, stats)

	var basic memutils.Statistics
	basic.Clear()
	pool.AddStatistics(&basic)
	require.Equal(t, stats.Statistics, basic)
}

func TestPoolJsonData(t *testing.T) {
	pool, _, _ := newTestPool(t, 8)
	require.NotEqual(t, NoFrame, pool.GetFrames(3))

	writer := jwriter.NewWriter()
	obj := writer.Object()
	pool.PoolJsonData(obj)
	obj.End()
	require.NoError(t, writer.Error())

	var decoded struct {
		BaseFrame  int
		FrameCount int
		FreeFrames int
		Regions    []struct {
			FirstFrame int
			Frames     int
			State      string
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &decoded))

	require.Equal(t, int(pool.BaseFrame()), decoded.BaseFrame)
	require.Equal(t, 8, decoded.FrameCount)
	require.Equal(t, 5, decoded.FreeFrames)
	require.Len(t, decoded.Regions, 2)
	require.Equal(t, "FrameHeadOfSequence", decoded.Regions[0].State)
	require.Equal(t, 3, decoded.Regions[0].Frames)
	require.Equal(t, "FrameFree", decoded.Regions[1].State)
	require.Equal(t, 5, decoded.Regions[1].Frames)
}

func TestVisitAllocations(t *testing.T) {
	pool, _, registry := newTestPool(t, 16)

	a := pool.GetFrames(1)
	b := pool.GetFrames(4)
	c := pool.GetFrames(2)
	require.NoError(t, registry.ReleaseFrames(b))

	type alloc struct {
		head   Frame
		length uint64
	}
	var got []alloc
	require.NoError(t, pool.VisitAllocations(func(head Frame, length uint64) error {
		got = append(got, alloc{head, length})
		return nil
	}))

	require.Equal(t, []alloc{{a, 1}, {c, 2}}, got)
}
