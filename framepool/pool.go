package framepool

import (
	"context"
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/teachos/physmem/memutils"
	"golang.org/x/exp/slog"
)

// Pool is a contiguous-frame allocator over one physically contiguous,
// disjoint region of frames. Its only metadata is a packed bitmap holding two
// state bits per frame, stored either inside the pool's own region (internal
// mode) or in frames obtained from another, already-initialized pool (external
// mode).
//
// Pools are created once at initialization time and never destroyed. Nothing
// here is safe for concurrent use: the allocator assumes a single boot-time
// actor, and a multi-threaded port must add its own locking around every pool
// and the registry.
type Pool struct {
	mem        IdentityMapper
	baseFrame  Frame
	frameCount uint64
	infoFrame  Frame

	// bitmap aliases the info frames' backing memory, not a private buffer.
	bitmap []byte

	freeCount         uint64
	inaccessibleCount uint64

	// liveAllocs tracks run lengths by allocation head. It is bookkeeping on
	// the side of the bitmap, which stays the single source of truth for
	// per-frame state; MarkInaccessible may shorten a run underneath a live
	// head without updating the recorded length.
	liveAllocs *swiss.Map[Frame, uint64]

	guarded bool
}

func bitmapBytes(frameCount uint64) uint64 {
	return memutils.CeilDiv(frameCount, framesPerByte)
}

// NeededInfoFrames returns how many whole frames are required to hold the
// bitmap for a pool of frameCount frames. A caller that wants external
// metadata placement allocates this many frames from a different pool and
// passes the resulting head frame to NewPool as the info frame.
func NeededInfoFrames(frameCount uint64) uint64 {
	return memutils.CeilDiv(bitmapBytes(frameCount), FrameSize)
}

// NewPool creates a pool owning frameCount frames starting at baseFrame and
// registers it with the provided registry.
//
// Passing NoFrame as infoFrame selects internal metadata: the bitmap is
// stored at the start of the pool's own region and the frames it occupies are
// marked FrameInaccessible so they can never be handed out. Any other value
// selects external metadata beginning at that frame; the caller must have
// obtained those frames from another pool sized with NeededInfoFrames.
//
// Every frame starts FrameFree except the internally reserved prefix. Errors
// are of the fatal class described in this package's error variables.
func NewPool(registry *Registry, mem IdentityMapper, baseFrame Frame, frameCount uint64, infoFrame Frame) (*Pool, error) {
	if frameCount == 0 {
		return nil, cerrors.Wrapf(ErrZeroSizePool, "base frame %d", baseFrame)
	}

	internal := infoFrame == NoFrame
	if internal {
		infoFrame = baseFrame
	}

	p := &Pool{
		mem:        mem,
		baseFrame:  baseFrame,
		frameCount: frameCount,
		infoFrame:  infoFrame,
		freeCount:  frameCount,
		liveAllocs: swiss.NewMap[Frame, uint64](64),
	}

	nBytes := bitmapBytes(frameCount)
	info := mem.FrameBytes(infoFrame, NeededInfoFrames(frameCount))
	p.bitmap = info[:nBytes]

	// The backing memory may hold stale data from a previous boot stage.
	for i := range p.bitmap {
		p.bitmap[i] = 0
	}

	if memutils.DebugMargin > 0 && len(info)-int(nBytes) >= memutils.DebugMargin {
		memutils.WriteMagicValue(info, int(nBytes))
		p.guarded = true
	}

	if internal {
		reserve := NeededInfoFrames(frameCount)
		if reserve > frameCount {
			reserve = frameCount
		}
		for i := uint64(0); i < reserve; i++ {
			p.setState(baseFrame+Frame(i), FrameInaccessible)
		}
		p.freeCount -= reserve
		p.inaccessibleCount += reserve
	}

	if err := registry.register(p); err != nil {
		return nil, err
	}

	memutils.DebugValidate(p)
	return p, nil
}

// BaseFrame returns the first frame number this pool owns.
func (p *Pool) BaseFrame() Frame { return p.baseFrame }

// FrameCount returns the number of frames this pool owns.
func (p *Pool) FrameCount() uint64 { return p.frameCount }

// InfoFrame returns the frame at which the pool's bitmap storage begins.
func (p *Pool) InfoFrame() Frame { return p.infoFrame }

// FreeFrames returns the number of frames currently available for allocation.
func (p *Pool) FreeFrames() uint64 { return p.freeCount }

// AllocationCount returns the number of live allocations in this pool.
func (p *Pool) AllocationCount() int { return p.liveAllocs.Count() }

// Owns reports whether f falls inside the frame range this pool manages.
// Frames outside that range are foreign to the pool: it can neither report
// state for them nor mutate them.
func (p *Pool) Owns(f Frame) bool {
	return f >= p.baseFrame && uint64(f-p.baseFrame) < p.frameCount
}

func (p *Pool) indexOf(f Frame) uint64 {
	return uint64(f - p.baseFrame)
}

func (p *Pool) stateAt(f Frame) FrameState {
	if !p.Owns(f) {
		panic(fmt.Sprintf("frame %d is foreign to the pool covering [%d, %d)",
			f, p.baseFrame, uint64(p.baseFrame)+p.frameCount))
	}

	idx := p.indexOf(f)
	shift := (idx & 0x3) << 1
	return FrameState((p.bitmap[idx>>2] >> shift) & stateMask)
}

func (p *Pool) setState(f Frame, state FrameState) {
	if !p.Owns(f) {
		panic(fmt.Sprintf("frame %d is foreign to the pool covering [%d, %d)",
			f, p.baseFrame, uint64(p.baseFrame)+p.frameCount))
	}

	idx := p.indexOf(f)
	shift := (idx & 0x3) << 1
	mask := byte(stateMask << shift)
	p.bitmap[idx>>2] = (p.bitmap[idx>>2] &^ mask) | (byte(state) << shift)
}

// State reports the recorded state of a frame, or ErrUnownedFrame for frames
// outside this pool's range.
func (p *Pool) State(f Frame) (FrameState, error) {
	if !p.Owns(f) {
		return 0, cerrors.Wrapf(ErrUnownedFrame, "frame %d, pool covers [%d, %d)",
			f, p.baseFrame, uint64(p.baseFrame)+p.frameCount)
	}
	return p.stateAt(f), nil
}

// MayHaveFreeRun is a fast heuristic for whether GetFrames(count) could
// succeed. It may report false positives when the free frames are fragmented,
// but never false negatives, so callers can use it to skip pools cheaply.
func (p *Pool) MayHaveFreeRun(count uint64) bool {
	return count > 0 && count <= p.freeCount
}

// GetFrames allocates count contiguous frames and returns the frame number of
// the first one. The search is first-fit: a single forward scan from the
// pool's base, returning the lowest-addressed run of exactly count free
// frames. The run's first frame is marked FrameHeadOfSequence and the rest
// FrameUsed; no other frame changes state.
//
// GetFrames returns NoFrame when count is zero, exceeds the pool's capacity,
// or no sufficiently long free run exists. In every failure case the bitmap is
// left byte-for-byte unchanged.
func (p *Pool) GetFrames(count uint64) Frame {
	if count == 0 || count > p.frameCount {
		return NoFrame
	}
	if count > p.freeCount {
		// Cannot succeed; skip the scan.
		return NoFrame
	}

	var runStart, runLen uint64
	for i := uint64(0); i < p.frameCount; i++ {
		if p.stateAt(p.baseFrame+Frame(i)) != FrameFree {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = i
		}
		runLen++

		if runLen == count {
			head := p.baseFrame + Frame(runStart)
			p.setState(head, FrameHeadOfSequence)
			for j := uint64(1); j < count; j++ {
				p.setState(head+Frame(j), FrameUsed)
			}

			p.freeCount -= count
			p.liveAllocs.Put(head, count)

			memutils.DebugValidate(p)
			return head
		}
	}

	return NoFrame
}

// MarkInaccessible withholds every owned frame in [base, base+count) from
// allocation, overwriting whatever state it held. Frames outside the pool are
// silently skipped, so a range spanning a hardware hole that straddles pool
// boundaries can be passed to each pool in turn. The transition is one-way:
// no operation makes an inaccessible frame allocatable again.
func (p *Pool) MarkInaccessible(base Frame, count uint64) {
	for i := uint64(0); i < count; i++ {
		f := base + Frame(i)
		if !p.Owns(f) {
			continue
		}

		switch p.stateAt(f) {
		case FrameFree:
			p.freeCount--
		case FrameHeadOfSequence:
			p.liveAllocs.Delete(f)
		case FrameInaccessible:
			continue
		}

		p.setState(f, FrameInaccessible)
		p.inaccessibleCount++
	}

	memutils.DebugValidate(p)
}

// releaseRun frees the allocation whose head frame is head: the head is set
// free, then the walk continues forward freeing FrameUsed frames until it
// meets a frame that is not FrameUsed or the pool boundary. That naturally
// stops at the next allocation's head, at a free frame, or at an inaccessible
// frame.
//
// Only allocation heads may be released. Releasing a body frame, a free
// frame, or an inaccessible frame is a caller bug and returns
// ErrNotAllocationHead.
func (p *Pool) releaseRun(head Frame) error {
	if !p.Owns(head) {
		return cerrors.Wrapf(ErrUnownedFrame, "frame %d, pool covers [%d, %d)",
			head, p.baseFrame, uint64(p.baseFrame)+p.frameCount)
	}
	if st := p.stateAt(head); st != FrameHeadOfSequence {
		return cerrors.Wrapf(ErrNotAllocationHead, "frame %d is %s", head, st)
	}

	p.setState(head, FrameFree)
	p.freeCount++
	p.liveAllocs.Delete(head)

	for f := head + 1; p.Owns(f) && p.stateAt(f) == FrameUsed; f++ {
		p.setState(f, FrameFree)
		p.freeCount++
	}

	memutils.DebugValidate(p)
	return nil
}

// CheckCorruption verifies the guard bytes placed behind the pool's bitmap at
// construction and returns ErrCorruptionDetected if they were overwritten.
// It returns nil when no guard is present, either because this is not a
// debug_phys_mem build or because the bitmap exactly fills its info frames.
func (p *Pool) CheckCorruption() error {
	if !p.guarded {
		return nil
	}

	info := p.mem.FrameBytes(p.infoFrame, NeededInfoFrames(p.frameCount))
	if !memutils.ValidateMagicValue(info, len(p.bitmap)) {
		return cerrors.Wrapf(ErrCorruptionDetected, "pool at base frame %d", p.baseFrame)
	}
	return nil
}

// Validate performs internal consistency checks on the pool's metadata. When
// the implementation is functioning correctly it should not be possible for
// this method to return an error, but it may assist in diagnosing issues.
func (p *Pool) Validate() error {
	if uint64(len(p.bitmap)) != bitmapBytes(p.frameCount) {
		return errors.Errorf("the bitmap holds %d bytes, but a pool of %d frames requires %d",
			len(p.bitmap), p.frameCount, bitmapBytes(p.frameCount))
	}

	if rem := p.frameCount % framesPerByte; rem != 0 {
		if p.bitmap[len(p.bitmap)-1]>>(rem*2) != 0 {
			return errors.New("bitmap padding bits past the last frame are not zero")
		}
	}

	var free, inaccessible, heads uint64
	prev := FrameFree
	for i := uint64(0); i < p.frameCount; i++ {
		f := p.baseFrame + Frame(i)
		st := p.stateAt(f)

		switch st {
		case FrameFree:
			free++
		case FrameInaccessible:
			inaccessible++
		case FrameHeadOfSequence:
			heads++
			if _, ok := p.liveAllocs.Get(f); !ok {
				return errors.Errorf("allocation head %d is missing from the live allocation table", f)
			}
		case FrameUsed:
			if i == 0 {
				return errors.New("the pool's first frame is marked used but can have no preceding head")
			}
			if prev == FrameFree {
				return errors.Errorf("used frame %d directly follows a free frame", f)
			}
		}

		prev = st
	}

	if free != p.freeCount {
		return errors.Errorf("counted %d free frames, but the pool believes it has %d", free, p.freeCount)
	}
	if inaccessible != p.inaccessibleCount {
		return errors.Errorf("counted %d inaccessible frames, but the pool believes it has %d", inaccessible, p.inaccessibleCount)
	}
	if int(heads) != p.liveAllocs.Count() {
		return errors.Errorf("counted %d allocation heads, but the live allocation table holds %d entries", heads, p.liveAllocs.Count())
	}

	return nil
}

// VisitFrames calls visit once per owned frame in ascending frame order,
// stopping at the first error, which is returned.
func (p *Pool) VisitFrames(visit func(f Frame, state FrameState) error) error {
	for i := uint64(0); i < p.frameCount; i++ {
		f := p.baseFrame + Frame(i)
		if err := visit(f, p.stateAt(f)); err != nil {
			return err
		}
	}
	return nil
}

// VisitAllocations calls visit once per live allocation in ascending head
// order, with the run length recorded when the allocation was made.
func (p *Pool) VisitAllocations(visit func(head Frame, length uint64) error) error {
	for i := uint64(0); i < p.frameCount; i++ {
		f := p.baseFrame + Frame(i)
		if p.stateAt(f) != FrameHeadOfSequence {
			continue
		}

		length, ok := p.liveAllocs.Get(f)
		if !ok {
			panic(fmt.Sprintf("allocation head %d is missing from the live allocation table", f))
		}
		if err := visit(f, length); err != nil {
			return err
		}
	}
	return nil
}

// visitRegions walks the pool as maximal runs of same-classified frames:
// free runs, allocation runs (a head and its used frames), and inaccessible
// runs. Allocation runs are classified FrameHeadOfSequence.
func (p *Pool) visitRegions(visit func(first Frame, frameCount uint64, state FrameState) error) error {
	var runStart uint64
	var runLen uint64
	runState := FrameFree

	flush := func() error {
		if runLen == 0 {
			return nil
		}
		err := visit(p.baseFrame+Frame(runStart), runLen, runState)
		runLen = 0
		return err
	}

	for i := uint64(0); i < p.frameCount; i++ {
		st := p.stateAt(p.baseFrame + Frame(i))

		extends := runLen > 0 &&
			(st == runState && st != FrameHeadOfSequence ||
				st == FrameUsed && runState == FrameHeadOfSequence)
		if extends {
			runLen++
			continue
		}

		if err := flush(); err != nil {
			return err
		}
		runStart = i
		runLen = 1
		if st == FrameUsed {
			// Reachable only when MarkInaccessible severed the run from its
			// head; report the orphaned tail as its own allocated region.
			st = FrameHeadOfSequence
		}
		runState = st
	}

	return flush()
}

// AddStatistics sums this pool's occupancy into stats.
func (p *Pool) AddStatistics(stats *memutils.Statistics) {
	stats.PoolCount++
	stats.AllocationCount += p.liveAllocs.Count()
	stats.TotalFrames += int(p.frameCount)
	stats.AllocatedFrames += int(p.frameCount - p.freeCount - p.inaccessibleCount)
}

// AddDetailedStatistics sums this pool's occupancy and run-level detail into
// stats.
func (p *Pool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PoolCount++
	stats.TotalFrames += int(p.frameCount)

	_ = p.visitRegions(func(first Frame, frameCount uint64, state FrameState) error {
		switch state {
		case FrameFree:
			stats.AddFreeRange(int(frameCount))
		case FrameHeadOfSequence:
			stats.AddAllocation(int(frameCount))
		case FrameInaccessible:
			stats.InaccessibleFrames += int(frameCount)
		}
		return nil
	})
}

// PoolJsonData populates a json object with information about this pool and
// its regions.
func (p *Pool) PoolJsonData(json jwriter.ObjectState) {
	json.Name("BaseFrame").Int(int(p.baseFrame))
	json.Name("FrameCount").Int(int(p.frameCount))
	json.Name("InfoFrame").Int(int(p.infoFrame))
	json.Name("FreeFrames").Int(int(p.freeCount))
	json.Name("InaccessibleFrames").Int(int(p.inaccessibleCount))
	json.Name("Allocations").Int(p.liveAllocs.Count())

	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = p.visitRegions(func(first Frame, frameCount uint64, state FrameState) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("FirstFrame").Int(int(first))
		obj.Name("Frames").Int(int(frameCount))
		obj.Name("State").String(state.String())
		return nil
	})
}

// DebugLogAllocations writes one debug-level log line per live allocation.
// Depending on pool size this walks the whole bitmap and should only be used
// for diagnostics.
func (p *Pool) DebugLogAllocations(logger *slog.Logger) {
	_ = p.VisitAllocations(func(head Frame, length uint64) error {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "live allocation",
			slog.Uint64("headFrame", uint64(head)),
			slog.Uint64("frames", length))
		return nil
	})
}

var _ memutils.Validatable = &Pool{}
