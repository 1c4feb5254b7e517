package framepool

import (
	"strconv"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/teachos/physmem/memutils"
)

// MaxPools is the maximum number of simultaneously registered pools. It is a
// fixed configuration constant, not runtime-negotiable.
const MaxPools = 8

// Registry resolves arbitrary frame numbers back to the pool that owns them,
// so frames can be released by frame number alone regardless of which pool
// issued them. Pools append themselves at construction time and are never
// removed; lookups scan the pools linearly in registration order.
//
// Registered pools must cover disjoint frame ranges. The registry does not
// enforce this (it is a precondition on boot-time setup code), but Validate
// reports overlaps when asked.
type Registry struct {
	pools [MaxPools]*Pool
	count int
}

// NewRegistry creates an empty registry. Whichever component performs
// boot-time setup should create exactly one and keep it for the life of the
// process.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) register(p *Pool) error {
	if r.count == MaxPools {
		return cerrors.Wrapf(ErrRegistryFull, "cannot register pool at base frame %d", p.baseFrame)
	}

	r.pools[r.count] = p
	r.count++

	memutils.DebugValidate(r)
	return nil
}

// PoolCount returns the number of registered pools.
func (r *Registry) PoolCount() int { return r.count }

// Owner returns the first registered pool owning f, scanning in registration
// order, or nil when no pool owns it.
func (r *Registry) Owner(f Frame) *Pool {
	for i := 0; i < r.count; i++ {
		if r.pools[i].Owns(f) {
			return r.pools[i]
		}
	}
	return nil
}

// ReleaseFrames frees the allocation whose head frame is f, resolving the
// owning pool through the registry. Releasing a frame owned by no registered
// pool, or one that is not currently a live allocation head, is a caller bug
// and returns a fatal-class error; the allocation state is left untouched.
func (r *Registry) ReleaseFrames(f Frame) error {
	pool := r.Owner(f)
	if pool == nil {
		return cerrors.Wrapf(ErrUnownedFrame, "frame %d is not in any of the %d registered pools", f, r.count)
	}
	return pool.releaseRun(f)
}

// Validate checks every registered pool and reports the first pair of pools
// with overlapping frame ranges, if any.
func (r *Registry) Validate() error {
	for i := 0; i < r.count; i++ {
		if err := r.pools[i].Validate(); err != nil {
			return err
		}

		for j := 0; j < i; j++ {
			a, b := r.pools[j], r.pools[i]
			if a.baseFrame < b.baseFrame+Frame(b.frameCount) && b.baseFrame < a.baseFrame+Frame(a.frameCount) {
				return errors.Errorf("pools at base frames %d and %d overlap", a.baseFrame, b.baseFrame)
			}
		}
	}
	return nil
}

// CalculateStatistics resets stats and sums occupancy detail across every
// registered pool.
func (r *Registry) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	for i := 0; i < r.count; i++ {
		r.pools[i].AddDetailedStatistics(stats)
	}
}

// BuildStatsString renders every registered pool, and totals across them,
// into the provided JSON writer.
func (r *Registry) BuildStatsString(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	poolsObj := objState.Name("Pools").Object()
	for i := 0; i < r.count; i++ {
		poolObj := poolsObj.Name(strconv.Itoa(i)).Object()
		r.pools[i].PoolJsonData(poolObj)
		poolObj.End()
	}
	poolsObj.End()

	var stats memutils.DetailedStatistics
	r.CalculateStatistics(&stats)

	totalObj := objState.Name("Total").Object()
	totalObj.Name("Pools").Int(stats.PoolCount)
	totalObj.Name("TotalFrames").Int(stats.TotalFrames)
	totalObj.Name("AllocatedFrames").Int(stats.AllocatedFrames)
	totalObj.Name("InaccessibleFrames").Int(stats.InaccessibleFrames)
	totalObj.Name("Allocations").Int(stats.AllocationCount)
	totalObj.Name("FreeRanges").Int(stats.FreeRangeCount)
	totalObj.End()
}

var _ memutils.Validatable = &Registry{}
