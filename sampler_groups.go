package vex

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex/descriptor"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"golang.org/x/exp/slog"
)

// SamplerGroup is a block of CPU-visible sampler descriptors shared by every bind group that uses the
// same samplers in the same order. It is reference counted: each AcquireSamplerGroup must be matched
// by a Release.
type SamplerGroup struct {
	device   *Device
	key      string
	samplers []uint64
	refs     int

	staging       *descriptor.StagingAllocation
	shaderVisible descriptor.RingAllocation
}

func samplerGroupKey(samplers []uint64) string {
	var builder strings.Builder
	for i, sampler := range samplers {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatUint(sampler, 16))
	}
	return builder.String()
}

// Samplers returns the sampler IDs the group was created for
func (g *SamplerGroup) Samplers() []uint64 {
	return g.samplers
}

// Descriptors returns the group's CPU-visible sampler descriptors. Slot i holds sampler i.
func (g *SamplerGroup) Descriptors() *descriptor.StagingAllocation {
	return g.staging
}

// RefCount returns the number of outstanding acquisitions of the group
func (g *SamplerGroup) RefCount() int {
	g.device.mutex.Lock()
	defer g.device.mutex.Unlock()

	return g.refs
}

// Release gives up one acquisition of the group. When the last one is released, the group leaves the
// cache and its descriptors are freed once every submission that used them has completed.
func (g *SamplerGroup) Release() error {
	d := g.device
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if g.refs <= 0 {
		return errors.Wrapf(memutils.ValidationError, "sampler group [%s] has already been released", g.key)
	}

	g.refs--
	if g.refs > 0 {
		return nil
	}

	d.samplerGroups.Delete(g.key)
	if d.destroyed {
		return nil
	}

	staging := g.staging
	g.staging = nil
	g.shaderVisible = descriptor.RingAllocation{}
	return d.freeDescriptorsAfterLock(staging)
}

// AcquireSamplerGroup returns the cached group for the provided samplers, creating it if no live group
// uses the same samplers in the same order
func (d *Device) AcquireSamplerGroup(samplers []uint64) (*SamplerGroup, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	if len(samplers) == 0 {
		return nil, errors.Wrap(memutils.ValidationError, "a sampler group must hold at least one sampler")
	}

	key := samplerGroupKey(samplers)
	group, ok := d.samplerGroups.Get(key)
	if ok {
		group.refs++
		return group, nil
	}

	staging, err := d.samplerStaging.Allocate(len(samplers))
	if err != nil {
		return nil, errors.Wrapf(err, "allocating descriptors for sampler group [%s]", key)
	}

	group = &SamplerGroup{
		device:   d,
		key:      key,
		samplers: append([]uint64(nil), samplers...),
		refs:     1,
		staging:  staging,
	}
	d.samplerGroups.Put(key, group)

	d.logger.Debug("Device::AcquireSamplerGroup", slog.String("Samplers", key), slog.Int("CachedGroups", d.samplerGroups.Count()))
	return group, nil
}

// PopulateSamplerGroup returns shader-visible sampler slots holding the group's descriptors for the
// pending submission. A reservation already made for the pending serial is reused; otherwise a new
// one is reserved and copied is true, meaning the caller must copy the group's descriptors into it
// before submitting.
func (d *Device) PopulateSamplerGroup(group *SamplerGroup) (allocation descriptor.RingAllocation, copied bool, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err = d.checkUsable(); err != nil {
		return descriptor.RingAllocation{}, false, err
	}
	if group == nil || group.device != d || group.refs <= 0 {
		return descriptor.RingAllocation{}, false, errors.Wrap(memutils.ValidationError, "cannot populate a sampler group that is not live on this device")
	}

	pendingSerial := d.tracker.PendingSerial()
	if group.shaderVisible.Serial() == pendingSerial &&
		d.samplerRing.IsAllocationStillValid(group.shaderVisible, d.tracker.CompletedSerial()) {
		return group.shaderVisible, false, nil
	}

	allocation, err = d.reserveAfterLock(d.samplerRing, native.HeapKindSampler, len(group.samplers))
	if err != nil {
		return descriptor.RingAllocation{}, false, err
	}

	group.shaderVisible = allocation
	group.staging.MarkUsed(allocation.Serial())
	return allocation, true, nil
}

// destroySamplerGroups frees the descriptors of every group still in the cache. It may only be used
// once the GPU is idle or lost.
func (d *Device) destroySamplerGroups() {
	count := d.samplerGroups.Count()
	if count == 0 {
		return
	}

	d.logger.Warn("Device::Destroy", slog.Int("LiveSamplerGroups", count))

	var groups []*SamplerGroup
	d.samplerGroups.Iter(func(key string, group *SamplerGroup) bool {
		groups = append(groups, group)
		return false
	})
	for _, group := range groups {
		group.staging.Allocator().Free(group.staging)
		group.staging = nil
		d.samplerGroups.Delete(group.key)
	}
}
