package vex

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/vex/memutils"
)

// Statistics summarizes the state of a device
type Statistics struct {
	LastSubmittedSerial int
	CompletedSerial     int
	PendingReleases     int
	LiveResources       int
	CommandAllocators   int
	SamplerGroups       int

	Residency memutils.ResidencyStatistics

	ViewStaging         memutils.Statistics
	SamplerStaging      memutils.Statistics
	RenderTargetStaging memutils.Statistics
	DepthStencilStaging memutils.Statistics
	ViewRing            memutils.Statistics
	SamplerRing         memutils.Statistics
}

// CalculateStatistics fills stats with the current state of the device
func (d *Device) CalculateStatistics(stats *Statistics) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	*stats = Statistics{}
	stats.Residency.Clear()

	stats.LastSubmittedSerial = int(d.tracker.LastSubmitted())
	stats.CompletedSerial = int(d.tracker.CompletedSerial())
	stats.PendingReleases = d.reclaim.Len()
	stats.LiveResources = d.live.Count()
	stats.CommandAllocators = d.commandAllocators.count
	stats.SamplerGroups = d.samplerGroups.Count()

	d.residency.AddStatistics(&stats.Residency)

	if d.destroyed {
		return
	}

	d.viewStaging.AddStatistics(&stats.ViewStaging)
	d.samplerStaging.AddStatistics(&stats.SamplerStaging)
	d.renderTargetStaging.AddStatistics(&stats.RenderTargetStaging)
	d.depthStencilStaging.AddStatistics(&stats.DepthStencilStaging)
	d.viewRing.AddStatistics(&stats.ViewRing)
	d.samplerRing.AddStatistics(&stats.SamplerRing)
}

// BuildStatsString returns a JSON document describing the device. If detailed is true, every live
// resource and every staging bucket is listed as well.
func (d *Device) BuildStatsString(detailed bool) string {
	var stats Statistics
	d.CalculateStatistics(&stats)

	d.mutex.Lock()
	defer d.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Flags").String(d.createFlags.String())
	obj.Name("LastSubmittedSerial").Int(stats.LastSubmittedSerial)
	obj.Name("CompletedSerial").Int(stats.CompletedSerial)
	obj.Name("PendingReleases").Int(stats.PendingReleases)
	obj.Name("LiveResources").Int(stats.LiveResources)
	obj.Name("CommandAllocators").Int(stats.CommandAllocators)
	obj.Name("FreeCommandAllocators").Int(d.commandAllocators.available())
	obj.Name("SamplerGroups").Int(stats.SamplerGroups)
	obj.Name("Lost").Bool(d.tracker.Lost())

	obj.Name("Residency")
	d.residency.BuildStatsString(&writer)

	descriptors := obj.Name("Descriptors").Object()
	printStatistics(&descriptors, "ViewStaging", &stats.ViewStaging)
	printStatistics(&descriptors, "SamplerStaging", &stats.SamplerStaging)
	printStatistics(&descriptors, "RenderTargetStaging", &stats.RenderTargetStaging)
	printStatistics(&descriptors, "DepthStencilStaging", &stats.DepthStencilStaging)
	printStatistics(&descriptors, "ViewRing", &stats.ViewRing)
	printStatistics(&descriptors, "SamplerRing", &stats.SamplerRing)
	descriptors.End()

	if detailed && !d.destroyed {
		obj.Name("ViewStagingBuckets")
		d.viewStaging.BuildStatsString(&writer)
		obj.Name("SamplerStagingBuckets")
		d.samplerStaging.BuildStatsString(&writer)

		resources := obj.Name("Resources").Array()
		d.live.Iter(func(id uint64, r *resource) bool {
			item := resources.Object()
			r.printParameters(&item)
			item.End()
			return false
		})
		resources.End()
	}

	obj.End()
	return string(writer.Bytes())
}

func printStatistics(json *jwriter.ObjectState, name string, stats *memutils.Statistics) {
	obj := json.Name(name).Object()
	obj.Name("HeapCount").Int(stats.HeapCount)
	obj.Name("HeapSlots").Int(stats.HeapSlots)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocatedSlots").Int(stats.AllocatedSlots)
	obj.End()
}
