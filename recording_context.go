package vex

import (
	"github.com/vkngwrapper/arsenal/vex/descriptor"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/residency"
	"github.com/vkngwrapper/arsenal/vex/serial"
)

// recordingContext accumulates the work that will be submitted with the pending serial. It is
// append-only, and consumed exactly once by a successful submission.
type recordingContext struct {
	lists       []native.CommandList
	resources   []*resource
	descriptors []*descriptor.StagingAllocation
	transients  []native.Handle

	// ringReservations counts shader-visible descriptor reservations tagged with the pending serial
	ringReservations int
	// commandAllocators counts native command allocators handed out for the pending serial
	commandAllocators int
}

type recordingMark struct {
	lists       int
	resources   int
	descriptors int
	transients  int
}

func (c *recordingContext) mark() recordingMark {
	return recordingMark{
		lists:       len(c.lists),
		resources:   len(c.resources),
		descriptors: len(c.descriptors),
		transients:  len(c.transients),
	}
}

// rollback discards everything recorded since mark was taken
func (c *recordingContext) rollback(mark recordingMark) {
	c.lists = c.lists[:mark.lists]
	c.resources = c.resources[:mark.resources]
	c.descriptors = c.descriptors[:mark.descriptors]
	c.transients = c.transients[:mark.transients]
}

func (c *recordingContext) record(commandBuffer *CommandBuffer) {
	c.lists = append(c.lists, commandBuffer.lists...)
	for _, buffer := range commandBuffer.buffers {
		c.resources = append(c.resources, buffer.resource)
	}
	for _, texture := range commandBuffer.textures {
		c.resources = append(c.resources, texture.resource)
	}
	c.descriptors = append(c.descriptors, commandBuffer.descriptors...)
	c.transients = append(c.transients, commandBuffer.transients...)
}

// holdUntilComplete keeps handle alive until the pending serial completes
func (c *recordingContext) holdUntilComplete(handle native.Handle) {
	c.transients = append(c.transients, handle)
}

func (c *recordingContext) isEmpty() bool {
	return len(c.lists) == 0 && len(c.resources) == 0 && len(c.descriptors) == 0 &&
		len(c.transients) == 0 && c.ringReservations == 0 && c.commandAllocators == 0
}

// residencySet returns every allocation the recorded work references
func (c *recordingContext) residencySet() []*residency.Allocation {
	allocations := make([]*residency.Allocation, 0, len(c.resources))
	for _, r := range c.resources {
		allocations = append(allocations, r.allocation)
	}
	return allocations
}

// commit tags everything the recorded work references with submitted and hands the transient handles
// to reclaim
func (c *recordingContext) commit(submitted serial.Serial, reclaim *serial.ReclaimQueue) {
	for _, r := range c.resources {
		if submitted > r.lastUsed {
			r.lastUsed = submitted
		}
	}

	for _, allocation := range c.descriptors {
		allocation.MarkUsed(submitted)
	}

	for _, handle := range c.transients {
		reclaim.Enqueue(submitted, handle)
	}
}
