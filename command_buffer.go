package vex

import (
	"github.com/vkngwrapper/arsenal/vex/descriptor"
	"github.com/vkngwrapper/arsenal/vex/native"
)

// CommandBuffer is a unit of recorded work for Device.Submit: the native command lists to execute,
// plus every buffer, texture, and descriptor block the lists reference. A command buffer can be
// submitted once.
type CommandBuffer struct {
	label       string
	lists       []native.CommandList
	buffers     []*Buffer
	textures    []*Texture
	descriptors []*descriptor.StagingAllocation
	transients  []native.Handle

	shaderVisible []descriptor.RingAllocation

	submitted bool
	released  bool
}

// NewCommandBuffer creates a command buffer that will execute lists in order
func NewCommandBuffer(label string, lists ...native.CommandList) *CommandBuffer {
	return &CommandBuffer{
		label: label,
		lists: lists,
	}
}

func (c *CommandBuffer) Label() string {
	return c.label
}

// Record appends more command lists to the command buffer
func (c *CommandBuffer) Record(lists ...native.CommandList) {
	c.lists = append(c.lists, lists...)
}

// UseBuffer records that the command lists read or write buffer. This includes vertex, index, and
// indirect argument buffers.
func (c *CommandBuffer) UseBuffer(buffer *Buffer) {
	c.buffers = append(c.buffers, buffer)
}

// UseTexture records that the command lists read or write texture
func (c *CommandBuffer) UseTexture(texture *Texture) {
	c.textures = append(c.textures, texture)
}

// UseDescriptors records that the command lists reference a block of CPU-visible descriptors, so
// freeing it is deferred until the submission completes
func (c *CommandBuffer) UseDescriptors(allocation *descriptor.StagingAllocation) {
	if allocation == nil {
		return
	}
	c.descriptors = append(c.descriptors, allocation)
}

// UseShaderVisibleDescriptors records that the command lists bind a shader-visible descriptor
// reservation. The reservation must have been made for the serial the command buffer is submitted
// with; if pending work was flushed in between, Submit fails with memutils.ValidationError.
func (c *CommandBuffer) UseShaderVisibleDescriptors(allocation descriptor.RingAllocation) {
	if allocation.IsNull() {
		return
	}
	c.shaderVisible = append(c.shaderVisible, allocation)
}

// HoldUntilComplete transfers ownership of handle to the command buffer. It is released once the
// submission containing the command buffer has completed, or by Release if the command buffer is
// never submitted.
func (c *CommandBuffer) HoldUntilComplete(handle native.Handle) {
	c.transients = append(c.transients, handle)
}

// Submitted returns whether the command buffer has been submitted
func (c *CommandBuffer) Submitted() bool {
	return c.submitted
}

// Release drops any handles held by a command buffer that will never be submitted. It does nothing
// for a command buffer that has already been submitted, as the device owns those handles.
func (c *CommandBuffer) Release() {
	if c.submitted || c.released {
		return
	}
	c.released = true

	for _, handle := range c.transients {
		handle.Release()
	}
	c.transients = nil
}
