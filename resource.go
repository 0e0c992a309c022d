package vex

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/residency"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

// bufferAlignment is the granularity of buffer allocations
const bufferAlignment = 4

type resourceKind int

const (
	resourceKindBuffer resourceKind = iota
	resourceKindTexture
)

func (k resourceKind) String() string {
	if k == resourceKindTexture {
		return "texture"
	}
	return "buffer"
}

// resource is the state shared by buffers and textures: one native allocation whose residency is
// managed by the device, and the destroyed flag that submission validation checks
type resource struct {
	device     *Device
	id         uint64
	kind       resourceKind
	label      string
	size       int
	memory     native.Pageable
	allocation *residency.Allocation

	destroyed bool
	lastUsed  serial.Serial
}

func (r *resource) String() string {
	if r.label == "" {
		return fmt.Sprintf("%s %d", r.kind, r.id)
	}
	return fmt.Sprintf("%s %q", r.kind, r.label)
}

func (d *Device) createResource(kind resourceKind, label string, size int) (*resource, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ValidationError, "%s size must be positive, but was %d", kind, size)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.destroyed {
		return nil, errors.Newf("cannot create a %s on a destroyed device", kind)
	}
	if err := d.tracker.Err(); err != nil {
		return nil, err
	}

	memory, err := d.backend.AllocateMemory(size)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %d bytes for a %s", size, kind)
	}

	allocation, err := d.residency.Track(memory, size)
	if err != nil {
		memory.Release()
		return nil, err
	}

	d.nextResourceID++
	r := &resource{
		device:     d,
		id:         d.nextResourceID,
		kind:       kind,
		label:      label,
		size:       size,
		memory:     memory,
		allocation: allocation,
	}
	d.live.Put(r.id, r)

	d.logger.Debug("Device::createResource", slog.String("Resource", r.String()), slog.Int("Size", size))
	return r, nil
}

// destroy marks the resource destroyed and releases its allocation as soon as no submitted work can
// still be using it. It may be called any number of times.
func (r *resource) destroy() {
	d := r.device

	d.mutex.Lock()
	defer d.mutex.Unlock()

	r.destroyAfterLock()
}

func (r *resource) destroyAfterLock() {
	if r.destroyed {
		return
	}
	r.destroyed = true

	d := r.device
	d.live.Delete(r.id)

	release := serial.ReleaseFunc(func() {
		d.residency.Untrack(r.allocation)
		r.memory.Release()
	})

	completed := d.tracker.CompletedSerial()
	if r.lastUsed > completed {
		d.logger.Debug("Resource::destroy", slog.String("Resource", r.String()), slog.Uint64("DeferredUntil", uint64(r.lastUsed)))
		d.reclaim.Enqueue(r.lastUsed, release)
		return
	}

	release.Release()
}

func (r *resource) lockResidency() error {
	d := r.device

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkUsable(); err != nil {
		return err
	}
	if r.destroyed {
		return errors.Wrapf(memutils.ValidationError, "cannot lock the residency of %s, which has been destroyed", r)
	}

	err := d.residency.Lock(r.allocation, d.tracker.CompletedSerial())
	if errors.Is(err, memutils.OutOfMemoryError) {
		return err
	} else if err != nil {
		return d.tracker.MarkLost(err)
	}

	d.logger.Debug("Resource::lockResidency", slog.String("Resource", r.String()))
	return nil
}

func (r *resource) unlockResidency() error {
	d := r.device

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if r.destroyed {
		return errors.Wrapf(memutils.ValidationError, "cannot unlock the residency of %s, which has been destroyed", r)
	}
	if !d.residency.Locked(r.allocation) {
		return errors.Wrapf(memutils.ValidationError, "cannot unlock the residency of %s, which is not locked", r)
	}

	d.residency.Unlock(r.allocation)
	return nil
}

func (r *resource) printParameters(json *jwriter.ObjectState) {
	json.Name("Kind").String(r.kind.String())
	if r.label != "" {
		json.Name("Label").String(r.label)
	}
	json.Name("Size").Int(r.size)
	json.Name("LastUsed").Int(int(r.lastUsed))
}

// BufferCreateInfo describes a buffer to create
type BufferCreateInfo struct {
	// Label is an optional name used in error messages and statistics
	Label string
	// Size is the size of the buffer in bytes
	Size int
}

// Buffer is a linear GPU allocation
type Buffer struct {
	resource *resource
	size     int
}

// CreateBuffer allocates a buffer. Its memory is made resident the first time a submission uses it.
// The allocation is rounded up to a multiple of four bytes.
func (d *Device) CreateBuffer(o BufferCreateInfo) (*Buffer, error) {
	if o.Size > math.MaxInt-bufferAlignment {
		return nil, errors.Wrapf(memutils.ValidationError, "buffer size %d is too large", o.Size)
	}

	allocationSize := o.Size
	if allocationSize > 0 {
		allocationSize = memutils.AlignUp(o.Size, bufferAlignment)
	}

	r, err := d.createResource(resourceKindBuffer, o.Label, allocationSize)
	if err != nil {
		return nil, err
	}

	return &Buffer{resource: r, size: o.Size}, nil
}

// Size returns the size the buffer was created with
func (b *Buffer) Size() int {
	return b.size
}

func (b *Buffer) Label() string {
	return b.resource.label
}

// Allocation returns the residency-managed allocation backing the buffer
func (b *Buffer) Allocation() *residency.Allocation {
	return b.resource.allocation
}

// Destroyed returns whether Destroy has been called
func (b *Buffer) Destroyed() bool {
	b.resource.device.mutex.Lock()
	defer b.resource.device.mutex.Unlock()

	return b.resource.destroyed
}

// Destroy marks the buffer destroyed. Submissions made afterwards that use it fail with
// memutils.ValidationError, while work that was already submitted completes normally: the memory is
// released once the last submission that used it has finished. Destroy is idempotent.
func (b *Buffer) Destroy() {
	b.resource.destroy()
}

// LockResidency makes the buffer's memory resident immediately and keeps it resident until a matching
// UnlockResidency, whatever later submissions need. Locked memory still counts against the
// residency budget. It fails with memutils.OutOfMemoryError if the memory cannot fit.
func (b *Buffer) LockResidency() error {
	return b.resource.lockResidency()
}

// UnlockResidency releases one LockResidency call. The buffer becomes evictable again once every lock
// is released.
func (b *Buffer) UnlockResidency() error {
	return b.resource.unlockResidency()
}

func (b *Buffer) String() string {
	if b == nil {
		return "a nil buffer"
	}
	return b.resource.String()
}

// TextureCreateInfo describes a texture to create
type TextureCreateInfo struct {
	// Label is an optional name used in error messages and statistics
	Label string

	Width              int
	Height             int
	DepthOrArrayLayers int
	MipLevelCount      int
	// BytesPerTexel is the size of one texel of the texture's format
	BytesPerTexel int
}

func (o TextureCreateInfo) size() (int, error) {
	if o.Width <= 0 || o.Height <= 0 || o.DepthOrArrayLayers <= 0 || o.BytesPerTexel <= 0 {
		return 0, errors.Wrapf(memutils.ValidationError, "texture dimensions %dx%dx%d with %d bytes per texel are invalid", o.Width, o.Height, o.DepthOrArrayLayers, o.BytesPerTexel)
	}

	mipLevels := o.MipLevelCount
	if mipLevels == 0 {
		mipLevels = 1
	}

	size := 0
	width, height := o.Width, o.Height
	for level := 0; level < mipLevels; level++ {
		levelSize, overflowed := memutils.MulOverflows(width, height)
		for _, factor := range []int{o.DepthOrArrayLayers, o.BytesPerTexel} {
			if !overflowed {
				levelSize, overflowed = memutils.MulOverflows(levelSize, factor)
			}
		}
		if !overflowed {
			size, overflowed = memutils.AddOverflows(size, levelSize)
		}
		if overflowed {
			return 0, errors.Wrapf(memutils.ValidationError, "texture of %dx%dx%d with %d bytes per texel and %d mip levels is too large", o.Width, o.Height, o.DepthOrArrayLayers, o.BytesPerTexel, mipLevels)
		}

		if width == 1 && height == 1 && level < mipLevels-1 {
			return 0, errors.Wrapf(memutils.ValidationError, "%d mip levels is too many for a %dx%d texture", mipLevels, o.Width, o.Height)
		}
		width = max1(width / 2)
		height = max1(height / 2)
	}

	return size, nil
}

func max1(value int) int {
	if value < 1 {
		return 1
	}
	return value
}

// Texture is a GPU image allocation
type Texture struct {
	resource *resource
	info     TextureCreateInfo
}

// CreateTexture allocates a texture. Its memory is made resident the first time a submission uses it.
func (d *Device) CreateTexture(o TextureCreateInfo) (*Texture, error) {
	size, err := o.size()
	if err != nil {
		return nil, err
	}

	r, err := d.createResource(resourceKindTexture, o.Label, size)
	if err != nil {
		return nil, err
	}

	if o.MipLevelCount == 0 {
		o.MipLevelCount = 1
	}
	return &Texture{resource: r, info: o}, nil
}

func (t *Texture) Width() int {
	return t.info.Width
}

func (t *Texture) Height() int {
	return t.info.Height
}

func (t *Texture) DepthOrArrayLayers() int {
	return t.info.DepthOrArrayLayers
}

func (t *Texture) MipLevelCount() int {
	return t.info.MipLevelCount
}

// Size returns the number of bytes of memory backing every mip level of the texture
func (t *Texture) Size() int {
	return t.resource.size
}

func (t *Texture) Label() string {
	return t.resource.label
}

// Allocation returns the residency-managed allocation backing the texture
func (t *Texture) Allocation() *residency.Allocation {
	return t.resource.allocation
}

// Destroyed returns whether Destroy has been called
func (t *Texture) Destroyed() bool {
	t.resource.device.mutex.Lock()
	defer t.resource.device.mutex.Unlock()

	return t.resource.destroyed
}

// Destroy marks the texture destroyed. Submissions made afterwards that use it fail with
// memutils.ValidationError, while work that was already submitted completes normally: the memory is
// released once the last submission that used it has finished. Destroy is idempotent.
func (t *Texture) Destroy() {
	t.resource.destroy()
}

// LockResidency makes the texture's memory resident immediately and keeps it resident until a
// matching UnlockResidency. It fails with memutils.OutOfMemoryError if the memory cannot fit.
func (t *Texture) LockResidency() error {
	return t.resource.lockResidency()
}

// UnlockResidency releases one LockResidency call
func (t *Texture) UnlockResidency() error {
	return t.resource.unlockResidency()
}

func (t *Texture) String() string {
	if t == nil {
		return "a nil texture"
	}
	return t.resource.String()
}
