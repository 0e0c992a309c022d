package vex

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/vex/descriptor"
	"github.com/vkngwrapper/arsenal/vex/internal/utils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/residency"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific device behaviors to activate or deactivate
type CreateFlags int32

var deviceCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	deviceCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return deviceCreateFlagsMapping.FlagsToString(f)
}

const (
	// DeviceCreateExternallySynchronized ensures that this device and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism, but performance may improve
	// because internal mutexes are not used.
	DeviceCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	DeviceCreateExternallySynchronized.Register("DeviceCreateExternallySynchronized")
}

const (
	// defaultViewRingSize is the number of shader-visible view descriptors used when none is provided
	// via CreateOptions
	defaultViewRingSize int = 1 << 16
	// defaultSamplerRingSize is the number of shader-visible sampler descriptors used when none is
	// provided via CreateOptions
	defaultSamplerRingSize int = 2048
	// defaultMaxViewDescriptorsPerBindGroup is the largest CPU view descriptor request served when
	// none is provided via CreateOptions
	defaultMaxViewDescriptorsPerBindGroup int = 1000
	// defaultMaxSamplerDescriptorsPerBindGroup is the largest CPU sampler descriptor request served
	// when none is provided via CreateOptions
	defaultMaxSamplerDescriptorsPerBindGroup int = 48
	// defaultStagingHeapSize is the number of descriptors in each CPU-visible native heap when none
	// is provided via CreateOptions
	defaultStagingHeapSize int = 2048
	// defaultAttachmentHeapSize is the number of render target or depth/stencil descriptors in each
	// CPU-visible native heap when none is provided via CreateOptions
	defaultAttachmentHeapSize int = 64
)

// CreateOptions contains optional settings when creating a device. It is valid to leave every field
// blank.
type CreateOptions struct {
	// Flags indicates specific device behaviors to activate or deactivate
	Flags CreateFlags

	// ResidencyBudget is the number of bytes of buffers and textures that may be resident at once.
	// If it is left at zero, the backend's MemoryBudget is used.
	ResidencyBudget int

	// ViewRingSize and SamplerRingSize are the number of slots in the shader-visible view and sampler
	// descriptor rings
	ViewRingSize    int
	SamplerRingSize int

	// MaxViewDescriptorsPerBindGroup and MaxSamplerDescriptorsPerBindGroup are the largest CPU-visible
	// descriptor requests the device will serve. They determine how many power-of-two buckets are built.
	MaxViewDescriptorsPerBindGroup    int
	MaxSamplerDescriptorsPerBindGroup int

	// StagingHeapSize is the number of descriptors in each CPU-visible view or sampler heap
	StagingHeapSize int
	// AttachmentHeapSize is the number of descriptors in each render target or depth/stencil heap
	AttachmentHeapSize int

	// MaxCommandAllocators is the number of native command allocators the device may hold at once
	MaxCommandAllocators int
}

func orDefault(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}

// New creates a new Device
//
// logger - The logger used for debug output. A nil logger discards everything.
//
// backend - The native services the device submits work to
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, backend native.Backend, options CreateOptions) (*Device, error) {
	if backend == nil {
		return nil, errors.New("a device cannot be created without a backend")
	}
	if logger == nil {
		logger = discardLogger()
	}

	useMutex := options.Flags&DeviceCreateExternallySynchronized == 0

	device := &Device{
		logger:      logger,
		useMutex:    useMutex,
		mutex:       utils.NewLocker(useMutex),
		backend:     backend,
		createFlags: options.Flags,

		tracker: serial.NewTracker(logger, backend),
		reclaim: serial.NewReclaimQueue(logger),
		live:    swiss.NewMap[uint64, *resource](42),
		pending: &recordingContext{},

		samplerGroups: swiss.NewMap[string, *SamplerGroup](42),
	}

	var err error
	device.commandAllocators, err = newCommandAllocatorPool(logger, backend, orDefault(options.MaxCommandAllocators, defaultMaxCommandAllocators))
	if err != nil {
		return nil, err
	}

	budget := orDefault(options.ResidencyBudget, backend.MemoryBudget())
	device.residency, err = residency.NewManager(logger, backend, budget, useMutex)
	if err != nil {
		return nil, err
	}

	stagingHeapSize := orDefault(options.StagingHeapSize, defaultStagingHeapSize)
	attachmentHeapSize := orDefault(options.AttachmentHeapSize, defaultAttachmentHeapSize)

	err = device.createDescriptorAllocators(
		orDefault(options.MaxViewDescriptorsPerBindGroup, defaultMaxViewDescriptorsPerBindGroup),
		orDefault(options.MaxSamplerDescriptorsPerBindGroup, defaultMaxSamplerDescriptorsPerBindGroup),
		stagingHeapSize,
		attachmentHeapSize,
		orDefault(options.ViewRingSize, defaultViewRingSize),
		orDefault(options.SamplerRingSize, defaultSamplerRingSize),
	)
	if err != nil {
		device.destroyDescriptorAllocators()
		return nil, err
	}

	logger.Debug("Device::New", slog.String("Flags", options.Flags.String()), slog.Int("ResidencyBudget", budget))
	return device, nil
}

func (d *Device) createDescriptorAllocators(maxViews, maxSamplers, stagingHeapSize, attachmentHeapSize, viewRingSize, samplerRingSize int) error {
	var err error

	d.viewStaging, err = descriptor.NewStagingAllocatorSet(d.logger, d.backend, native.HeapKindView, maxViews, stagingHeapSize, d.useMutex)
	if err != nil {
		return errors.Wrap(err, "creating view staging allocators")
	}

	d.samplerStaging, err = descriptor.NewStagingAllocatorSet(d.logger, d.backend, native.HeapKindSampler, maxSamplers, stagingHeapSize, d.useMutex)
	if err != nil {
		return errors.Wrap(err, "creating sampler staging allocators")
	}

	d.renderTargetStaging, err = descriptor.NewStagingAllocator(d.logger, d.backend, native.HeapKindRenderTarget, 1, attachmentHeapSize, d.useMutex)
	if err != nil {
		return errors.Wrap(err, "creating render target staging allocator")
	}

	d.depthStencilStaging, err = descriptor.NewStagingAllocator(d.logger, d.backend, native.HeapKindDepthStencil, 1, attachmentHeapSize, d.useMutex)
	if err != nil {
		return errors.Wrap(err, "creating depth/stencil staging allocator")
	}

	d.viewRing, err = descriptor.NewRingAllocator(d.logger, d.backend, native.HeapKindView, viewRingSize)
	if err != nil {
		return err
	}

	d.samplerRing, err = descriptor.NewRingAllocator(d.logger, d.backend, native.HeapKindSampler, samplerRingSize)
	if err != nil {
		return err
	}

	return nil
}

func (d *Device) destroyDescriptorAllocators() {
	if d.viewStaging != nil {
		d.viewStaging.Destroy()
		d.viewStaging = nil
	}
	if d.samplerStaging != nil {
		d.samplerStaging.Destroy()
		d.samplerStaging = nil
	}
	if d.renderTargetStaging != nil {
		d.renderTargetStaging.Destroy()
		d.renderTargetStaging = nil
	}
	if d.depthStencilStaging != nil {
		d.depthStencilStaging.Destroy()
		d.depthStencilStaging = nil
	}
	if d.viewRing != nil {
		d.viewRing.Destroy()
		d.viewRing = nil
	}
	if d.samplerRing != nil {
		d.samplerRing.Destroy()
		d.samplerRing = nil
	}
}
