// Package sim drives a vex device with a synthetic rendering workload
package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex"
	"github.com/vkngwrapper/arsenal/vex/descriptor"
	"github.com/vkngwrapper/arsenal/vex/internal/config"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/native/soft"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

// Report summarizes a finished run
type Report struct {
	Frames             int
	Draws              int
	OutOfMemoryRetries int
	RecordRetries      int
	SamplerCopies      int
	Recreated          int
	LastSerial         serial.Serial
}

type simulator struct {
	logger   *slog.Logger
	device   *vex.Device
	workload config.WorkloadConfig
	random   *rand.Rand

	constants *vex.Buffer
	buffers   []*vex.Buffer
	textures  []*vex.Texture
	samplers  []*vex.SamplerGroup
	report    Report
}

// plannedDraw is one draw of a frame, before it is recorded into a command buffer
type plannedDraw struct {
	buffer  *vex.Buffer
	texture  *vex.Texture
	samplers *vex.SamplerGroup
	staging  *descriptor.StagingAllocation
}

// samplerKinds is the number of distinct sampler combinations textured draws pick from
const samplerKinds = 4

// maxRecordAttempts bounds how often a frame is re-recorded because reserving shader-visible
// descriptors flushed the serial the earlier reservations were made for
const maxRecordAttempts = 3

// Run executes the workload against device and waits for it to go idle. It stops early if ctx is
// cancelled.
func Run(ctx context.Context, logger *slog.Logger, device *vex.Device, workload config.WorkloadConfig) (Report, error) {
	s := &simulator{
		logger:   logger,
		device:   device,
		workload: workload,
		random:   rand.New(rand.NewSource(workload.Seed)),
	}

	err := s.createResources()
	if err != nil {
		return s.report, err
	}

	for frame := 0; frame < workload.Frames; frame++ {
		if err := ctx.Err(); err != nil {
			return s.report, err
		}

		err = s.throttle(ctx)
		if err != nil {
			return s.report, err
		}

		err = s.frame(frame)
		if err != nil {
			return s.report, errors.Wrapf(err, "frame %d", frame)
		}
		s.report.Frames++
	}

	err = device.WaitIdle(serial.NoTimeout)
	s.report.LastSerial = device.LastSubmittedSerial()
	if err != nil {
		return s.report, err
	}

	err = s.constants.UnlockResidency()
	s.constants.Destroy()
	for _, group := range s.samplers {
		releaseErr := group.Release()
		if err == nil {
			err = releaseErr
		}
	}
	return s.report, err
}

func (s *simulator) createResources() error {
	// Every draw reads the frame constants, so they stay resident for the whole run
	constants, err := s.device.CreateBuffer(vex.BufferCreateInfo{Label: "constants", Size: s.workload.BufferSize})
	if err != nil {
		return err
	}
	err = constants.LockResidency()
	if err != nil {
		return err
	}
	s.constants = constants

	for i := 0; i < s.workload.Buffers; i++ {
		buffer, err := s.device.CreateBuffer(vex.BufferCreateInfo{Size: s.workload.BufferSize})
		if err != nil {
			return err
		}
		s.buffers = append(s.buffers, buffer)
	}

	for i := 0; i < s.workload.Textures; i++ {
		texture, err := s.device.CreateTexture(vex.TextureCreateInfo{
			Width:              s.workload.TextureExtent,
			Height:             s.workload.TextureExtent,
			DepthOrArrayLayers: 1,
			BytesPerTexel:      4,
		})
		if err != nil {
			return err
		}
		s.textures = append(s.textures, texture)
	}

	if len(s.textures) > 0 {
		for i := 0; i < samplerKinds; i++ {
			group, err := s.device.AcquireSamplerGroup([]uint64{uint64(i), uint64(i + samplerKinds)})
			if err != nil {
				return err
			}
			s.samplers = append(s.samplers, group)
		}
	}

	return nil
}

// throttle keeps at most FramesInFlight submissions outstanding
func (s *simulator) throttle(ctx context.Context) error {
	for int(s.device.LastSubmittedSerial()-s.device.CompletedSerial()) >= s.workload.FramesInFlight {
		if err := s.device.Tick(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}

	return s.device.Tick()
}

func (s *simulator) frame(frame int) error {
	if s.workload.RecreateEveryFrames > 0 && frame > 0 && frame%s.workload.RecreateEveryFrames == 0 {
		err := s.recreate()
		if err != nil {
			return err
		}
	}

	draws := make([]plannedDraw, 0, s.workload.DrawsPerFrame)
	for i := 0; i < s.workload.DrawsPerFrame; i++ {
		draw := plannedDraw{buffer: s.buffers[s.random.Intn(len(s.buffers))]}
		if len(s.textures) > 0 {
			draw.texture = s.textures[s.random.Intn(len(s.textures))]
			draw.samplers = s.samplers[s.random.Intn(len(s.samplers))]
		}

		if s.workload.DescriptorsPerDraw > 0 {
			staging, err := s.device.AllocateDescriptors(native.HeapKindView, s.workload.DescriptorsPerDraw)
			if err != nil {
				s.freeDescriptors(draws)
				return err
			}
			draw.staging = staging
		}

		draws = append(draws, draw)
	}

	err := s.submit(draws)

	// Bind groups are rebuilt every frame, so their CPU descriptors go back as soon as they are recorded
	freeErr := s.freeDescriptors(draws)
	if err != nil {
		return err
	}
	if freeErr != nil {
		return freeErr
	}

	s.report.Draws += len(draws)
	return nil
}

func (s *simulator) freeDescriptors(draws []plannedDraw) error {
	var result error
	for _, draw := range draws {
		err := s.device.FreeDescriptors(draw.staging)
		if err != nil && result == nil {
			result = err
		}
	}
	return result
}

// record builds one command buffer per draw, reserving shader-visible descriptors for the pending
// serial. A reservation that overflows the ring flushes pending work, which leaves the earlier
// reservations tied to the flushed serial, so the whole frame is recorded again.
func (s *simulator) record(draws []plannedDraw) ([]*vex.CommandBuffer, error) {
	for attempt := 1; ; attempt++ {
		pending := s.device.PendingSerial()

		commandBuffers, err := s.recordOnce(draws)
		if err != nil {
			return nil, err
		}
		if s.device.PendingSerial() == pending {
			return commandBuffers, nil
		}

		release(commandBuffers)
		if attempt == maxRecordAttempts {
			return nil, errors.Newf("shader-visible descriptors for one frame did not fit the ring after %d attempts", attempt)
		}
		s.report.RecordRetries++
	}
}

func (s *simulator) recordOnce(draws []plannedDraw) ([]*vex.CommandBuffer, error) {
	commandBuffers := make([]*vex.CommandBuffer, 0, len(draws))

	// The soft backend records nothing into it, but the frame holds one like a real recorder would
	_, err := s.device.AcquireCommandAllocator()
	if err != nil {
		return nil, err
	}

	for _, planned := range draws {
		draw := &soft.Draw{Name: "draw", Reads: []native.Pageable{
			planned.buffer.Allocation().Pageable(),
			s.constants.Allocation().Pageable(),
		}}
		commandBuffer := vex.NewCommandBuffer("draw", draw)
		commandBuffer.UseBuffer(planned.buffer)
		commandBuffer.UseBuffer(s.constants)

		if planned.texture != nil {
			commandBuffer.UseTexture(planned.texture)
			draw.Reads = append(draw.Reads, planned.texture.Allocation().Pageable())
		}

		if planned.samplers != nil {
			reservation, copied, err := s.device.PopulateSamplerGroup(planned.samplers)
			if err != nil {
				release(commandBuffers)
				return nil, err
			}
			if copied {
				s.report.SamplerCopies++
			}
			commandBuffer.UseDescriptors(planned.samplers.Descriptors())
			commandBuffer.UseShaderVisibleDescriptors(reservation)
		}

		if planned.staging != nil {
			reservation, err := s.device.AllocateShaderVisibleDescriptors(native.HeapKindView, planned.staging.Count())
			if err != nil {
				release(commandBuffers)
				return nil, err
			}
			commandBuffer.UseDescriptors(planned.staging)
			commandBuffer.UseShaderVisibleDescriptors(reservation)
		}

		commandBuffers = append(commandBuffers, commandBuffer)
	}

	return commandBuffers, nil
}

func release(commandBuffers []*vex.CommandBuffer) {
	for _, commandBuffer := range commandBuffers {
		commandBuffer.Release()
	}
}

// submit retries once after waiting for the GPU if the working set does not fit the budget. Waiting
// flushes the frame's shader-visible reservations, so the retry records the frame again.
func (s *simulator) submit(draws []plannedDraw) error {
	commandBuffers, err := s.record(draws)
	if err != nil {
		return err
	}

	err = s.device.Submit(commandBuffers...)
	if !errors.Is(err, memutils.OutOfMemoryError) {
		if err != nil {
			release(commandBuffers)
		}
		return err
	}
	release(commandBuffers)

	s.logger.Warn("Simulator::submit", slog.String("Error", err.Error()))
	s.report.OutOfMemoryRetries++

	err = s.device.WaitIdle(serial.NoTimeout)
	if err != nil {
		return err
	}

	commandBuffers, err = s.record(draws)
	if err != nil {
		return err
	}

	err = s.device.Submit(commandBuffers...)
	if err != nil {
		release(commandBuffers)
	}
	return err
}

// recreate destroys a random buffer while work using it may still be in flight and replaces it
func (s *simulator) recreate() error {
	index := s.random.Intn(len(s.buffers))
	s.buffers[index].Destroy()

	buffer, err := s.device.CreateBuffer(vex.BufferCreateInfo{Size: s.workload.BufferSize})
	if err != nil {
		return err
	}

	s.buffers[index] = buffer
	s.report.Recreated++
	return nil
}
