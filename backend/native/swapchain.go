// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"fmt"
	"image"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/splat/gpucore"
)

// swapImage is a swapchain image: a storage buffer of packed RGBA8 pixels
// and the staging buffer its presented region is read back through.
type swapImage struct {
	buf     hal.Buffer
	staging hal.Buffer
	size    uint64
	layout  gpucore.ImageLayout

	// presenting is set while a present of this image is in flight.
	presenting bool
}

// pendingPresent is a present whose readback copy has been submitted.
type pendingPresent struct {
	image  uint32
	region gpucore.Extent
	scale  uint32
	cmd    hal.CommandBuffer
	enc    hal.CommandEncoder
}

// presentedFrame is a read-back frame waiting for the presenter.
type presentedFrame struct {
	image uint32
	pix   *image.RGBA
	scale uint32
}

// createImagesLocked creates n images of extent e. d.mu must be held.
func (d *Device) createImagesLocked(e gpucore.Extent, n int) error {
	d.extent = e
	d.images = make([]*swapImage, 0, n)
	d.nextImage = 0
	size := uint64(e.Width) * uint64(e.Height) * 4
	for i := range n {
		buf, err := d.createHALBufferLocked(fmt.Sprintf("swapchain_%d", i), size,
			gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		img := &swapImage{buf: buf, size: size}
		d.images = append(d.images, img)

		img.staging, err = d.createHALBufferLocked(fmt.Sprintf("swapchain_%d_readback", i), size,
			gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
	}
	return nil
}

// destroyImages releases the swapchain buffers. The queue must be idle.
func (d *Device) destroyImages() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, img := range d.images {
		if img.buf != nil {
			d.dev.DestroyBuffer(img.buf)
			d.allocated -= img.size
		}
		if img.staging != nil {
			d.dev.DestroyBuffer(img.staging)
			d.allocated -= img.size
		}
	}
	d.images = nil
}

// Extent returns the swapchain image size.
func (d *Device) Extent() gpucore.Extent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.extent
}

// ImageCount returns the number of swapchain images.
func (d *Device) ImageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images)
}

// ImageLayout returns the layout of a swapchain image after the last
// submission that transitioned it.
func (d *Device) ImageLayout(index uint32) gpucore.ImageLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(index) >= len(d.images) {
		return gpucore.ImageLayoutUndefined
	}
	return d.images[index].layout
}

// AcquireImage waits until the next image in rotation is no longer being
// presented and signals the semaphore.
func (d *Device) AcquireImage(signal gpucore.SemaphoreID, timeout time.Duration) (uint32, error) {
	deadline := time.Now().Add(timeout)
	interval := minPollInterval
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, fmt.Errorf("native: acquire image: %w", gpucore.ErrDeviceLost)
		}
		d.pollLocked()
		frames := d.takeFramesLocked()
		idx := d.nextImage
		img := d.images[idx]
		if !img.presenting {
			if err := d.checkSignalLocked(signal); err != nil {
				d.mu.Unlock()
				d.deliver(frames)
				return 0, err
			}
			d.semaphores[signal].signaled = true
			d.nextImage = (idx + 1) % uint32(len(d.images))
			d.mu.Unlock()
			d.deliver(frames)
			return idx, nil
		}
		d.mu.Unlock()
		d.deliver(frames)

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("native: acquire image %d after %v: %w", idx, timeout, gpucore.ErrTimeout)
		}
		time.Sleep(min(interval, remaining))
		interval = min(interval*2, maxPollInterval)
	}
}

// Present submits a readback of the image's region and hands it to the
// presenter once the copy completes. Errors raised while presenting are
// returned by the next Present or WaitIdle.
func (d *Device) Present(imageIndex uint32, wait gpucore.SemaphoreID, region gpucore.Extent, scale uint32) error {
	d.mu.Lock()
	err := d.presentLocked(imageIndex, wait, region, scale)
	frames := d.takeFramesLocked()
	d.mu.Unlock()

	d.deliver(frames)
	return err
}

func (d *Device) presentLocked(imageIndex uint32, wait gpucore.SemaphoreID, region gpucore.Extent, scale uint32) error {
	if int(imageIndex) >= len(d.images) {
		return fmt.Errorf("native: present image %d of %d: %w", imageIndex, len(d.images), gpucore.ErrInvalidState)
	}
	if err := d.lost; err != nil {
		return fmt.Errorf("native: present: %w: %w", gpucore.ErrDeviceLost, err)
	}
	img := d.images[imageIndex]
	if img.layout != gpucore.ImageLayoutPresentSrc {
		return fmt.Errorf("native: present image %d in layout %s: %w", imageIndex, img.layout, gpucore.ErrInvalidState)
	}
	if img.presenting {
		return fmt.Errorf("native: present image %d: already presenting: %w", imageIndex, gpucore.ErrInvalidState)
	}
	if err := d.checkWaitLocked(wait); err != nil {
		return fmt.Errorf("native: present image %d: %w", imageIndex, err)
	}
	region.Width = min(region.Width, d.extent.Width)
	region.Height = min(region.Height, d.extent.Height)

	p := &pendingPresent{image: imageIndex, region: region, scale: max(scale, 1)}
	if !region.Empty() {
		if err := d.encodeReadbackLocked(img, p); err != nil {
			return fmt.Errorf("native: present image %d: %w", imageIndex, err)
		}
	}

	var index uint64
	if p.cmd != nil {
		var err error
		index, err = d.queue.Submit([]hal.CommandBuffer{p.cmd})
		if err != nil {
			d.releasePresent(p)
			return fmt.Errorf("native: present image %d: %w", imageIndex, err)
		}
		d.lastSubmit = max(d.lastSubmit, index)
	}

	d.semaphores[wait].signaled = false
	img.presenting = true
	d.inflight = append(d.inflight, &submission{index: index, present: p})
	d.pollLocked()
	return nil
}

// encodeReadbackLocked records the copy of the presented rows into the
// image's staging buffer, packed to the region width. d.mu must be held.
func (d *Device) encodeReadbackLocked(img *swapImage, p *pendingPresent) error {
	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "present"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	p.enc = enc
	if err := enc.BeginEncoding("present"); err != nil {
		d.releasePresent(p)
		return fmt.Errorf("begin encoding: %w", err)
	}

	rowBytes := uint64(p.region.Width) * 4
	stride := uint64(d.extent.Width) * 4
	var regions []hal.BufferCopy
	if rowBytes == stride {
		regions = []hal.BufferCopy{{Size: rowBytes * uint64(p.region.Height)}}
	} else {
		regions = make([]hal.BufferCopy, p.region.Height)
		for y := range regions {
			regions[y] = hal.BufferCopy{
				SrcOffset: uint64(y) * stride,
				DstOffset: uint64(y) * rowBytes,
				Size:      rowBytes,
			}
		}
	}
	enc.CopyBufferToBuffer(img.buf, img.staging, regions)
	enc.TransitionBuffers([]hal.BufferBarrier{{
		Buffer: img.staging,
		Usage: hal.BufferUsageTransition{
			OldUsage: gputypes.BufferUsageCopyDst,
			NewUsage: gputypes.BufferUsageMapRead,
		},
	}})

	cmd, err := enc.EndEncoding()
	if err != nil {
		d.releasePresent(p)
		return fmt.Errorf("end encoding: %w", err)
	}
	p.cmd = cmd
	return nil
}

func (d *Device) releasePresent(p *pendingPresent) {
	if p.cmd != nil {
		d.dev.FreeCommandBuffer(p.cmd)
		p.cmd = nil
	}
	if p.enc != nil {
		p.enc.Destroy()
		p.enc = nil
	}
}

// completePresentLocked reads back a finished present. d.mu must be held.
func (d *Device) completePresentLocked(p *pendingPresent) {
	d.releasePresent(p)
	if int(p.image) >= len(d.images) {
		return
	}
	img := d.images[p.image]
	img.presenting = false
	if d.presenter == nil || p.region.Empty() {
		return
	}

	frame := image.NewRGBA(image.Rect(0, 0, int(p.region.Width), int(p.region.Height)))
	if err := d.mapReadLocked(img.staging, 0, frame.Pix, "swapchain readback"); err != nil {
		d.latchPresentErrorLocked(p.image, err)
		return
	}
	d.frames = append(d.frames, presentedFrame{image: p.image, pix: frame, scale: p.scale})
}

func (d *Device) latchPresentErrorLocked(image uint32, err error) {
	if d.lost == nil {
		d.lost = err
		d.logger().Warn("native: present failed", "image", image, "err", err)
	}
}

func (d *Device) takeFramesLocked() []presentedFrame {
	frames := d.frames
	d.frames = nil
	return frames
}

// deliver hands read-back frames to the presenter in presentation order.
func (d *Device) deliver(frames []presentedFrame) {
	if len(frames) == 0 {
		return
	}
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	for _, f := range frames {
		if err := d.presenter.Present(f.pix, f.scale); err != nil {
			d.mu.Lock()
			d.latchPresentErrorLocked(f.image, fmt.Errorf("native: presenter: %w", err))
			d.mu.Unlock()
		}
	}
}

// Resize recreates the swapchain images. It waits for the queue to drain.
func (d *Device) Resize(width, height uint32) error {
	if width == 0 || height == 0 {
		return fmt.Errorf("native: invalid swapchain size %dx%d", width, height)
	}
	if err := d.WaitIdle(); err != nil {
		return err
	}
	d.mu.Lock()
	n := len(d.images)
	d.mu.Unlock()

	d.destroyImages()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.createImagesLocked(gpucore.Extent{Width: width, Height: height}, n); err != nil {
		return fmt.Errorf("native: resize to %dx%d: %w", width, height, err)
	}
	d.logger().Info("native: swapchain resized", "width", width, "height", height)
	return nil
}
