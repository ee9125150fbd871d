// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cpu

import (
	"encoding/binary"
	"fmt"
	"image"

	"github.com/chewxy/math32"

	"github.com/gogpu/splat/gpucore"
)

type presentOp struct {
	image  uint32
	wait   gpucore.SemaphoreID
	region gpucore.Extent
	scale  uint32
}

// queueItem is either a command buffer submission or a present request.
type queueItem struct {
	cmd     *commandBuffer
	info    gpucore.SubmitInfo
	fence   *fence
	present *presentOp
}

// Submit queues a command buffer. Validation of the fence happens here;
// execution errors are reported through the fence.
func (d *Device) Submit(cmd gpucore.CommandBuffer, info gpucore.SubmitInfo) error {
	cb, ok := cmd.(*commandBuffer)
	if !ok || cb == nil {
		return fmt.Errorf("cpu: submit: foreign command buffer %T", cmd)
	}

	d.mu.Lock()
	if d.lost != nil {
		err := d.lost
		d.mu.Unlock()
		return fmt.Errorf("cpu: submit %q: %w: %w", cb.label, gpucore.ErrDeviceLost, err)
	}
	if cb.submitted {
		d.mu.Unlock()
		return fmt.Errorf("cpu: submit %q: already submitted: %w", cb.label, gpucore.ErrInvalidState)
	}
	var f *fence
	if info.Fence != gpucore.InvalidID {
		f, ok = d.fences[info.Fence]
		if !ok {
			d.mu.Unlock()
			return fmt.Errorf("cpu: submit %q: fence %d: %w", cb.label, info.Fence, gpucore.ErrUnknownResource)
		}
		if f.signaled || f.pending {
			d.mu.Unlock()
			return fmt.Errorf("cpu: submit %q: fence %d not reset: %w", cb.label, info.Fence, gpucore.ErrInvalidState)
		}
		f.pending = true
	}
	cb.submitted = true
	d.mu.Unlock()

	return d.enqueue(queueItem{cmd: cb, info: info, fence: f})
}

func (d *Device) enqueue(item queueItem) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("cpu: queue closed: %w", gpucore.ErrDeviceLost)
	}
	d.idle.Add(1)
	d.mu.Unlock()

	d.queue <- item
	return nil
}

// run is the queue goroutine. It executes items strictly in order.
func (d *Device) run() {
	defer close(d.queueDone)
	for item := range d.queue {
		if item.present != nil {
			d.executePresent(item.present)
		} else {
			d.executeSubmission(item)
		}
		d.idle.Done()
	}
}

func (d *Device) executeSubmission(item queueItem) {
	var err error

	d.mu.Lock()
	for _, s := range item.info.Wait {
		if err = d.consumeLocked(s); err != nil {
			break
		}
	}
	d.mu.Unlock()

	if err == nil {
		for i := range item.cmd.ops {
			if err = d.execute(&item.cmd.ops[i]); err != nil {
				err = fmt.Errorf("cpu: execute %q op %d: %w", item.cmd.label, i, err)
				break
			}
		}
	}
	d.submits.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range item.info.Signal {
		if serr := d.signalLocked(s); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil && d.lost == nil {
		d.lost = err
		d.logger().Warn("cpu: submission failed", "label", item.cmd.label, "err", err)
	}
	if f := item.fence; f != nil {
		f.err = err
		f.pending = false
		f.signaled = true
		close(f.done)
	}
}

func (d *Device) executePresent(p *presentOp) {
	d.mu.Lock()
	err := d.consumeLocked(p.wait)
	var img *swapImage
	if err == nil && int(p.image) < len(d.images) {
		img = d.images[p.image]
		if img.layout != gpucore.ImageLayoutPresentSrc {
			err = fmt.Errorf("cpu: present image %d in layout %s: %w", p.image, img.layout, gpucore.ErrInvalidState)
		}
	}
	presenter := d.presenter
	d.mu.Unlock()

	if err == nil && img != nil && presenter != nil {
		r := image.Rect(0, 0, int(p.region.Width), int(p.region.Height)).Intersect(img.pix.Rect)
		frame := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
		for y := 0; y < r.Dy(); y++ {
			copy(frame.Pix[y*frame.Stride:y*frame.Stride+r.Dx()*4], img.pix.Pix[y*img.pix.Stride:])
		}
		if perr := presenter.Present(frame, max(p.scale, 1)); perr != nil {
			err = fmt.Errorf("cpu: presenter: %w", perr)
		}
	}

	d.mu.Lock()
	if err != nil && d.lost == nil {
		d.lost = err
		d.logger().Warn("cpu: present failed", "image", p.image, "err", err)
	}
	d.mu.Unlock()
	if img != nil {
		select {
		case img.available <- struct{}{}:
		default:
		}
	}
}

// execute runs one recorded command.
func (d *Device) execute(o *op) error {
	switch o.kind {
	case opDispatch:
		return d.executeDispatch(o)

	case opCopy:
		d.mu.Lock()
		defer d.mu.Unlock()
		_, src, err := d.lookupLocked(o.src)
		if err != nil {
			return err
		}
		_, dst, err := d.lookupLocked(o.dst)
		if err != nil {
			return err
		}
		if o.srcOff+o.size > uint64(len(src)) || o.dstOff+o.size > uint64(len(dst)) {
			return fmt.Errorf("copy of %d bytes out of bounds", o.size)
		}
		copy(dst[o.dstOff:o.dstOff+o.size], src[o.srcOff:o.srcOff+o.size])
		return nil

	case opFill:
		d.mu.Lock()
		defer d.mu.Unlock()
		_, dst, err := d.lookupLocked(o.dst)
		if err != nil {
			return err
		}
		if o.dstOff+o.size > uint64(len(dst)) {
			return fmt.Errorf("fill of %d bytes out of bounds", o.size)
		}
		for off := o.dstOff; off < o.dstOff+o.size; off += 4 {
			binary.LittleEndian.PutUint32(dst[off:], o.value)
		}
		return nil

	case opTransition:
		d.mu.Lock()
		defer d.mu.Unlock()
		img, err := d.imageLocked(o.image)
		if err != nil {
			return err
		}
		if o.from != gpucore.ImageLayoutUndefined && img.layout != o.from {
			return fmt.Errorf("transition image %d from %s, but it is in %s: %w",
				o.image, o.from, img.layout, gpucore.ErrInvalidState)
		}
		img.layout = o.to
		return nil

	case opClearImage:
		d.mu.Lock()
		defer d.mu.Unlock()
		img, err := d.imageLocked(o.image)
		if err != nil {
			return err
		}
		if img.layout != gpucore.ImageLayoutGeneral {
			return fmt.Errorf("clear image %d in layout %s: %w", o.image, img.layout, gpucore.ErrInvalidState)
		}
		px := packRGBA(o.color)
		for i := 0; i < len(img.pix.Pix); i += 4 {
			copy(img.pix.Pix[i:i+4], px[:])
		}
		return nil

	default:
		return fmt.Errorf("unknown op %d", o.kind)
	}
}

func (d *Device) imageLocked(index uint32) (*swapImage, error) {
	if int(index) >= len(d.images) {
		return nil, fmt.Errorf("image %d of %d: %w", index, len(d.images), gpucore.ErrUnknownResource)
	}
	return d.images[index], nil
}

// executeDispatch resolves the bindings of a dispatch and runs its kernel.
func (d *Device) executeDispatch(o *op) error {
	res := resources{params: o.params}

	d.mu.Lock()
	for slot, kind := range o.pipeline.kinds {
		b := o.bindings[slot]
		if kind == gpucore.BindingImage {
			img, err := d.imageLocked(b.Image)
			if err != nil {
				d.mu.Unlock()
				return err
			}
			if img.layout != gpucore.ImageLayoutGeneral {
				d.mu.Unlock()
				return fmt.Errorf("%s writes image %d in layout %s: %w",
					o.pipeline.kernel, b.Image, img.layout, gpucore.ErrInvalidState)
			}
			res.image = img.pix
			continue
		}
		_, mem, err := d.lookupLocked(b.Buffer)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("%s binding %d: %w", o.pipeline.kernel, slot, err)
		}
		res.buffers[slot] = mem
	}
	d.mu.Unlock()

	run := kernels[o.pipeline.kernel]
	if run == nil {
		return fmt.Errorf("no kernel for %s", o.pipeline.kernel)
	}
	if err := run(d.pool, &res, o.groups); err != nil {
		return fmt.Errorf("%s: %w", o.pipeline.kernel, err)
	}
	d.dispatches[o.pipeline.kernel].Add(1)
	d.logger().Debug("cpu: dispatched", "kernel", o.pipeline.kernel,
		"workgroups", o.groups[0]*o.groups[1]*o.groups[2])
	return nil
}

// packRGBA converts a linear color to RGBA8.
func packRGBA(c [4]float32) [4]byte {
	var px [4]byte
	for i, v := range c {
		px[i] = uint8(math32.Round(min(max(v, 0), 1) * 255))
	}
	return px
}
