// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/splat/gpucore"
)

// Fence polling interval bounds.
const (
	minPollInterval = 50 * time.Microsecond
	maxPollInterval = 2 * time.Millisecond
)

// fence is signaled when the queue completes its submission index.
type fence struct {
	signaled bool
	pending  bool
	index    uint64
}

type semaphore struct {
	signaled bool
}

// submission is work handed to the HAL queue. Its resources are released
// once PollCompleted reaches index.
type submission struct {
	index   uint64
	cmd     *commandBuffer
	fence   *fence
	present *pendingPresent
}

// retiredResource is released once the queue completes the submission
// index current at retirement.
type retiredResource struct {
	after   uint64
	block   *memoryBlock
	release func()
}

// === Fences and semaphores ===

// CreateFence creates a fence.
func (d *Device) CreateFence(signaled bool) (gpucore.FenceID, error) {
	id := gpucore.FenceID(d.newID())
	d.mu.Lock()
	d.fences[id] = &fence{signaled: signaled}
	d.mu.Unlock()
	return id, nil
}

// WaitFence polls the queue until the fence's submission completes or the
// timeout elapses.
func (d *Device) WaitFence(id gpucore.FenceID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := minPollInterval
	for {
		d.mu.Lock()
		f, ok := d.fences[id]
		if !ok {
			d.mu.Unlock()
			return fmt.Errorf("native: wait fence %d: %w", id, gpucore.ErrUnknownResource)
		}
		d.pollLocked()
		signaled := f.signaled
		frames := d.takeFramesLocked()
		d.mu.Unlock()

		d.deliver(frames)
		if signaled {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("native: wait fence %d after %v: %w", id, timeout, gpucore.ErrTimeout)
		}
		time.Sleep(min(interval, remaining))
		interval = min(interval*2, maxPollInterval)
	}
}

// ResetFence returns a fence to the unsignaled state.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fences[id]
	if !ok {
		return fmt.Errorf("native: reset fence %d: %w", id, gpucore.ErrUnknownResource)
	}
	d.pollLocked()
	if f.pending {
		return fmt.Errorf("native: reset fence %d: submission in flight: %w", id, gpucore.ErrInvalidState)
	}
	f.signaled = false
	return nil
}

// DestroyFence releases a fence.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	delete(d.fences, id)
	d.mu.Unlock()
}

// CreateSemaphore creates an unsignaled binary semaphore.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	id := gpucore.SemaphoreID(d.newID())
	d.mu.Lock()
	d.semaphores[id] = &semaphore{}
	d.mu.Unlock()
	return id, nil
}

// DestroySemaphore releases a semaphore.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	delete(d.semaphores, id)
	d.mu.Unlock()
}

// checkSignalLocked reports whether a semaphore may be signaled.
// d.mu must be held.
func (d *Device) checkSignalLocked(id gpucore.SemaphoreID) error {
	s, ok := d.semaphores[id]
	if !ok {
		return fmt.Errorf("native: signal semaphore %d: %w", id, gpucore.ErrUnknownResource)
	}
	if s.signaled {
		return fmt.Errorf("native: signal semaphore %d: already signaled: %w", id, gpucore.ErrInvalidState)
	}
	return nil
}

// checkWaitLocked reports whether a semaphore may be waited on. Work runs
// in submission order, so the signal must already have been issued.
// d.mu must be held.
func (d *Device) checkWaitLocked(id gpucore.SemaphoreID) error {
	s, ok := d.semaphores[id]
	if !ok {
		return fmt.Errorf("native: wait semaphore %d: %w", id, gpucore.ErrUnknownResource)
	}
	if !s.signaled {
		return fmt.Errorf("native: wait semaphore %d: never signaled: %w", id, gpucore.ErrInvalidState)
	}
	return nil
}

// === Submission ===

// Submit validates synchronization and image layouts, then hands the
// command buffer to the HAL queue.
func (d *Device) Submit(cmd gpucore.CommandBuffer, info gpucore.SubmitInfo) error {
	cb, ok := cmd.(*commandBuffer)
	if !ok || cb == nil || cb.dev != d {
		return fmt.Errorf("native: submit: foreign command buffer %T", cmd)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("native: submit %q: %w", cb.label, gpucore.ErrDeviceLost)
	}
	if d.lost != nil {
		return fmt.Errorf("native: submit %q: %w: %w", cb.label, gpucore.ErrDeviceLost, d.lost)
	}
	if cb.submitted {
		return fmt.Errorf("native: submit %q: already submitted: %w", cb.label, gpucore.ErrInvalidState)
	}

	var f *fence
	if info.Fence != gpucore.InvalidID {
		f, ok = d.fences[info.Fence]
		if !ok {
			return fmt.Errorf("native: submit %q: fence %d: %w", cb.label, info.Fence, gpucore.ErrUnknownResource)
		}
		if f.signaled || f.pending {
			return fmt.Errorf("native: submit %q: fence %d not reset: %w", cb.label, info.Fence, gpucore.ErrInvalidState)
		}
	}
	for _, s := range info.Wait {
		if err := d.checkWaitLocked(s); err != nil {
			return fmt.Errorf("native: submit %q: %w", cb.label, err)
		}
	}
	for _, s := range info.Signal {
		if err := d.checkSignalLocked(s); err != nil {
			return fmt.Errorf("native: submit %q: %w", cb.label, err)
		}
	}
	layouts, err := d.applyTransitionsLocked(cb.transitions)
	if err != nil {
		return fmt.Errorf("native: submit %q: %w", cb.label, err)
	}

	index, err := d.queue.Submit([]hal.CommandBuffer{cb.hal})
	if err != nil {
		if errors.Is(err, hal.ErrDeviceLost) {
			d.lost = err
			d.logger().Warn("native: device lost", "label", cb.label, "err", err)
			return fmt.Errorf("native: submit %q: %w: %w", cb.label, gpucore.ErrDeviceLost, err)
		}
		return fmt.Errorf("native: submit %q: %w", cb.label, err)
	}

	for _, s := range info.Wait {
		d.semaphores[s].signaled = false
	}
	for _, s := range info.Signal {
		d.semaphores[s].signaled = true
	}
	for i, l := range layouts {
		d.images[i].layout = l
	}
	if f != nil {
		f.pending = true
		f.index = index
	}

	cb.submitted = true
	delete(d.recorded, cb)
	d.inflight = append(d.inflight, &submission{index: index, cmd: cb, fence: f})
	d.lastSubmit = max(d.lastSubmit, index)

	d.submits.Add(1)
	for k, n := range cb.dispatches {
		if n > 0 {
			d.dispatches[k].Add(n)
		}
	}
	return nil
}

// applyTransitionsLocked returns the image layouts after the transitions,
// failing on a transition whose source layout does not match. Transitions
// from ImageLayoutUndefined always apply. d.mu must be held.
func (d *Device) applyTransitionsLocked(ts []imageTransition) ([]gpucore.ImageLayout, error) {
	layouts := make([]gpucore.ImageLayout, len(d.images))
	for i, img := range d.images {
		layouts[i] = img.layout
	}
	for _, t := range ts {
		if int(t.image) >= len(layouts) {
			return nil, fmt.Errorf("transition image %d of %d: %w", t.image, len(layouts), gpucore.ErrInvalidState)
		}
		if t.from != gpucore.ImageLayoutUndefined && layouts[t.image] != t.from {
			return nil, fmt.Errorf("transition image %d from %s, image is %s: %w",
				t.image, t.from, layouts[t.image], gpucore.ErrInvalidState)
		}
		layouts[t.image] = t.to
	}
	return layouts, nil
}

// pollLocked releases everything the queue has completed. d.mu must be held.
func (d *Device) pollLocked() {
	d.collectLocked(d.queue.PollCompleted())
}

// collectLocked retires submissions with an index up to completed: fences
// are signaled, transient resources released and presented images read
// back. d.mu must be held.
func (d *Device) collectLocked(completed uint64) {
	n := 0
	for _, s := range d.inflight {
		if s.index > completed {
			d.inflight[n] = s
			n++
			continue
		}
		if s.fence != nil {
			s.fence.pending = false
			s.fence.signaled = true
		}
		if s.cmd != nil {
			s.cmd.release(d.dev)
		}
		if s.present != nil {
			d.completePresentLocked(s.present)
		}
	}
	clear(d.inflight[n:])
	d.inflight = d.inflight[:n]

	m := 0
	for _, r := range d.retired {
		if r.after > completed || (r.block != nil && r.block.refs > 0) {
			d.retired[m] = r
			m++
			continue
		}
		r.release()
	}
	clear(d.retired[m:])
	d.retired = d.retired[:m]
}

// retireLocked destroys a buffer once all work submitted so far completes
// and no recorded command buffer copies from it. d.mu must be held.
func (d *Device) retireLocked(m *memoryBlock) {
	d.retired = append(d.retired, retiredResource{
		after: d.lastSubmit,
		block: m,
		release: func() {
			d.dev.DestroyBuffer(m.hal)
			d.allocated -= m.size
		},
	})
	d.pollLocked()
}

// retirePipelineLocked destroys a pipeline once all work submitted so far
// completes. d.mu must be held.
func (d *Device) retirePipelineLocked(p *pipeline) {
	d.retired = append(d.retired, retiredResource{
		after:   d.lastSubmit,
		release: func() { p.destroy(d.dev) },
	})
	d.pollLocked()
}

// WaitIdle blocks until all submitted work has completed, delivers pending
// frames and returns a latched error, if any.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	if err := d.dev.WaitIdle(); err != nil {
		if errors.Is(err, hal.ErrDeviceLost) && d.lost == nil {
			d.lost = err
		}
		d.mu.Unlock()
		return fmt.Errorf("native: wait idle: %w: %w", gpucore.ErrDeviceLost, err)
	}
	d.collectLocked(max(d.queue.PollCompleted(), d.lastSubmit))
	frames := d.takeFramesLocked()
	d.mu.Unlock()

	d.deliver(frames)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return fmt.Errorf("native: %w: %w", gpucore.ErrDeviceLost, d.lost)
	}
	return nil
}
