// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

// Package native implements gpucore.Device on top of the wgpu hardware
// abstraction layer.
//
// Every kernel of the splat pipeline is a WGSL compute shader embedded in
// the package. Shaders are handed to the backend as WGSL, or compiled to
// SPIR-V with naga when Config.UseSPIRV is set.
//
// # Binding layout
//
// Group 0 holds the kernel's buffers at the binding numbers of
// internal/abi. Group 1 binding 0 holds the kernel's parameter block as a
// uniform with a dynamic offset: parameter blocks pushed while recording a
// command buffer are packed into one uniform buffer per command buffer.
//
// # Swapchain
//
// Swapchain images are storage buffers of packed RGBA8 pixels. Present
// copies the rendered region into a host-visible staging buffer and hands
// the pixels to the configured gpucore.Presenter once the copy completes.
//
// # Synchronization
//
// HAL queues report progress as monotonically increasing submission
// indices. Fences record the index of their submission and are signaled
// when PollCompleted reaches it. Binary semaphores are tracked on the host:
// the queue executes in order, so a wait only has to follow its signal.
package native
