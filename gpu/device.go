// Package gpu provides the GPU abstraction the processing core runs on:
// textures, asynchronously submitted command buffers, a recycling texture
// pool, and reference-counted frames. Submission follows the GPU contract
// used throughout the core: Submit returns as soon as work is committed,
// and completion callbacks run later on a device-owned goroutine. No caller
// may assume completion at submit-return time.
package gpu

import (
	"errors"
	"fmt"

	"github.com/zsiec/lumen/media"
)

// ErrDeviceClosed is returned when work is submitted to a closed device.
var ErrDeviceClosed = errors.New("gpu: device closed")

// ErrQueueFull is returned when the device's submit queue is at capacity.
var ErrQueueFull = errors.New("gpu: submit queue full")

// Texture is a device-allocated interleaved RGBA image. The backing store
// is owned by the device; holders must not write to a texture that is
// visible to other holders (single-writer/many-reader).
type Texture struct {
	width  int
	height int
	format media.PixelFormat
	pix    []byte
}

// Width returns the texture width in pixels.
func (t *Texture) Width() int { return t.width }

// Height returns the texture height in pixels.
func (t *Texture) Height() int { return t.height }

// Format returns the texture pixel format.
func (t *Texture) Format() media.PixelFormat { return t.format }

// Pix exposes the backing pixel store, 4 bytes per pixel in RGBA order.
// Commands recorded into a CommandBuffer may write here; everyone else
// must treat it as read-only.
func (t *Texture) Pix() []byte { return t.pix }

// Device is an asynchronous GPU work queue. AllocTexture is synchronous;
// Submit commits a command buffer and returns immediately, with execution
// and completion callbacks happening later on the device timeline.
type Device interface {
	AllocTexture(width, height int, format media.PixelFormat) (*Texture, error)
	Submit(cb *CommandBuffer) error
}

// Command is a single recorded GPU operation. Commands in a buffer execute
// in recording order on the device timeline.
type Command func() error

// CommandBuffer accumulates commands and completion callbacks for one
// submission. It is not safe for concurrent recording; record from one
// goroutine, then hand it to Submit.
type CommandBuffer struct {
	cmds        []Command
	completions []func(error)
}

// NewCommandBuffer returns an empty command buffer.
func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{}
}

// Record appends a command to the buffer.
func (cb *CommandBuffer) Record(cmd Command) {
	cb.cmds = append(cb.cmds, cmd)
}

// OnComplete registers a callback invoked after all commands have executed
// (or after the first command error). Callbacks run on the device timeline,
// in registration order, and must use the same synchronization discipline
// as any other cross-goroutine code.
func (cb *CommandBuffer) OnComplete(fn func(error)) {
	cb.completions = append(cb.completions, fn)
}

// Len returns the number of recorded commands.
func (cb *CommandBuffer) Len() int { return len(cb.cmds) }

// execute runs all commands in order, stopping at the first error, then
// fires completion callbacks with the outcome.
func (cb *CommandBuffer) execute() {
	var err error
	for i, cmd := range cb.cmds {
		if err = cmd(); err != nil {
			err = fmt.Errorf("command %d: %w", i, err)
			break
		}
	}
	for _, fn := range cb.completions {
		fn(err)
	}
}
