package gpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/lumen/media"
)

// submitQueueDepth bounds committed-but-unexecuted command buffers. The
// per-pipeline in-flight gate keeps actual depth far below this; the bound
// exists so a stuck device surfaces as submit failures rather than
// unbounded memory growth.
const submitQueueDepth = 64

// SoftwareDevice executes command buffers on a single worker goroutine,
// preserving submission order. It stands in for a hardware queue in tests
// and headless operation; completion callbacks observe the same
// arbitrary-goroutine semantics a driver would give them.
type SoftwareDevice struct {
	log   *slog.Logger
	queue chan *CommandBuffer
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSoftwareDevice creates a SoftwareDevice and starts its worker.
// If log is nil, slog.Default() is used.
func NewSoftwareDevice(log *slog.Logger) *SoftwareDevice {
	if log == nil {
		log = slog.Default()
	}
	d := &SoftwareDevice{
		log:   log.With("component", "gpu"),
		queue: make(chan *CommandBuffer, submitQueueDepth),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *SoftwareDevice) run() {
	defer d.wg.Done()
	for cb := range d.queue {
		cb.execute()
	}
}

// AllocTexture allocates an RGBA texture. Only interleaved RGBA textures
// are device-resident; planar formats exist solely as source buffers.
func (d *SoftwareDevice) AllocTexture(width, height int, format media.PixelFormat) (*Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gpu: invalid texture size %dx%d", width, height)
	}
	if format != media.FormatRGBA8 {
		return nil, fmt.Errorf("gpu: unsupported texture format %s", format)
	}
	return &Texture{
		width:  width,
		height: height,
		format: format,
		pix:    make([]byte, width*height*4),
	}, nil
}

// Submit commits a command buffer for execution. It returns once the buffer
// is queued; execution and completion callbacks happen on the device worker.
// A full queue fails the submit immediately rather than blocking the caller.
func (d *SoftwareDevice) Submit(cb *CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	select {
	case d.queue <- cb:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains pending work and stops the worker. Submitting after Close
// returns ErrDeviceClosed.
func (d *SoftwareDevice) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
