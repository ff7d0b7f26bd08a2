package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Device is a physical or remote camera
type Device interface {
	// Open starts a live stream. Permission problems are reported with ErrPermissionDenied.
	Open(ctx context.Context) (Stream, error)
}

// Stream is a live camera stream
type Stream interface {
	// Frame grabs one encoded still frame and its content type
	Frame(ctx context.Context) ([]byte, string, error)
	// Close stops the stream and releases the device
	Close() error
}

// Camera owns a Device exclusively. Only one Handle can be open at a time.
type Camera struct {
	device Device

	mu    sync.Mutex
	inUse bool
}

// Handle is an open camera stream
type Handle struct {
	camera *Camera
	stream Stream

	once     sync.Once
	closed   atomic.Bool
	closeErr error
}

// NewCamera creates a Camera for device
func NewCamera(device Device) *Camera {
	return &Camera{device: device}
}

// Open claims the device and starts a stream
func (c *Camera) Open(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	if c.inUse {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: device busy", ErrCameraUnavailable)
	}
	c.inUse = true
	c.mu.Unlock()

	stream, err := c.device.Open(ctx)
	if err != nil {
		c.release()
		if errors.Is(err, ErrCameraUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: opening stream: %w", ErrCameraUnavailable, err)
	}

	return &Handle{camera: c, stream: stream}, nil
}

// Capture grabs one still frame from an open handle
func (c *Camera) Capture(ctx context.Context, h *Handle) (*Image, error) {
	if h == nil || h.closed.Load() {
		return nil, fmt.Errorf("%w: camera is not open", ErrCameraUnavailable)
	}

	data, contentType, err := h.stream.Frame(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, ErrCameraUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading frame: %w", ErrCameraUnavailable, err)
	}

	img, err := normalize(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding frame: %w", ErrCameraUnavailable, err)
	}
	return img, nil
}

// Close stops the stream and frees the device. It is safe to call with a nil
// handle and safe to call more than once.
func (c *Camera) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.stream.Close()
		h.camera.release()
	})
	return h.closeErr
}

func (c *Camera) release() {
	c.mu.Lock()
	c.inUse = false
	c.mu.Unlock()
}

// InUse reports whether a handle is currently open
func (c *Camera) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

// CameraSource acquires a single frame from a Camera. The camera is opened
// on Acquire, held until Trigger is called or ctx is cancelled, and always
// closed before Acquire returns.
type CameraSource struct {
	camera  *Camera
	shutter chan struct{}
}

// NewCameraSource creates a CameraSource bound to camera
func NewCameraSource(camera *Camera) *CameraSource {
	return &CameraSource{
		camera:  camera,
		shutter: make(chan struct{}, 1),
	}
}

// Trigger fires the shutter. It returns false if a capture is already pending.
func (s *CameraSource) Trigger() bool {
	select {
	case s.shutter <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire opens the camera, waits for the shutter and captures one frame
func (s *CameraSource) Acquire(ctx context.Context) (*Image, error) {
	h, err := s.camera.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.camera.Close(h); err != nil {
			slog.Warn("Failed to close camera", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.shutter:
	}

	return s.camera.Capture(ctx, h)
}

// NoDevice is used when no camera is configured. Opening it always fails.
type NoDevice struct{}

// Open always fails with ErrCameraUnavailable
func (NoDevice) Open(context.Context) (Stream, error) {
	return nil, fmt.Errorf("%w: no camera configured", ErrCameraUnavailable)
}
