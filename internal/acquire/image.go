package acquire

import (
	"context"
	"errors"
)

var (
	// ErrCameraUnavailable is returned when the camera cannot be opened or read,
	// including when the user denied device permission.
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrPermissionDenied marks a camera failure caused by a denied permission.
	// It is always wrapped together with ErrCameraUnavailable.
	ErrPermissionDenied = errors.New("camera permission denied")

	// ErrUnsupportedFormat is returned when a selected file is not a decodable image.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Image is a single still image ready for recognition.
// Data is always PNG encoded regardless of what was acquired.
type Image struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Source produces one still image per call. FileSource and CameraSource
// are the two implementations.
type Source interface {
	Acquire(ctx context.Context) (*Image, error)
}
