package acquire

import (
	"context"
	"fmt"
)

// DefaultMaxFileSize caps uploads at 50MB to handle high-resolution phone photos
const DefaultMaxFileSize = int64(50 << 20)

// Selection is a file the user picked for scanning
type Selection struct {
	Filename    string
	ContentType string
	Data        []byte
}

// FileSource acquires an image from a user-selected file
type FileSource struct {
	selection Selection
	maxSize   int64
}

// NewFileSource creates a FileSource for one selection.
// A maxSize of zero or less uses DefaultMaxFileSize.
func NewFileSource(selection Selection, maxSize int64) *FileSource {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &FileSource{
		selection: selection,
		maxSize:   maxSize,
	}
}

// Acquire decodes the selection into a still image
func (f *FileSource) Acquire(ctx context.Context) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int64(len(f.selection.Data)) > f.maxSize {
		return nil, fmt.Errorf("%w: file is larger than %d bytes", ErrUnsupportedFormat, f.maxSize)
	}
	return FromSelection(f.selection)
}

// FromSelection decodes a selected file into a still image, failing with
// ErrUnsupportedFormat for anything that is not an image or a PDF.
func FromSelection(selection Selection) (*Image, error) {
	contentType := DetectContentType(selection.Filename, selection.ContentType, selection.Data)

	img, err := normalize(selection.Data, contentType)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", selection.Filename, err)
	}
	return img, nil
}
