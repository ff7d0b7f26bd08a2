package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/zombor/text-scanner/internal/acquire"
)

// DefaultLanguage is the language hint used when none is configured
const DefaultLanguage = "eng"

// ErrRecognitionFailed wraps every engine-side failure. Callers should not
// inspect anything beyond errors.Is(err, ErrRecognitionFailed).
var ErrRecognitionFailed = errors.New("recognition failed")

// Recognizer defines the interface for text recognition operations
type Recognizer interface {
	// Recognize extracts the text in img. An image without text yields an
	// empty string and no error.
	Recognize(ctx context.Context, img *acquire.Image, lang string) (string, error)
	// Close closes the recognizer and releases resources
	Close() error
}

func failed(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRecognitionFailed, step, err)
}
