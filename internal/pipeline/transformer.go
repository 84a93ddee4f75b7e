package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxOutputPixels caps width*height for a single output. 100 megapixels of
// RGBA is 400MB before encoding.
const MaxOutputPixels int64 = 100_000_000

var (
	ErrUnsupportedOutputFormat = errors.New("unsupported output format")
	ErrOutputTooLarge          = errors.New("output exceeds pixel budget")
)

// Target describes one resize: the exact output size and the encoding
// implied by the original file extension.
type Target struct {
	Width   int
	Height  int
	Format  string
	Quality int
}

type Transformer interface {
	Resize(ctx context.Context, input []byte, target Target) (data []byte, width, height int, err error)
}

// FormatForExtension maps an allow-listed extension to its encoder name.
func FormatForExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), ".")) {
	case "jpg", "jpeg":
		return "jpeg"
	case "png":
		return "png"
	case "webp":
		return "webp"
	case "gif":
		return "gif"
	case "tiff", "tif":
		return "tiff"
	default:
		return ""
	}
}

// checkTarget runs before any backend allocates the output buffer.
func checkTarget(width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.New("resize requires width > 0 and height > 0")
	}
	if int64(height) > MaxOutputPixels/int64(width) {
		return fmt.Errorf("%w: %dx%d is over %d pixels", ErrOutputTooLarge, width, height, MaxOutputPixels)
	}
	return nil
}

func normalizeQuality(quality int) int {
	if quality <= 0 || quality > 100 {
		return 85
	}
	return quality
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
