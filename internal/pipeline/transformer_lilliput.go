//go:build lilliput && cgo && !govips

package pipeline

import (
	"context"
	"fmt"

	"github.com/discord/lilliput"
)

// Upper bound for a single encoded output.
const lilliputOutputBufferSize = 64 * 1024 * 1024

type lilliputTransformer struct{}

func (t lilliputTransformer) Resize(ctx context.Context, input []byte, target Target) ([]byte, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, 0, ctx.Err()
	default:
	}

	if err := checkTarget(target.Width, target.Height); err != nil {
		return nil, 0, 0, err
	}

	fileType, encodeOptions, err := lilliputEncoding(target.Format, target.Quality)
	if err != nil {
		return nil, 0, 0, err
	}

	decoder, err := lilliput.NewDecoder(input)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode source image: %w", err)
	}
	defer decoder.Close()

	header, err := decoder.Header()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read image header: %w", err)
	}
	if header.Width() == 0 || header.Height() == 0 {
		return nil, 0, 0, fmt.Errorf("source image has invalid dimensions")
	}

	ops := lilliput.NewImageOps(max(max(header.Width(), header.Height()), max(target.Width, target.Height)))
	defer ops.Close()

	opts := &lilliput.ImageOptions{
		FileType:             fileType,
		Width:                target.Width,
		Height:               target.Height,
		ResizeMethod:         lilliput.ImageOpsResize,
		NormalizeOrientation: true,
		EncodeOptions:        encodeOptions,
	}

	data, err := ops.Transform(decoder, opts, make([]byte, lilliputOutputBufferSize))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("resize image: %w", err)
	}

	return data, target.Width, target.Height, nil
}

func lilliputEncoding(format string, quality int) (string, map[int]int, error) {
	switch format {
	case "jpeg":
		return ".jpeg", map[int]int{lilliput.JpegQuality: normalizeQuality(quality)}, nil
	case "png":
		return ".png", map[int]int{lilliput.PngCompression: 7}, nil
	case "webp":
		return ".webp", map[int]int{lilliput.WebpQuality: normalizeQuality(quality)}, nil
	case "gif":
		return ".gif", nil, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedOutputFormat, format)
	}
}
