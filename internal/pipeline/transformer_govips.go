//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsTransformer struct{}

func (t govipsTransformer) Resize(ctx context.Context, input []byte, target Target) ([]byte, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, 0, ctx.Err()
	default:
	}

	if err := checkTarget(target.Width, target.Height); err != nil {
		return nil, 0, 0, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if err := applyGovipsResize(img, target.Width, target.Height); err != nil {
		return nil, 0, 0, err
	}

	data, err := exportGovipsImage(img, target.Format, target.Quality)
	if err != nil {
		return nil, 0, 0, err
	}

	return data, img.Width(), img.Height(), nil
}

func applyGovipsResize(img *vips.ImageRef, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("resize requires width > 0 and height > 0")
	}
	if img.Width() <= 0 || img.Height() <= 0 {
		return fmt.Errorf("source image has invalid dimensions")
	}

	hScale := float64(width) / float64(img.Width())
	vScale := float64(height) / float64(img.Height())
	if err := img.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return snapToSize(img, width, height)
}

// snapToSize trims or edge-extends the rounding error libvips can leave on
// either axis so the output is exactly width x height.
func snapToSize(img *vips.ImageRef, width, height int) error {
	if img.Width() > width || img.Height() > height {
		if err := img.ExtractArea(0, 0, min(img.Width(), width), min(img.Height(), height)); err != nil {
			return fmt.Errorf("crop to %dx%d: %w", width, height, err)
		}
	}
	if img.Width() < width || img.Height() < height {
		if err := img.Embed(0, 0, width, height, vips.ExtendCopy); err != nil {
			return fmt.Errorf("extend to %dx%d: %w", width, height, err)
		}
	}
	if img.Width() != width || img.Height() != height {
		return fmt.Errorf("resize produced %dx%d, want %dx%d", img.Width(), img.Height(), width, height)
	}
	return nil
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		params.Quality = normalizeQuality(quality)
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "png":
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		params.Quality = normalizeQuality(quality)
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case "gif":
		data, _, err := img.ExportGIF(vips.NewGifExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	case "tiff":
		data, _, err := img.ExportTiff(vips.NewTiffExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOutputFormat, format)
	}
}
