package pipeline

import (
	"context"
	"errors"
	"log"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/bulkresize/internal/domain"
)

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// MirrorEmitter persists through Primary and then copies the output to
// object storage under <prefix>/<batch id>/<file name>. Upload errors are
// logged only; the local output stays authoritative.
type MirrorEmitter struct {
	Primary Emitter
	Storage ObjectWriter
	Prefix  string
	Logger  *log.Logger
}

func (e MirrorEmitter) Prepare(ctx context.Context) error {
	if e.Primary == nil {
		return errors.New("primary emitter is required")
	}
	return e.Primary.Prepare(ctx)
}

func (e MirrorEmitter) Emit(ctx context.Context, batchID string, file domain.UploadedFile, data []byte, format string) (string, error) {
	written, err := e.Primary.Emit(ctx, batchID, file, data, format)
	if err != nil {
		return "", err
	}
	if e.Storage == nil {
		return written, nil
	}

	objectKey := path.Join(
		defaultOutputPrefix(e.Prefix),
		sanitizePathToken(batchID),
		filepath.Base(written),
	)
	if err := e.Storage.WriteObject(ctx, objectKey, data, contentTypeForFormat(format)); err != nil && e.Logger != nil {
		e.Logger.Printf("mirror upload failed batch_id=%s name=%s key=%s err=%v", batchID, file.OriginalName, objectKey, err)
	}
	return written, nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "outputs"
	}
	return prefix
}

func contentTypeForFormat(format string) string {
	switch FormatForExtension(format) {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
