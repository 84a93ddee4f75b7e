package api

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/dunamismax/bulkresize/internal/domain"
)

type intake struct {
	dir   string
	files []domain.UploadedFile
}

// materialize copies each multipart part into a fresh temp directory under
// root, creating root when missing. Parts are stored under their position so client-supplied names
// never become paths; the original name travels with the UploadedFile.
func materialize(root string, headers []*multipart.FileHeader) (*intake, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create upload root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "batch-*")
	if err != nil {
		return nil, fmt.Errorf("create intake dir: %w", err)
	}

	in := &intake{dir: dir, files: make([]domain.UploadedFile, 0, len(headers))}
	for i, header := range headers {
		file := domain.NewUploadedFile(header.Filename, filepath.Join(dir, fmt.Sprintf("%04d%s", i, filepath.Ext(header.Filename))))
		if err := copyPart(header, file.TempPath); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("store part %q: %w", header.Filename, err)
		}
		in.files = append(in.files, file)
	}
	return in, nil
}

func copyPart(header *multipart.FileHeader, dest string) error {
	src, err := header.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (in *intake) cleanup(logger *log.Logger) {
	if err := os.RemoveAll(in.dir); err != nil {
		logger.Printf("intake cleanup failed dir=%s err=%v", in.dir, err)
	}
}
