package pipeline

import (
	"strings"

	"github.com/dunamismax/bulkresize/internal/domain"
)

const (
	VerdictAccepted           = "accepted"
	VerdictSkippedUnsupported = "skipped_unsupported"
)

var supportedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".gif":  {},
	".tiff": {},
}

type Classification struct {
	File    domain.UploadedFile
	Verdict string
}

func (c Classification) Accepted() bool {
	return c.Verdict == VerdictAccepted
}

// IsSupported reports whether ext, leading dot included, is on the
// allow-list. Case is ignored.
func IsSupported(ext string) bool {
	_, ok := supportedExtensions[strings.ToLower(strings.TrimSpace(ext))]
	return ok
}

// Classify tags every file in submission order.
func Classify(files []domain.UploadedFile) []Classification {
	out := make([]Classification, 0, len(files))
	for _, f := range files {
		verdict := VerdictSkippedUnsupported
		if IsSupported(f.Extension) {
			verdict = VerdictAccepted
		}
		out = append(out, Classification{File: f, Verdict: verdict})
	}
	return out
}
