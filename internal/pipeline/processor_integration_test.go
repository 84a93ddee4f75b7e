package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/bulkresize/internal/domain"
)

func TestLocalProcessor_SkipsUnsupportedAndKeepsOrder(t *testing.T) {
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")

	files := []domain.UploadedFile{
		writeUpload(t, tmp, "a.jpg", buildTestJPEG(t, 240, 120)),
		writeUpload(t, tmp, "b.txt", []byte("not an image")),
		writeUpload(t, tmp, "c.png", buildTestPNG(t, 60, 200)),
	}

	processor := newTestProcessor(t, outputDir, 1)
	result, err := processor.Process(context.Background(), domain.UploadBatch{
		ID:         "batch-1",
		Dimensions: domain.Dimensions{Width: 100, Height: 100},
		Files:      files,
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	want := []string{filepath.Join(outputDir, "a.jpg"), filepath.Join(outputDir, "c.png")}
	if result.Count() != 2 {
		t.Fatalf("expected 2 outputs, got %d (%v)", result.Count(), result.Outputs)
	}
	for i := range want {
		if result.Outputs[i] != want[i] {
			t.Fatalf("output %d: expected %s, got %s", i, want[i], result.Outputs[i])
		}
		verifyImageSize(t, result.Outputs[i], 100, 100)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "b.txt" {
		t.Fatalf("expected b.txt to be skipped, got %v", result.Skipped)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("expected no failures, got %v", result.Failures)
	}
	if result.State != domain.BatchStateCompleted {
		t.Fatalf("expected state %s, got %s", domain.BatchStateCompleted, result.State)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "b.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no output for skipped file, stat err=%v", err)
	}

	assertFormat(t, result.Outputs[0], "jpeg")
	assertFormat(t, result.Outputs[1], "png")
}

func TestLocalProcessor_InvalidDimensionsTouchNothing(t *testing.T) {
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	processor := newTestProcessor(t, outputDir, 1)

	_, err := processor.Process(context.Background(), domain.UploadBatch{
		ID:         "batch-invalid",
		Dimensions: domain.Dimensions{Width: 0, Height: 100},
		Files:      []domain.UploadedFile{writeUpload(t, tmp, "a.png", buildTestPNG(t, 10, 10))},
	})
	if !domain.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := os.Stat(outputDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected output dir to stay absent, stat err=%v", err)
	}
}

func TestLocalProcessor_ContinuesAfterFailingFile(t *testing.T) {
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")

	valid := buildTestPNG(t, 50, 50)
	files := []domain.UploadedFile{
		writeUpload(t, tmp, "garbage.png", []byte("plain text with a png extension")),
		writeUpload(t, tmp, "truncated.png", valid[:40]),
		writeUpload(t, tmp, "good.png", valid),
	}

	processor := newTestProcessor(t, outputDir, 1)
	result, err := processor.Process(context.Background(), domain.UploadBatch{
		ID:         "batch-failures",
		Dimensions: domain.Dimensions{Width: 20, Height: 30},
		Files:      files,
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if result.Count() != 1 || filepath.Base(result.Outputs[0]) != "good.png" {
		t.Fatalf("expected only good.png to be resized, got %v", result.Outputs)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %v", result.Failures)
	}
	if result.Failures[0].Name != "garbage.png" || result.Failures[0].Stage != StageSniff {
		t.Fatalf("expected sniff failure for garbage.png, got %+v", result.Failures[0])
	}
	if result.Failures[1].Name != "truncated.png" || result.Failures[1].Stage != StageTransform {
		t.Fatalf("expected transform failure for truncated.png, got %+v", result.Failures[1])
	}
	verifyImageSize(t, result.Outputs[0], 20, 30)
}

func TestLocalProcessor_SameInputTwiceKeepsDimensions(t *testing.T) {
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	file := writeUpload(t, tmp, "photo.jpeg", buildTestJPEG(t, 320, 240))

	processor := newTestProcessor(t, outputDir, 1)
	batch := domain.UploadBatch{
		ID:         "batch-repeat",
		Dimensions: domain.Dimensions{Width: 64, Height: 48},
		Files:      []domain.UploadedFile{file},
	}

	for i := 0; i < 2; i++ {
		result, err := processor.Process(context.Background(), batch)
		if err != nil {
			t.Fatalf("run %d: process batch: %v", i, err)
		}
		if result.Count() != 1 {
			t.Fatalf("run %d: expected one output, got %v", i, result.Outputs)
		}
		verifyImageSize(t, result.Outputs[0], 64, 48)
	}
}

func TestProcessor_ConcurrentRunKeepsSubmissionOrder(t *testing.T) {
	outputDir := filepath.Join(t.TempDir(), "output")
	processor := newTestProcessor(t, outputDir, 4)
	processor.fetcher = staticFetcher{data: buildTestPNG(t, 8, 8)}
	processor.transformer = passthroughTransformer{}
	processor.emitter = &recordingEmitter{}

	var files []domain.UploadedFile
	var want []string
	for i := 0; i < 9; i++ {
		name := string(rune('a'+i)) + ".png"
		if i%3 == 1 {
			name = string(rune('a'+i)) + ".bmp"
		} else {
			want = append(want, name)
		}
		files = append(files, domain.NewUploadedFile(name, ""))
	}

	result, err := processor.Process(context.Background(), domain.UploadBatch{
		ID:         "batch-order",
		Dimensions: domain.Dimensions{Width: 5, Height: 5},
		Files:      files,
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if len(result.Outputs) != len(want) {
		t.Fatalf("expected %d outputs, got %v", len(want), result.Outputs)
	}
	for i := range want {
		if result.Outputs[i] != want[i] {
			t.Fatalf("output %d: expected %s, got %s (all=%v)", i, want[i], result.Outputs[i], result.Outputs)
		}
	}
	if len(result.Skipped) != 3 {
		t.Fatalf("expected 3 skipped files, got %v", result.Skipped)
	}
}

func TestLocalProcessor_OversizedTargetFailsFileWithoutCrashing(t *testing.T) {
	tmp := t.TempDir()
	processor := newTestProcessor(t, filepath.Join(tmp, "output"), 2)

	dims, err := domain.ParseDimensions("2000000000", "2000000000")
	if err != nil {
		t.Fatalf("parse dimensions: %v", err)
	}

	result, err := processor.Process(context.Background(), domain.UploadBatch{
		ID:         "batch-huge",
		Dimensions: dims,
		Files:      []domain.UploadedFile{writeUpload(t, tmp, "tiny.png", buildTestPNG(t, 8, 8))},
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.Count() != 0 {
		t.Fatalf("expected no outputs, got %v", result.Outputs)
	}
	if len(result.Failures) != 1 || result.Failures[0].Stage != StageTransform {
		t.Fatalf("expected one transform failure, got %+v", result.Failures)
	}
}

func TestProcessor_PanickingTransformerFailsOnlyThatFile(t *testing.T) {
	processor := newTestProcessor(t, filepath.Join(t.TempDir(), "output"), 1)
	processor.fetcher = staticFetcher{data: buildTestPNG(t, 8, 8)}
	processor.transformer = &panicOnceTransformer{}
	processor.emitter = &recordingEmitter{}

	result, err := processor.Process(context.Background(), domain.UploadBatch{
		ID:         "batch-panic",
		Dimensions: domain.Dimensions{Width: 4, Height: 4},
		Files: []domain.UploadedFile{
			domain.NewUploadedFile("a.png", ""),
			domain.NewUploadedFile("b.png", ""),
		},
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(result.Outputs) != 1 || result.Outputs[0] != "b.png" {
		t.Fatalf("expected only b.png to succeed, got %v", result.Outputs)
	}
	if len(result.Failures) != 1 || result.Failures[0].Name != "a.png" || result.Failures[0].Stage != StagePanic {
		t.Fatalf("expected panic failure for a.png, got %+v", result.Failures)
	}
}

func TestProcessor_CancelledContextStopsBatch(t *testing.T) {
	tmp := t.TempDir()
	processor := newTestProcessor(t, filepath.Join(tmp, "output"), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := processor.Process(ctx, domain.UploadBatch{
		ID:         "batch-cancelled",
		Dimensions: domain.Dimensions{Width: 10, Height: 10},
		Files:      []domain.UploadedFile{writeUpload(t, tmp, "a.png", buildTestPNG(t, 20, 20))},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.Count() != 0 || len(result.Failures) != 0 {
		t.Fatalf("expected no outputs or failures, got %+v", result)
	}
}

func TestProcessor_MirrorsOutputsToObjectStorage(t *testing.T) {
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	processor := newTestProcessor(t, outputDir, 1)

	writer := &captureObjectWriter{failKey: "mirror/batch-mirror/b.png"}
	processor.EnableMirror(writer, "/mirror/")

	result, err := processor.Process(context.Background(), domain.UploadBatch{
		ID:         "batch-mirror",
		Dimensions: domain.Dimensions{Width: 12, Height: 12},
		Files: []domain.UploadedFile{
			writeUpload(t, tmp, "a.png", buildTestPNG(t, 30, 30)),
			writeUpload(t, tmp, "b.png", buildTestPNG(t, 30, 30)),
		},
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if result.Count() != 2 {
		t.Fatalf("expected mirror failure to keep local output, got %v", result.Outputs)
	}
	if len(writer.keys) != 2 || writer.keys[0] != "mirror/batch-mirror/a.png" {
		t.Fatalf("unexpected mirrored keys %v", writer.keys)
	}
	if writer.contentTypes[0] != "image/png" {
		t.Fatalf("expected image/png content type, got %s", writer.contentTypes[0])
	}
}

func TestLocalDirEmitter_LastWriteWins(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	emitter := LocalDirEmitter{OutputDir: dir}
	if err := emitter.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := emitter.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare twice: %v", err)
	}

	file := domain.NewUploadedFile("same.png", "")
	for _, body := range []string{"first", "second"} {
		if _, err := emitter.Emit(context.Background(), "b", file, []byte(body), "png"); err != nil {
			t.Fatalf("emit %s: %v", body, err)
		}
	}

	got, err := os.ReadFile(filepath.Join(dir, "same.png"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("expected last write to win, got %q", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestOutputNameRejectsEmptyNames(t *testing.T) {
	if name, err := outputName("nested/dir/photo.JPG"); err != nil || name != "photo.JPG" {
		t.Fatalf("expected photo.JPG, got %q err=%v", name, err)
	}
	for _, bad := range []string{"", ".", ".."} {
		if _, err := outputName(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func newTestProcessor(t testing.TB, outputDir string, concurrency int) *Processor {
	t.Helper()

	processor, err := NewLocalProcessor(nil, Config{
		OutputDir:   outputDir,
		Concurrency: concurrency,
		Quality:     80,
	})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}
	return processor
}

func writeUpload(t *testing.T, dir, name string, data []byte) domain.UploadedFile {
	t.Helper()

	tempPath := filepath.Join(dir, "upload-"+name)
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		t.Fatalf("write upload %s: %v", name, err)
	}
	return domain.NewUploadedFile(name, tempPath)
}

func buildTestImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return img
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, buildTestImage(w, h)); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func buildTestJPEG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, buildTestImage(w, h), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode source jpeg: %v", err)
	}
	return buf.Bytes()
}

func verifyImageSize(t *testing.T, path string, wantW, wantH int) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	if cfg.Width != wantW || cfg.Height != wantH {
		t.Fatalf("expected %dx%d, got %dx%d", wantW, wantH, cfg.Width, cfg.Height)
	}
}

func assertFormat(t *testing.T, path, want string) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	_, format, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	if format != want {
		t.Fatalf("expected %s encoding for %s, got %s", want, path, format)
	}
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ domain.UploadedFile) ([]byte, error) {
	return f.data, nil
}

type passthroughTransformer struct{}

func (passthroughTransformer) Resize(_ context.Context, input []byte, target Target) ([]byte, int, int, error) {
	return input, target.Width, target.Height, nil
}

type panicOnceTransformer struct {
	calls atomic.Int32
}

func (p *panicOnceTransformer) Resize(_ context.Context, input []byte, target Target) ([]byte, int, int, error) {
	if p.calls.Add(1) == 1 {
		panic("decoder state corrupted")
	}
	return input, target.Width, target.Height, nil
}

// recordingEmitter finishes earlier file names last so completion order
// differs from submission order.
type recordingEmitter struct {
	mu    sync.Mutex
	names []string
}

func (e *recordingEmitter) Prepare(_ context.Context) error {
	return nil
}

func (e *recordingEmitter) Emit(_ context.Context, _ string, file domain.UploadedFile, _ []byte, _ string) (string, error) {
	time.Sleep(time.Duration('j'-rune(file.OriginalName[0])) * time.Millisecond)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, file.OriginalName)
	return file.OriginalName, nil
}

type captureObjectWriter struct {
	mu           sync.Mutex
	failKey      string
	keys         []string
	contentTypes []string
}

func (w *captureObjectWriter) WriteObject(_ context.Context, objectKey string, _ []byte, contentType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, objectKey)
	w.contentTypes = append(w.contentTypes, contentType)
	if objectKey == w.failKey {
		return errors.New("bucket unavailable")
	}
	return nil
}
