package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/bulkresize/internal/domain"
	"github.com/h2non/filetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	StageFetch     = "fetch"
	StageSniff     = "sniff"
	StageTransform = "transform"
	StageEmit      = "emit"
	// StagePanic marks a file whose processing panicked.
	StagePanic = "panic"
)

// filetype only inspects the leading bytes.
const sniffHeaderBytes = 262

var ErrNotImage = errors.New("content is not a recognized image")

// TransformFailure records why one accepted file produced no output.
type TransformFailure struct {
	Name  string
	Stage string
	Err   error
}

func (f *TransformFailure) Error() string {
	return fmt.Sprintf("%s stage file=%s: %v", f.Stage, f.Name, f.Err)
}

func (f *TransformFailure) Unwrap() error {
	return f.Err
}

type Fetcher interface {
	Fetch(ctx context.Context, file domain.UploadedFile) ([]byte, error)
}

type Emitter interface {
	Prepare(ctx context.Context) error
	Emit(ctx context.Context, batchID string, file domain.UploadedFile, data []byte, format string) (string, error)
}

type Config struct {
	OutputDir    string
	Concurrency  int
	Quality      int
	MaxDimension int
}

type Processor struct {
	logger       *log.Logger
	fetcher      Fetcher
	transformer  Transformer
	emitter      Emitter
	concurrency  int
	quality      int
	maxDimension int
	tracer       trace.Tracer
}

func NewLocalProcessor(logger *log.Logger, cfg Config) (*Processor, error) {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("output directory is required")
	}

	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Processor{
		logger:       logger,
		fetcher:      LocalFileFetcher{},
		transformer:  transformer,
		emitter:      LocalDirEmitter{OutputDir: cfg.OutputDir},
		concurrency:  max(1, cfg.Concurrency),
		quality:      cfg.Quality,
		maxDimension: cfg.MaxDimension,
		tracer:       otel.Tracer("bulkresize/pipeline"),
	}, nil
}

// EnableMirror uploads every persisted output to object storage as well.
func (p *Processor) EnableMirror(storage ObjectWriter, prefix string) {
	p.emitter = MirrorEmitter{
		Primary: p.emitter,
		Storage: storage,
		Prefix:  prefix,
		Logger:  p.logger,
	}
}

// Process runs one batch. Unsupported files are skipped and per-file
// failures are tallied; only validation, output preparation and
// cancellation fail the batch as a whole.
func (p *Processor) Process(ctx context.Context, batch domain.UploadBatch) (domain.ResizeResult, error) {
	result := domain.ResizeResult{BatchID: batch.ID, Outputs: []string{}}
	p.transition(&result, domain.BatchStateReceived)

	if err := batch.Validate(p.maxDimension); err != nil {
		return result, err
	}
	p.transition(&result, domain.BatchStateValidated)

	ctx, span := p.tracer.Start(ctx, "pipeline.process_batch")
	span.SetAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.Int("batch.files", len(batch.Files)),
		attribute.Int("batch.width", batch.Dimensions.Width),
		attribute.Int("batch.height", batch.Dimensions.Height),
	)
	defer span.End()

	if err := p.emitter.Prepare(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare output failed")
		return result, fmt.Errorf("prepare stage: %w", err)
	}

	accepted := make([]domain.UploadedFile, 0, len(batch.Files))
	for _, c := range Classify(batch.Files) {
		if !c.Accepted() {
			p.logger.Printf("skipped unsupported file batch_id=%s name=%s", batch.ID, c.File.OriginalName)
			result.Skipped = append(result.Skipped, c.File.OriginalName)
			continue
		}
		accepted = append(accepted, c.File)
	}

	p.transition(&result, domain.BatchStateProcessing)
	for _, o := range p.runAll(ctx, batch, accepted) {
		switch {
		case o.cancelled:
		case o.err != nil:
			result.Failures = append(result.Failures, failureRecord(o.name, o.err))
		default:
			result.Outputs = append(result.Outputs, o.path)
		}
	}

	span.SetAttributes(
		attribute.Int("batch.resized", len(result.Outputs)),
		attribute.Int("batch.skipped", len(result.Skipped)),
		attribute.Int("batch.failed", len(result.Failures)),
	)

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch interrupted")
		return result, fmt.Errorf("batch %s interrupted: %w", batch.ID, err)
	}

	p.transition(&result, domain.BatchStateCompleted)
	span.SetStatus(codes.Ok, "processed")
	return result, nil
}

func (p *Processor) transition(result *domain.ResizeResult, state string) {
	result.State = state
	p.logger.Printf("batch_id=%s state=%s", result.BatchID, state)
}

type fileOutcome struct {
	name      string
	path      string
	err       error
	cancelled bool
}

// runAll processes files with at most p.concurrency in flight. Outcomes are
// stored by index so their order always matches the input. A panic in one
// file is confined to that file's outcome.
func (p *Processor) runAll(ctx context.Context, batch domain.UploadBatch, files []domain.UploadedFile) []fileOutcome {
	outcomes := make([]fileOutcome, len(files))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, file := range files {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					err := &TransformFailure{Name: file.OriginalName, Stage: StagePanic, Err: fmt.Errorf("recovered: %v", r)}
					p.logger.Printf("resize panicked batch_id=%s name=%s err=%v", batch.ID, file.OriginalName, r)
					outcomes[i] = fileOutcome{name: file.OriginalName, err: err}
				}
			}()
			outcomes[i] = p.processFile(ctx, batch, file)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (p *Processor) processFile(ctx context.Context, batch domain.UploadBatch, file domain.UploadedFile) fileOutcome {
	out := fileOutcome{name: file.OriginalName}
	if err := ctx.Err(); err != nil {
		out.err = err
		out.cancelled = true
		return out
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.resize_file")
	span.SetAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.String("file.name", file.OriginalName),
		attribute.String("file.extension", file.Extension),
	)
	defer span.End()

	fail := func(stage string, err error) fileOutcome {
		out.err = &TransformFailure{Name: file.OriginalName, Stage: stage, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, stage+" failed")
		p.logger.Printf("resize failed batch_id=%s name=%s stage=%s err=%v", batch.ID, file.OriginalName, stage, err)
		return out
	}

	source, err := p.fetcher.Fetch(ctx, file)
	if err != nil {
		return fail(StageFetch, err)
	}
	if err := sniffImage(source); err != nil {
		return fail(StageSniff, err)
	}

	target := Target{
		Width:   batch.Dimensions.Width,
		Height:  batch.Dimensions.Height,
		Format:  FormatForExtension(file.Extension),
		Quality: p.quality,
	}
	data, width, height, err := p.transformer.Resize(ctx, source, target)
	if err != nil {
		return fail(StageTransform, err)
	}

	written, err := p.emitter.Emit(ctx, batch.ID, file, data, target.Format)
	if err != nil {
		return fail(StageEmit, err)
	}

	span.SetAttributes(
		attribute.Int("file.output_bytes", len(data)),
		attribute.Int("file.output_width", width),
		attribute.Int("file.output_height", height),
	)
	out.path = written
	return out
}

func failureRecord(name string, err error) domain.FileFailure {
	var tf *TransformFailure
	if errors.As(err, &tf) {
		return domain.FileFailure{Name: tf.Name, Stage: tf.Stage, Error: tf.Err.Error()}
	}
	return domain.FileFailure{Name: name, Error: err.Error()}
}

func sniffImage(data []byte) error {
	head := data
	if len(head) > sniffHeaderBytes {
		head = head[:sniffHeaderBytes]
	}
	if !filetype.IsImage(head) {
		return ErrNotImage
	}
	return nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, file domain.UploadedFile) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(file.TempPath)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", file.TempPath, err)
	}
	return data, nil
}

// LocalDirEmitter writes outputs to OutputDir under their original file
// name. Colliding names resolve last-write-wins; the rename keeps readers
// from observing a partially written file.
type LocalDirEmitter struct {
	OutputDir string
}

func (e LocalDirEmitter) Prepare(_ context.Context) error {
	if strings.TrimSpace(e.OutputDir) == "" {
		return errors.New("output directory is required")
	}
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

func (e LocalDirEmitter) Emit(_ context.Context, _ string, file domain.UploadedFile, data []byte, _ string) (string, error) {
	name, err := outputName(file.OriginalName)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(e.OutputDir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close output file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("chmod output file: %w", err)
	}

	fullPath := filepath.Join(e.OutputDir, name)
	if err := os.Rename(tmpPath, fullPath); err != nil {
		return "", fmt.Errorf("move output file into place: %w", err)
	}
	return fullPath, nil
}

func outputName(original string) (string, error) {
	name := filepath.Base(original)
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("invalid output file name %q", original)
	}
	return name, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
