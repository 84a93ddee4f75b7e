package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dunamismax/bulkresize/internal/config"
	"github.com/dunamismax/bulkresize/internal/domain"
	"github.com/dunamismax/bulkresize/internal/id"
	"github.com/dunamismax/bulkresize/internal/pipeline"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "[resize] ", log.LstdFlags|log.Lmsgprefix)

	if _, err := config.LoadDotEnv(".env"); err != nil {
		logger.Printf("load .env: %v", err)
		return 1
	}
	cfg := config.Load()

	fs := flag.NewFlagSet("resize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	inDir := fs.String("in", "", "directory holding the images to resize")
	outDir := fs.String("out", cfg.Resize.OutputDir, "directory receiving the resized images")
	width := fs.String("width", "", "target width in pixels")
	height := fs.String("height", "", "target height in pixels")
	concurrency := fs.Int("concurrency", cfg.Resize.Concurrency, "files resized in parallel")
	quality := fs.Int("quality", cfg.Resize.Quality, "encoder quality for lossy formats (1-100)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *inDir == "" {
		fmt.Fprintln(stderr, "-in is required")
		fs.Usage()
		return 2
	}

	dims, err := domain.ParseDimensions(*width, *height)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	files, err := collectFiles(*inDir)
	if err != nil {
		logger.Printf("read input dir: %v", err)
		return 1
	}

	if err := pipeline.Startup(); err != nil {
		logger.Printf("image backend startup failed: %v", err)
		return 1
	}
	defer pipeline.Shutdown()

	processor, err := pipeline.NewLocalProcessor(logger, pipeline.Config{
		OutputDir:    *outDir,
		Concurrency:  *concurrency,
		Quality:      *quality,
		MaxDimension: cfg.Resize.MaxDimension,
	})
	if err != nil {
		logger.Printf("build processor: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := processor.Process(ctx, domain.UploadBatch{ID: id.New(), Dimensions: dims, Files: files})
	if err != nil {
		if domain.IsValidationError(err) {
			fmt.Fprintln(stderr, err)
			return 2
		}
		logger.Printf("%v", err)
		printSummary(stdout, result)
		return 1
	}

	printSummary(stdout, result)
	if len(result.Failures) > 0 {
		return 1
	}
	return 0
}

// collectFiles treats every regular file in dir as one uploaded image,
// in directory listing order.
func collectFiles(dir string) ([]domain.UploadedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]domain.UploadedFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, domain.NewUploadedFile(entry.Name(), filepath.Join(dir, entry.Name())))
	}
	return files, nil
}

func printSummary(w io.Writer, result domain.ResizeResult) {
	for _, out := range result.Outputs {
		fmt.Fprintln(w, out)
	}
	for _, f := range result.Failures {
		fmt.Fprintf(w, "failed %s (%s): %s\n", f.Name, f.Stage, f.Error)
	}
	fmt.Fprintf(w, "Resized %d image(s), skipped %d, failed %d\n", result.Count(), len(result.Skipped), len(result.Failures))
}
