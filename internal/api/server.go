package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/bulkresize/internal/domain"
	"github.com/dunamismax/bulkresize/internal/id"
	"github.com/dunamismax/bulkresize/internal/webhook"
	"go.opentelemetry.io/otel/trace"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	defaultMaxUploadBytes = 256 << 20
	defaultFormMaxMemory  = 32 << 20
	notifyTimeout         = 30 * time.Second
)

type BatchProcessor interface {
	Process(ctx context.Context, batch domain.UploadBatch) (domain.ResizeResult, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Options carries the optional collaborators and intake limits. Zero values
// disable the related feature or fall back to defaults.
type Options struct {
	UploadDir             string
	MaxUploadBytes        int64
	FormMaxMemory         int64
	BatchTimeout          time.Duration
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Webhook               webhookSender
	WebhookURL            string
	Tracer                trace.Tracer
}

type Server struct {
	logger                *log.Logger
	processor             BatchProcessor
	uploadDir             string
	maxUploadBytes        int64
	formMaxMemory         int64
	batchTimeout          time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	webhook               webhookSender
	webhookURL            string
	tracer                trace.Tracer
	metrics               *metrics
	mux                   *http.ServeMux
}

func NewServer(logger *log.Logger, processor BatchProcessor, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.FormMaxMemory <= 0 {
		opts.FormMaxMemory = defaultFormMaxMemory
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		processor:             processor,
		uploadDir:             opts.UploadDir,
		maxUploadBytes:        opts.MaxUploadBytes,
		formMaxMemory:         opts.FormMaxMemory,
		batchTimeout:          opts.BatchTimeout,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		webhook:               opts.Webhook,
		webhookURL:            strings.TrimSpace(opts.WebhookURL),
		tracer:                opts.Tracer,
		metrics:               newMetrics(),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleForm)
	s.mux.HandleFunc("POST /resize", s.handleResize)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleForm(w http.ResponseWriter, _ *http.Request) {
	writeHTML(w, http.StatusOK, "form.html", nil)
}

type resultView struct {
	Resized int
	Skipped int
	Failed  int
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadBytes {
		writeText(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.formMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeText(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	dims, err := domain.ParseDimensions(r.FormValue("width"), r.FormValue("height"))
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	headers := r.MultipartForm.File["images"]
	if !s.admitBatch(w, r, len(headers)) {
		return
	}

	batchID := id.New()
	in, err := materialize(s.uploadDir, headers)
	if err != nil {
		s.logger.Printf("materialize upload failed batch_id=%s err=%v", batchID, err)
		writeText(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	defer in.cleanup(s.logger)

	batch := domain.UploadBatch{ID: batchID, Dimensions: dims, Files: in.files}
	s.logger.Printf("received batch batch_id=%s files=%d size=%s", batchID, len(batch.Files), dims)

	// The batch outlives a disconnected client; only the timeout bounds it.
	ctx := context.WithoutCancel(r.Context())
	if s.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.batchTimeout)
		defer cancel()
	}

	startedAt := time.Now()
	result, err := s.processor.Process(ctx, batch)
	s.metrics.observeBatch(result, err, time.Since(startedAt))
	if err != nil {
		if domain.IsValidationError(err) {
			writeText(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Printf("batch failed batch_id=%s err=%v", batchID, err)
		s.notify(webhook.EventBatchFailed, result, err)
		writeText(w, http.StatusInternalServerError, "batch processing failed")
		return
	}

	s.logger.Printf("batch completed batch_id=%s resized=%d skipped=%d failed=%d",
		batchID, result.Count(), len(result.Skipped), len(result.Failures))
	s.notify(webhook.EventBatchCompleted, result, nil)

	writeHTML(w, http.StatusOK, "result.html", resultView{
		Resized: result.Count(),
		Skipped: len(result.Skipped),
		Failed:  len(result.Failures),
	})
}

type batchNotification struct {
	domain.ResizeResult
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// notify delivers the batch outcome in the background so webhook retries
// never delay the response.
func (s *Server) notify(event string, result domain.ResizeResult, batchErr error) {
	if s.webhook == nil || s.webhookURL == "" {
		return
	}

	body := batchNotification{ResizeResult: result, CompletedAt: time.Now().UTC()}
	if batchErr != nil {
		body.Error = batchErr.Error()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.webhook.Send(ctx, s.webhookURL, event, body); err != nil {
			s.logger.Printf("webhook delivery failed batch_id=%s event=%s err=%v", result.BatchID, event, err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func writeHTML(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = templates.ExecuteTemplate(w, name, data)
}
