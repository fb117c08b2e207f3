package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/billstore/internal/bill"
	"github.com/zombor/billstore/internal/imagestore"
	"github.com/zombor/billstore/internal/scanning"
)

// minTextLength is the least amount of readable text a bill must carry
const minTextLength = 10

var (
	// ErrUnsupportedType rejects uploads that are neither an image nor a PDF
	ErrUnsupportedType = errors.New("upload must be an image or a PDF")
	// ErrEmptyUpload rejects uploads without content
	ErrEmptyUpload = errors.New("upload is empty")
	// ErrTaskNotFound is returned for unknown task ids
	ErrTaskNotFound = errors.New("task not found")
)

// Creator stores the records extracted from uploads
type Creator interface {
	Create(ctx context.Context, in bill.NewRecord) (*bill.Record, error)
}

// IDGenerator generates task ids and record_ids
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config bounds the background work of a Pipeline
type Config struct {
	MaxWorkers  int64         // concurrent tasks, at least 1
	TaskTimeout time.Duration // per task, zero for none
	Retention   time.Duration // how long finished tasks stay queryable, zero keeps them
}

// Upload is one file handed to Submit
type Upload struct {
	Filename    string
	Data        []byte
	ContentType string
	Actor       string // becomes created_by
}

// Pipeline turns uploaded bill images into records in the background:
// save image, scan, create record.
type Pipeline struct {
	creator Creator
	scanner scanning.Scanner
	images  imagestore.Storage
	ids     IDGenerator
	clock   TimeSource
	cfg     Config

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewPipeline creates a Pipeline with uuid ids and the wall clock
func NewPipeline(creator Creator, scanner scanning.Scanner, images imagestore.Storage, cfg Config) *Pipeline {
	return NewPipelineWithDeps(creator, scanner, images, cfg, &uuidGenerator{}, &defaultTimeSource{})
}

// NewPipelineWithDeps creates a Pipeline with custom dependencies for testing
func NewPipelineWithDeps(creator Creator, scanner scanning.Scanner, images imagestore.Storage, cfg Config, ids IDGenerator, clock TimeSource) *Pipeline {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &Pipeline{
		creator: creator,
		scanner: scanner,
		images:  images,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxWorkers),
		tasks:   make(map[string]*Task),
	}
}

// Submit validates an upload and starts processing it in the background.
// The returned task is a snapshot; poll Task for progress. Cancelling ctx
// does not stop the task.
func (p *Pipeline) Submit(ctx context.Context, up Upload) (*Task, error) {
	if len(up.Data) == 0 {
		return nil, ErrEmptyUpload
	}
	contentType, err := uploadType(up)
	if err != nil {
		return nil, err
	}
	up.ContentType = contentType

	now := p.clock.Now()
	task := &Task{
		ID:        p.ids.Generate(),
		Status:    TaskProcessing,
		Message:   "queued",
		StartedAt: now,
	}

	p.mu.Lock()
	p.pruneLocked(now)
	p.tasks[task.ID] = task
	snapshot := *task
	p.mu.Unlock()

	slog.Info("Bill analysis submitted", "task_id", task.ID, "filename", up.Filename, "content_type", contentType, "size", len(up.Data))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(context.WithoutCancel(ctx), task.ID, up)
	}()

	return &snapshot, nil
}

// Task returns a snapshot of the task with the given id
func (p *Pipeline) Task(id string) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	snapshot := *t
	return &snapshot, nil
}

// Wait blocks until every submitted task has finished
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context, taskID string, up Upload) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.fail(taskID, fmt.Errorf("waiting for a worker: %w", err))
		return
	}
	defer p.sem.Release(1)

	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	rec, err := p.process(ctx, taskID, up)
	if err != nil {
		p.fail(taskID, err)
		return
	}

	var elapsed time.Duration
	p.update(taskID, func(t *Task) {
		now := p.clock.Now()
		elapsed = now.Sub(t.StartedAt)
		t.Status = TaskCompleted
		t.Message = "completed"
		t.BillID = rec.ID
		t.RecordID = *rec.RecordID
		t.FinishedAt = &now
		t.ProcessingTime = elapsed.Seconds()
	})
	slog.Info("Bill analysis completed", "task_id", taskID, "id", rec.ID, "record_id", *rec.RecordID, "duration", elapsed)
}

func (p *Pipeline) process(ctx context.Context, taskID string, up Upload) (*bill.Record, error) {
	key := imagestore.NewKey(extension(up))
	p.update(taskID, func(t *Task) { t.Message = "saving image" })
	if err := p.images.Save(ctx, key, up.Data, up.ContentType); err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}
	p.update(taskID, func(t *Task) { t.ImagePath = key })

	rec, err := p.analyze(ctx, taskID, key, up)
	if err != nil {
		// the record was never created, so nothing references the image
		if delErr := p.images.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			slog.Warn("Failed to delete image", "key", key, "error", delErr)
		}
		return nil, err
	}
	return rec, nil
}

func (p *Pipeline) analyze(ctx context.Context, taskID, key string, up Upload) (*bill.Record, error) {
	p.update(taskID, func(t *Task) { t.Message = "scanning bill" })
	data, err := p.scanner.ScanBill(ctx, up.Data, up.ContentType)
	if err != nil {
		slog.Error("Failed to scan bill",
			"task_id", taskID,
			"filename", up.Filename,
			"content_type", up.ContentType,
			"file_size", len(up.Data),
			"error", err,
		)
		return nil, fmt.Errorf("scanning bill: %w", err)
	}

	text := strings.TrimSpace(data.RawText)
	textLen := len([]rune(text))
	p.update(taskID, func(t *Task) { t.OCRTextLength = textLen })
	if textLen < minTextLength {
		return nil, errors.New("not enough text recognised on the image")
	}

	when, err := time.Parse(scanning.TimeLayout, data.TransactionTime)
	if err != nil {
		return nil, fmt.Errorf("parsing transaction time %q: %w", data.TransactionTime, err)
	}

	recordID := p.ids.Generate()
	amount := data.Amount
	in := bill.NewRecord{
		RecordID:        &recordID,
		PaymentMethod:   data.PaymentMethod,
		Amount:          &amount,
		TransactionTime: when,
		ProductType:     data.ProductType,
		Merchant:        optional(data.Merchant),
		Description:     optional(data.Description),
		ImagePath:       &key,
		OCRText:         &text,
		CreatedBy:       up.Actor,
	}

	p.update(taskID, func(t *Task) { t.Message = "saving record" })
	rec, err := p.creator.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("creating bill record: %w", err)
	}
	return rec, nil
}

func (p *Pipeline) fail(taskID string, err error) {
	p.update(taskID, func(t *Task) {
		now := p.clock.Now()
		t.Status = TaskFailed
		t.Message = "failed"
		t.Error = err.Error()
		t.FinishedAt = &now
		t.ProcessingTime = now.Sub(t.StartedAt).Seconds()
	})
	slog.Error("Bill analysis failed", "task_id", taskID, "error", err)
}

func (p *Pipeline) update(taskID string, fn func(*Task)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tasks[taskID]; ok {
		fn(t)
	}
}

// pruneLocked drops finished tasks older than the retention period
func (p *Pipeline) pruneLocked(now time.Time) {
	if p.cfg.Retention <= 0 {
		return
	}
	for id, t := range p.tasks {
		if t.finished() && t.FinishedAt != nil && now.Sub(*t.FinishedAt) > p.cfg.Retention {
			delete(p.tasks, id)
		}
	}
}

// uploadType returns the normalised content type, sniffing it when the
// client sent none
func uploadType(up Upload) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(up.ContentType))
	if ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			ct = mt
		}
	}
	if ct == "" || ct == "application/octet-stream" {
		ct, _, _ = mime.ParseMediaType(http.DetectContentType(up.Data))
	}
	if strings.HasPrefix(ct, "image/") || ct == "application/pdf" {
		return ct, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, ct)
}

// extension picks the image key extension from the filename, then the content type
func extension(up Upload) string {
	if ext := strings.ToLower(filepath.Ext(up.Filename)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if exts, err := mime.ExtensionsByType(up.ContentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".jpg"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
