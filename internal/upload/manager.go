// Package upload implements the resumable, FIFO whole-object upload queue:
// a queued or in-progress upload survives a restart because its record is
// persisted before the goroutine that drives it ever touches the network.
package upload

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/repertory/repertory/internal/events"
	"github.com/repertory/repertory/internal/metastore"
	"github.com/repertory/repertory/internal/metrics"
	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// Stats mirrors the teacher's batch-processor counters, retargeted at
// whole-object uploads instead of batched GET/PUT/DELETE/HEAD calls.
type Stats struct {
	Queued    int64
	Active    int64
	Completed int64
	Failed    int64
	Cancelled int64
}

type job struct {
	apiPath    apitypes.ApiPath
	sourcePath string
	cancel     chan struct{}
}

// Manager drives a single FIFO queue of whole-object uploads against a
// Provider, persisting state through meta so a crash mid-upload resumes the
// queue (from the start of that file — byte-range uploads are out of
// scope) rather than losing it.
type Manager struct {
	provider provider.Provider
	store    *metastore.Store
	sink     events.Sink
	logger   *slog.Logger

	concurrency int
	queue       chan *job

	mu      sync.Mutex
	jobs    map[apitypes.ApiPath]*job
	stats   Stats
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	metrics *metrics.Collector
}

// WithMetrics attaches a metrics collector observing whole-job upload
// duration and size, distinct from the provider-level Replace timing.
func (m *Manager) WithMetrics(c *metrics.Collector) *Manager {
	m.metrics = c
	return m
}

// NewManager builds an upload manager with concurrency parallel workers (>=1).
func NewManager(p provider.Provider, store *metastore.Store, sink events.Sink, concurrency int, logger *slog.Logger) *Manager {
	if concurrency <= 0 {
		concurrency = 2
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:    p,
		store:       store,
		sink:        sink,
		logger:      logger.With("component", "upload"),
		concurrency: concurrency,
		queue:       make(chan *job, 1024),
		jobs:        make(map[apitypes.ApiPath]*job),
	}
}

// Start launches the worker pool and re-enqueues any upload records left
// queued or active from a prior run.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return apierrors.ErrInvalidOperation.WithContext("reason", "already_started")
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	for i := 0; i < m.concurrency; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	records, err := m.store.ListUploads(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.State == apitypes.UploadDone || rec.State == apitypes.UploadCancelled {
			continue
		}
		if err := m.enqueue(ctx, rec.ApiPath, rec.SourcePath, false); err != nil {
			m.logger.Warn("failed to recover queued upload", "api_path", rec.ApiPath, "error", err)
		}
	}
	return nil
}

// Stop drains in-flight uploads and stops accepting new work.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

// QueueUpload enqueues apiPath for upload from sourcePath. Idempotent: an
// already queued or active upload for the same path is left untouched.
func (m *Manager) QueueUpload(ctx context.Context, apiPath apitypes.ApiPath, sourcePath string) error {
	return m.enqueue(ctx, apiPath, sourcePath, true)
}

func (m *Manager) enqueue(ctx context.Context, apiPath apitypes.ApiPath, sourcePath string, persist bool) error {
	m.mu.Lock()
	if _, exists := m.jobs[apiPath]; exists {
		m.mu.Unlock()
		return nil
	}
	j := &job{apiPath: apiPath, sourcePath: sourcePath, cancel: make(chan struct{})}
	m.jobs[apiPath] = j
	m.stats.Queued++
	m.mu.Unlock()

	if persist {
		if err := m.store.PutUpload(ctx, apitypes.UploadRecord{ApiPath: apiPath, SourcePath: sourcePath, State: apitypes.UploadQueued}); err != nil {
			return err
		}
	}

	select {
	case m.queue <- j:
		return nil
	default:
		// Queue capacity exceeded; the job is already persisted, so the next
		// Start() recovery pass will pick it up even if this enqueue is lost.
		go func() { m.queue <- j }()
		return nil
	}
}

// RemoveUpload cancels a queued or active upload for apiPath. Idempotent.
func (m *Manager) RemoveUpload(ctx context.Context, apiPath apitypes.ApiPath) error {
	m.mu.Lock()
	j, exists := m.jobs[apiPath]
	if exists {
		delete(m.jobs, apiPath)
		close(j.cancel)
		m.stats.Cancelled++
	}
	m.mu.Unlock()

	return m.store.RemoveUpload(ctx, apiPath)
}

// RenameUpload atomically retargets a queued upload's api path, used when a
// file is renamed while its upload is still in flight or pending.
func (m *Manager) RenameUpload(ctx context.Context, from, to apitypes.ApiPath) error {
	m.mu.Lock()
	j, exists := m.jobs[from]
	if exists {
		delete(m.jobs, from)
		j.apiPath = to
		m.jobs[to] = j
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	return m.store.RenameMeta(ctx, from, to)
}

// Stats returns a snapshot of queue counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// IsProcessing reports whether apiPath has a queued or active upload.
func (m *Manager) IsProcessing(apiPath apitypes.ApiPath) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[apiPath]
	return ok
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case j := <-m.queue:
			m.run(j)
		}
	}
}

func (m *Manager) run(j *job) {
	select {
	case <-j.cancel:
		return
	default:
	}

	start := time.Now()
	var uploadedBytes int64
	success := false
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordOperation("upload", time.Since(start), uploadedBytes, success)
		}
	}()

	ctx := context.Background()
	m.mu.Lock()
	if _, ok := m.jobs[j.apiPath]; !ok {
		m.mu.Unlock()
		return // cancelled before it reached a worker
	}
	m.stats.Active++
	m.mu.Unlock()

	if err := m.store.PutUpload(ctx, apitypes.UploadRecord{ApiPath: j.apiPath, SourcePath: j.sourcePath, State: apitypes.UploadActive}); err != nil {
		m.logger.Warn("failed to persist active upload state", "api_path", j.apiPath, "error", err)
	}

	data, err := os.ReadFile(j.sourcePath)
	if err != nil {
		m.fail(ctx, j, apierrors.ErrOSError.WithCause(err).WithOperation("read_source"))
		return
	}

	meta, err := m.store.GetMeta(ctx, j.apiPath)
	if err != nil {
		meta = apitypes.MetaMap{}
	}

	if err := m.provider.Replace(ctx, j.apiPath, meta[apitypes.MetaKeyKey], data, meta); err != nil {
		m.fail(ctx, j, err)
		return
	}

	m.mu.Lock()
	delete(m.jobs, j.apiPath)
	m.stats.Active--
	m.stats.Completed++
	m.mu.Unlock()

	if err := m.store.RemoveUpload(ctx, j.apiPath); err != nil {
		m.logger.Warn("failed to clear completed upload record", "api_path", j.apiPath, "error", err)
	}
	uploadedBytes = int64(len(data))
	success = true
	m.sink.FileUploaded(j.apiPath, uploadedBytes)
}

func (m *Manager) fail(ctx context.Context, j *job, err error) {
	m.mu.Lock()
	delete(m.jobs, j.apiPath)
	m.stats.Active--
	m.stats.Failed++
	m.mu.Unlock()

	if perr := m.store.PutUpload(ctx, apitypes.UploadRecord{ApiPath: j.apiPath, SourcePath: j.sourcePath, State: apitypes.UploadFailed}); perr != nil {
		m.logger.Warn("failed to persist failed upload state", "api_path", j.apiPath, "error", perr)
	}
	m.sink.UploadFailed(j.apiPath, err)
}
