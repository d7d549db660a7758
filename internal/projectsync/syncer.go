package projectsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize     = 100
	defaultMaxPages     = 1000
	defaultChildRetries = 2
	childRetryDelay     = 250 * time.Millisecond
)

// idempotencyNamespace seeds the deterministic v5 keys for remote-mutating
// calls. Keys derive only from stable identifiers, never wall-clock time, so
// a retried operation always presents the same key.
var idempotencyNamespace = uuid.MustParse("7f1c9a52-3b44-4de1-9a2e-6f0d8c41e7aa")

// RecordError is one record's failure within a run.
type RecordError struct {
	RemoteID string `json:"remoteId"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// SyncRunResult summarizes one run. It is ephemeral; only the upserted
// records persist.
type SyncRunResult struct {
	RunID      string        `json:"runId"`
	Pages      int           `json:"pages"`
	Succeeded  int           `json:"succeededCount"`
	Failed     int           `json:"failedCount"`
	ChildItems int           `json:"childItemCount"`
	DurationMS int64         `json:"durationMs"`
	Errors     []RecordError `json:"perRecordErrors,omitempty"`
}

// ProgressEvent is emitted as a run advances, for boundary observers.
type ProgressEvent struct {
	RunID     string `json:"runId"`
	Kind      string `json:"kind"`
	Page      int    `json:"page,omitempty"`
	RemoteID  string `json:"remoteId,omitempty"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Message   string `json:"message,omitempty"`
}

type SyncerOptions struct {
	Client            Client
	Records           RecordStore
	PageSize          int
	MaxPages          int
	ChildRetries      int
	EnsureDefaultTask bool
	Progress          func(ProgressEvent)
	Logger            Logger
	Now               func() time.Time
}

// Logger matches the coordinator package's minimal logging surface.
type Logger interface {
	Printf(format string, args ...any)
}

// Syncer walks the paginated remote collection end to end, processing each
// record independently so one bad record never sinks the batch.
type Syncer struct {
	client            Client
	records           RecordStore
	pageSize          int
	maxPages          int
	childRetries      int
	ensureDefaultTask bool
	progress          func(ProgressEvent)
	logger            Logger
	now               func() time.Time
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Client == nil || opts.Records == nil {
		return nil, fmt.Errorf("%w: client and record store are required", ErrInvalidInput)
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	childRetries := opts.ChildRetries
	if childRetries < 0 {
		childRetries = defaultChildRetries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		client:            opts.Client,
		records:           opts.Records,
		pageSize:          pageSize,
		maxPages:          maxPages,
		childRetries:      childRetries,
		ensureDefaultTask: opts.EnsureDefaultTask,
		progress:          opts.Progress,
		logger:            opts.Logger,
		now:               now,
	}, nil
}

// SyncCollection fetches every page of the tenant's projects, then processes
// each record: fetch child tasks with bounded retries, derive totals, and
// upsert the full record. Per-record failures are accumulated, never
// propagated. On cancellation no new fetches are issued; records already
// upserted stay upserted.
func (s *Syncer) SyncCollection(ctx context.Context, tenantID, userID string) (SyncRunResult, error) {
	return s.SyncCollectionWithProgress(ctx, tenantID, userID, nil)
}

// SyncCollectionWithProgress runs one sync with an extra per-run progress
// observer alongside any observer configured on the syncer.
func (s *Syncer) SyncCollectionWithProgress(ctx context.Context, tenantID, userID string, progress func(ProgressEvent)) (SyncRunResult, error) {
	emit := s.combinedProgress(progress)
	started := s.now()
	result := SyncRunResult{RunID: uuid.NewString()}

	projects, pages, err := s.fetchAllPages(ctx, tenantID, userID, result.RunID, emit)
	result.Pages = pages
	if err != nil {
		result.DurationMS = s.now().Sub(started).Milliseconds()
		return result, err
	}

	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			result.DurationMS = s.now().Sub(started).Milliseconds()
			return result, err
		}
		s.syncOne(ctx, tenantID, userID, project, &result, emit)
	}

	result.DurationMS = s.now().Sub(started).Milliseconds()
	emit(ProgressEvent{
		RunID:     result.RunID,
		Kind:      "completed",
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
	})
	return result, nil
}

// fetchAllPages walks pages in strictly increasing order. Pagination stops on
// a short page, an explicit no-more flag, or the page ceiling (a safety valve
// against provider pagination bugs).
func (s *Syncer) fetchAllPages(ctx context.Context, tenantID, userID, runID string, emit func(ProgressEvent)) ([]Project, int, error) {
	var all []Project
	pages := 0
	for page := 1; page <= s.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return all, pages, err
		}
		fetched, err := s.client.ListProjects(ctx, tenantID, userID, page, s.pageSize)
		if err != nil {
			return all, pages, fmt.Errorf("fetching page %d: %w", page, err)
		}
		pages++
		all = append(all, fetched.Items...)
		emit(ProgressEvent{RunID: runID, Kind: "page", Page: page})
		if len(fetched.Items) < s.pageSize {
			return all, pages, nil
		}
		if !fetched.AdditionalData.Pagination.MoreItemsInCollection {
			return all, pages, nil
		}
	}
	s.logf("pagination ceiling of %d pages reached for tenant %s", s.maxPages, tenantID)
	return all, pages, nil
}

func (s *Syncer) syncOne(ctx context.Context, tenantID, userID string, project Project, result *SyncRunResult, emit func(ProgressEvent)) {
	tasks, err := s.fetchTasks(ctx, tenantID, userID, project.ProjectID)
	if err != nil {
		result.Failed++
		result.Errors = append(result.Errors, RecordError{
			RemoteID: project.ProjectID,
			Stage:    "fetch_children",
			Message:  err.Error(),
		})
		emit(ProgressEvent{
			RunID:    result.RunID,
			Kind:     "record_failed",
			RemoteID: project.ProjectID,
			Message:  err.Error(),
		})
		return
	}

	if len(tasks) == 0 && s.ensureDefaultTask {
		created, createErr := s.client.CreateTask(ctx, tenantID, userID, project.ProjectID, NewTask{
			Name:       "General",
			Rate:       Amount{Currency: project.CurrencyCode},
			ChargeType: "FIXED",
		}, IdempotencyKey(tenantID, project.ProjectID, "create-default-task"))
		if createErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, RecordError{
				RemoteID: project.ProjectID,
				Stage:    "create_default_task",
				Message:  createErr.Error(),
			})
			return
		}
		tasks = append(tasks, created)
	}

	rec := SyncRecord{
		RemoteID:     project.ProjectID,
		TenantID:     tenantID,
		Payload:      project,
		ChildItems:   tasks,
		Totals:       computeTotals(tasks),
		LastSyncedAt: s.now().UTC(),
	}
	if err := s.records.Upsert(ctx, rec); err != nil {
		result.Failed++
		result.Errors = append(result.Errors, RecordError{
			RemoteID: project.ProjectID,
			Stage:    "upsert",
			Message:  err.Error(),
		})
		return
	}
	result.Succeeded++
	result.ChildItems += len(tasks)
	emit(ProgressEvent{
		RunID:     result.RunID,
		Kind:      "record_synced",
		RemoteID:  project.ProjectID,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
	})
}

func (s *Syncer) fetchTasks(ctx context.Context, tenantID, userID, projectID string) ([]Task, error) {
	var lastErr error
	for attempt := 0; attempt <= s.childRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, childRetryDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
		tasks, err := s.client.ListTasks(ctx, tenantID, userID, projectID)
		if err == nil {
			return tasks, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// IdempotencyKey derives the deterministic key for one logical mutating
// operation from its natural identifiers.
func IdempotencyKey(tenantID, parentID, operation string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(tenantID+"/"+parentID+"/"+operation)).String()
}

func computeTotals(tasks []Task) Totals {
	totals := Totals{TaskCount: len(tasks)}
	for _, task := range tasks {
		totals.TotalEstimateMinutes += task.EstimateMinutes
		totals.TotalRateValue += task.Rate.Value
	}
	return totals
}

func (s *Syncer) combinedProgress(extra func(ProgressEvent)) func(ProgressEvent) {
	return func(event ProgressEvent) {
		if s.progress != nil {
			s.progress(event)
		}
		if extra != nil {
			extra(event)
		}
	}
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
