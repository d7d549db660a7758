package projectsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeClient serves a fixed project fixture with per-project task behavior.
type fakeClient struct {
	mu            sync.Mutex
	projects      []Project
	tasks         map[string][]Task
	taskFailures  map[string]int // remaining ListTasks failures per project
	taskErr       error
	created       []NewTask
	createdKeys   []string
	createErr     error
	listTaskCalls map[string]int
	onListTasks   func(projectID string)
}

func newFakeClient(projectCount int) *fakeClient {
	c := &fakeClient{
		tasks:         map[string][]Task{},
		taskFailures:  map[string]int{},
		listTaskCalls: map[string]int{},
	}
	for i := 0; i < projectCount; i++ {
		id := fmt.Sprintf("p-%03d", i)
		c.projects = append(c.projects, Project{
			ProjectID:    id,
			Name:         fmt.Sprintf("Project %d", i),
			Status:       "INPROGRESS",
			CurrencyCode: "NZD",
		})
		c.tasks[id] = []Task{{
			TaskID:          id + "-t1",
			Name:            "Build",
			Rate:            Amount{Currency: "NZD", Value: 120},
			ChargeType:      "TIME",
			EstimateMinutes: 60,
			Status:          "ACTIVE",
		}}
	}
	return c
}

func (c *fakeClient) ListProjects(ctx context.Context, tenantID, userID string, page, pageSize int) (ProjectPage, error) {
	if err := ctx.Err(); err != nil {
		return ProjectPage{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	start := (page - 1) * pageSize
	if start > len(c.projects) {
		start = len(c.projects)
	}
	end := start + pageSize
	if end > len(c.projects) {
		end = len(c.projects)
	}
	var out ProjectPage
	out.Items = append(out.Items, c.projects[start:end]...)
	out.AdditionalData.Pagination.MoreItemsInCollection = end < len(c.projects)
	return out, nil
}

func (c *fakeClient) ListTasks(ctx context.Context, tenantID, userID, projectID string) ([]Task, error) {
	if c.onListTasks != nil {
		c.onListTasks(projectID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listTaskCalls[projectID]++
	if remaining := c.taskFailures[projectID]; remaining != 0 {
		if remaining > 0 {
			c.taskFailures[projectID] = remaining - 1
		}
		err := c.taskErr
		if err == nil {
			err = errors.New("task listing failed")
		}
		return nil, err
	}
	return c.tasks[projectID], nil
}

func (c *fakeClient) CreateTask(ctx context.Context, tenantID, userID, projectID string, task NewTask, idempotencyKey string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return Task{}, c.createErr
	}
	c.created = append(c.created, task)
	c.createdKeys = append(c.createdKeys, idempotencyKey)
	created := Task{
		TaskID:     projectID + "-created",
		Name:       task.Name,
		Rate:       task.Rate,
		ChargeType: task.ChargeType,
	}
	c.tasks[projectID] = append(c.tasks[projectID], created)
	return created, nil
}

func newTestSyncer(t *testing.T, client Client, store RecordStore, opts SyncerOptions) *Syncer {
	t.Helper()
	opts.Client = client
	opts.Records = store
	syncer, err := NewSyncer(opts)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	return syncer
}

func TestSyncCollectionWalksAllPages(t *testing.T) {
	client := newFakeClient(250)
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{PageSize: 100})

	result, err := syncer.SyncCollection(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	if result.Pages != 3 {
		t.Fatalf("pages = %d, want 3", result.Pages)
	}
	if result.Succeeded != 250 || result.Failed != 0 {
		t.Fatalf("succeeded=%d failed=%d, want 250/0", result.Succeeded, result.Failed)
	}
	if result.ChildItems != 250 {
		t.Fatalf("child items = %d, want 250", result.ChildItems)
	}
	if result.RunID == "" {
		t.Fatalf("run id missing")
	}

	records, err := store.List(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 250 {
		t.Fatalf("stored %d records, want 250", len(records))
	}
	first := records[0]
	if first.Totals.TaskCount != 1 || first.Totals.TotalEstimateMinutes != 60 || first.Totals.TotalRateValue != 120 {
		t.Fatalf("unexpected totals: %+v", first.Totals)
	}
	if first.LastSyncedAt.IsZero() {
		t.Fatalf("lastSyncedAt not stamped")
	}
}

func TestSyncCollectionStopsOnShortPage(t *testing.T) {
	client := newFakeClient(100)
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{PageSize: 100})

	result, err := syncer.SyncCollection(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	// The fixture is exactly one full page; the no-more flag ends pagination
	// without asking for an empty second page.
	if result.Pages != 1 {
		t.Fatalf("pages = %d, want 1", result.Pages)
	}
	if result.Succeeded != 100 {
		t.Fatalf("succeeded = %d, want 100", result.Succeeded)
	}
}

func TestSyncCollectionIsolatesRecordFailures(t *testing.T) {
	client := newFakeClient(250)
	client.taskFailures["p-120"] = -1 // never recovers
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{ChildRetries: 1})

	result, err := syncer.SyncCollection(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	if result.Succeeded != 249 || result.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 249/1", result.Succeeded, result.Failed)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %+v, want one entry", result.Errors)
	}
	recErr := result.Errors[0]
	if recErr.RemoteID != "p-120" || recErr.Stage != "fetch_children" || recErr.Message == "" {
		t.Fatalf("unexpected record error: %+v", recErr)
	}

	// The failed record must not have been upserted; everything else must be.
	if _, err := store.Get(context.Background(), "t1", "p-120"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("failed record was stored: %v", err)
	}
	records, err := store.List(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 249 {
		t.Fatalf("stored %d records, want 249", len(records))
	}
}

func TestSyncCollectionRetriesTransientChildFailures(t *testing.T) {
	client := newFakeClient(3)
	client.taskFailures["p-001"] = 2 // fails twice, succeeds on the third attempt
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{ChildRetries: 2})

	result, err := syncer.SyncCollection(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	if result.Succeeded != 3 || result.Failed != 0 {
		t.Fatalf("succeeded=%d failed=%d, want 3/0", result.Succeeded, result.Failed)
	}
	if got := client.listTaskCalls["p-001"]; got != 3 {
		t.Fatalf("task fetch attempts = %d, want 3", got)
	}
}

func TestSyncCollectionRerunIsIdempotent(t *testing.T) {
	client := newFakeClient(20)
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{})

	for i := 0; i < 2; i++ {
		if _, err := syncer.SyncCollection(context.Background(), "t1", "u1"); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	records, err := store.List(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 20 {
		t.Fatalf("stored %d records after rerun, want 20", len(records))
	}
}

func TestSyncCollectionCreatesDefaultTask(t *testing.T) {
	client := newFakeClient(2)
	client.tasks["p-001"] = nil
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{EnsureDefaultTask: true})

	result, err := syncer.SyncCollection(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	if result.Succeeded != 2 {
		t.Fatalf("succeeded = %d, want 2", result.Succeeded)
	}
	if len(client.created) != 1 {
		t.Fatalf("created %d tasks, want 1", len(client.created))
	}
	created := client.created[0]
	if created.Name != "General" || created.ChargeType != "FIXED" || created.Rate.Currency != "NZD" {
		t.Fatalf("unexpected default task: %+v", created)
	}
	if want := IdempotencyKey("t1", "p-001", "create-default-task"); client.createdKeys[0] != want {
		t.Fatalf("idempotency key = %q, want %q", client.createdKeys[0], want)
	}

	rec, err := store.Get(context.Background(), "t1", "p-001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Totals.TaskCount != 1 {
		t.Fatalf("created task not folded into record: %+v", rec.Totals)
	}
}

func TestSyncCollectionDefaultTaskFailureIsRecorded(t *testing.T) {
	client := newFakeClient(2)
	client.tasks["p-000"] = nil
	client.createErr = errors.New("creation rejected")
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{EnsureDefaultTask: true})

	result, err := syncer.SyncCollection(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 1/1", result.Succeeded, result.Failed)
	}
	if result.Errors[0].Stage != "create_default_task" {
		t.Fatalf("unexpected stage: %+v", result.Errors[0])
	}
}

func TestSyncCollectionCancellationKeepsUpsertedRecords(t *testing.T) {
	client := newFakeClient(10)
	store := NewInMemoryRecordStore()
	ctx, cancel := context.WithCancel(context.Background())
	client.onListTasks = func(projectID string) {
		if projectID == "p-003" {
			cancel()
		}
	}
	syncer := newTestSyncer(t, client, store, SyncerOptions{})

	_, err := syncer.SyncCollection(ctx, "t1", "u1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Records processed before the cancellation stay in place.
	for _, id := range []string{"p-000", "p-001", "p-002"} {
		if _, err := store.Get(context.Background(), "t1", id); err != nil {
			t.Fatalf("record %s lost after cancellation: %v", id, err)
		}
	}
	if _, err := store.Get(context.Background(), "t1", "p-005"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("sync continued past cancellation: %v", err)
	}
}

func TestSyncCollectionWithProgressEmitsEvents(t *testing.T) {
	client := newFakeClient(5)
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{})

	kinds := map[string]int{}
	result, err := syncer.SyncCollectionWithProgress(context.Background(), "t1", "u1", func(event ProgressEvent) {
		if event.RunID == "" {
			t.Errorf("event missing run id: %+v", event)
		}
		kinds[event.Kind]++
	})
	if err != nil {
		t.Fatalf("SyncCollectionWithProgress: %v", err)
	}
	if kinds["page"] != result.Pages {
		t.Fatalf("page events = %d, want %d", kinds["page"], result.Pages)
	}
	if kinds["record_synced"] != 5 {
		t.Fatalf("record events = %d, want 5", kinds["record_synced"])
	}
	if kinds["completed"] != 1 {
		t.Fatalf("completed events = %d, want 1", kinds["completed"])
	}
}

func TestSyncCollectionHonorsPageCeiling(t *testing.T) {
	client := newFakeClient(50)
	store := NewInMemoryRecordStore()
	syncer := newTestSyncer(t, client, store, SyncerOptions{PageSize: 10, MaxPages: 2})

	result, err := syncer.SyncCollection(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	if result.Pages != 2 {
		t.Fatalf("pages = %d, want ceiling of 2", result.Pages)
	}
	if result.Succeeded != 20 {
		t.Fatalf("succeeded = %d, want 20", result.Succeeded)
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := IdempotencyKey("t1", "p1", "create-default-task")
	b := IdempotencyKey("t1", "p1", "create-default-task")
	if a != b {
		t.Fatalf("key not deterministic: %q vs %q", a, b)
	}
	if a == IdempotencyKey("t1", "p1", "archive") {
		t.Fatalf("distinct operations share a key")
	}
	if a == IdempotencyKey("t2", "p1", "create-default-task") {
		t.Fatalf("distinct tenants share a key")
	}
}
