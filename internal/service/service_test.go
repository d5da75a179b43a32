package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/backend"
	"github.com/arencloud/disturbancemonitor/internal/config"
	"github.com/arencloud/disturbancemonitor/internal/db"
	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/fake"
	"github.com/arencloud/disturbancemonitor/internal/geometry"
	"github.com/arencloud/disturbancemonitor/internal/lock"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"github.com/arencloud/disturbancemonitor/internal/poller"
	"github.com/arencloud/disturbancemonitor/internal/sentinel"
	"github.com/arencloud/disturbancemonitor/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoFields = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"field":"north"},"geometry":{"type":"Polygon","coordinates":[[[14.0,46.0],[14.1,46.0],[14.1,46.1],[14.0,46.1],[14.0,46.0]]]}},
 {"type":"Feature","properties":{"field":"south"},"geometry":{"type":"Polygon","coordinates":[[[14.0,45.0],[14.1,45.0],[14.1,45.1],[14.0,45.1],[14.0,45.0]]]}}
]}`

type recordingSink struct {
	mu      sync.Mutex
	results []monitor.Result
}

func (s *recordingSink) Export(_ context.Context, _ string, rs []monitor.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, rs...)
	return nil
}

type env struct {
	store   *store.Store
	storage *fake.Storage
	saas    *fake.SaaS
	locker  *lock.Local
	sink    *recordingSink
	mgr     *Manager
}

func newEnv(t *testing.T, rollback bool) *env {
	t.Helper()
	gdb, err := db.Init(&config.Config{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "dm.db")}, logging.Nop())
	require.NoError(t, err)

	storage := fake.NewStorage()
	saas := fake.NewSaaS(storage)
	p := poller.New(time.Millisecond, 20, nil, nil)
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	e := &env{store: store.New(gdb), storage: storage, saas: saas, locker: lock.NewLocal(), sink: &recordingSink{}}
	factory := Factory(backend.Deps{
		Objects:      storage,
		SaaS:         saas,
		Poller:       p,
		Endpoint:     sentinel.Endpoints["SENTINEL_HUB"],
		Region:       "eu-central-1",
		PrincipalARN: "arn:aws:iam::614251495211:root",
		AsyncRoleARN: "arn:aws:iam::1:role/async",
	})
	e.mgr = New(e.store, factory, Options{Locker: e.locker, Sink: e.sink, Rollback: rollback, RollbackTimeout: time.Second})
	return e
}

func request(t *testing.T) CreateRequest {
	t.Helper()
	fs, err := geometry.Parse([]byte(twoFields), "field")
	require.NoError(t, err)
	return CreateRequest{
		Params:   monitor.Params{Name: "forest", MonitoringStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Resolution: 100},
		Features: fs,
		Kind:     monitor.ProcessAPI,
	}
}

func (e *env) state(t *testing.T) monitor.State {
	t.Helper()
	p, err := e.store.LoadMonitorParams(context.Background(), "forest")
	require.NoError(t, err)
	return p.State
}

func (e *env) backendConfig(t *testing.T) monitor.BackendConfig {
	t.Helper()
	cfg, err := e.store.LoadBackendConfig(context.Background(), "forest", monitor.ProcessAPI)
	require.NoError(t, err)
	return cfg
}

// createdBuckets lists the buckets the storage was asked to create, in order.
func (e *env) createdBuckets() []string {
	var out []string
	for _, c := range e.storage.Calls() {
		if name, ok := strings.CutPrefix(c, "CreateBucket "); ok {
			out = append(out, name)
		}
	}
	return out
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestStartProvisionsAndPersists(t *testing.T) {
	e := newEnv(t, true)
	st, err := e.mgr.Start(context.Background(), request(t))
	require.NoError(t, err)

	assert.Equal(t, monitor.Initialized, st.Params.State)
	assert.True(t, st.Params.LastMonitored.Equal(day(2024, 1, 1)))
	require.Len(t, st.Backends, 1)
	cfg := st.Backends[0]
	assert.NotEmpty(t, cfg.CollectionID)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.True(t, e.storage.HasBucket(cfg.BucketName))

	require.Len(t, st.Features, 2)
	require.NotNil(t, st.Features[0].MonitoredPixels)
	assert.Equal(t, int64(100), *st.Features[0].MonitoredPixels)
}

func TestStartRollsBackWhenCollectionFails(t *testing.T) {
	e := newEnv(t, true)
	injected := errors.New("status 500")
	e.saas.Fail("CreateCollection", injected)

	_, err := e.mgr.Start(context.Background(), request(t))
	require.ErrorIs(t, err, injected)

	buckets := e.createdBuckets()
	require.Len(t, buckets, 1)
	assert.False(t, e.storage.HasBucket(buckets[0]), "bucket deleted by rollback")
	assert.Equal(t, monitor.NotInitialized, e.state(t))
	_, err = e.store.LoadBackendConfig(context.Background(), "forest", monitor.ProcessAPI)
	assert.ErrorIs(t, err, failure.ErrNotFound, "rolled back identifiers are forgotten")

	// a clean rollback leaves the name free for another attempt
	e.saas.Fail("CreateCollection", nil)
	st, err := e.mgr.Start(context.Background(), request(t))
	require.NoError(t, err)
	assert.Equal(t, monitor.Initialized, st.Params.State)
}

func TestStartRejectsInitializedMonitorWithoutRemoteCalls(t *testing.T) {
	e := newEnv(t, true)
	_, err := e.mgr.Start(context.Background(), request(t))
	require.NoError(t, err)

	saasCalls, storageCalls := len(e.saas.Calls()), len(e.storage.Calls())
	_, err = e.mgr.Start(context.Background(), request(t))
	assert.ErrorIs(t, err, failure.ErrAlreadyExists)
	assert.Len(t, e.saas.Calls(), saasCalls)
	assert.Len(t, e.storage.Calls(), storageCalls)
	assert.Equal(t, monitor.Initialized, e.state(t))
}

func TestStartOverwriteReplacesResources(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)
	old := e.backendConfig(t)
	_, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, day(2024, 1, 31))
	require.NoError(t, err)

	req := request(t)
	req.Overwrite = true
	st, err := e.mgr.Start(ctx, req)
	require.NoError(t, err)

	fresh := e.backendConfig(t)
	assert.NotEqual(t, old.BucketName, fresh.BucketName)
	assert.False(t, e.storage.HasBucket(old.BucketName))
	assert.True(t, e.storage.HasBucket(fresh.BucketName))
	assert.Len(t, e.saas.Collections(), 1)
	assert.Len(t, e.saas.Instances(), 1)

	assert.True(t, st.Params.LastMonitored.Equal(day(2024, 1, 1)), "cursor restarts")
	rs, err := e.mgr.Results(ctx, "forest", "")
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestStartOverwriteWithOtherKindForgetsOldBackend(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)
	old := e.backendConfig(t)

	req := request(t)
	req.Kind = monitor.AsyncAPI
	req.Overwrite = true
	st, err := e.mgr.Start(ctx, req)
	require.NoError(t, err)

	require.Len(t, st.Backends, 1)
	assert.Equal(t, monitor.AsyncAPI, st.Backends[0].Kind)
	assert.False(t, e.storage.HasBucket(old.BucketName))
	assert.True(t, e.storage.HasBucket(st.Backends[0].BucketName))

	_, _, err = e.mgr.Load(ctx, "forest", monitor.ProcessAPI)
	assert.ErrorIs(t, err, failure.ErrNotFound)
	_, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, day(2024, 1, 31))
	assert.ErrorIs(t, err, failure.ErrNotFound)

	report, err := e.mgr.RunCycle(ctx, "forest", monitor.AsyncAPI, day(2024, 1, 31))
	require.NoError(t, err)
	assert.Len(t, report.Results, 4)
}

func TestRecreateAfterDeleteForgetsOldBackend(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)
	require.NoError(t, e.mgr.Delete(ctx, "forest", false))

	req := request(t)
	req.Kind = monitor.AsyncAPI
	st, err := e.mgr.Start(ctx, req)
	require.NoError(t, err)
	require.Len(t, st.Backends, 1)
	assert.Equal(t, monitor.AsyncAPI, st.Backends[0].Kind)
}

func TestStartValidation(t *testing.T) {
	e := newEnv(t, true)
	req := request(t)
	req.Features = nil
	_, err := e.mgr.Start(context.Background(), req)
	assert.ErrorIs(t, err, failure.ErrInvalidInput)

	req = request(t)
	req.Params.Name = "bad name!"
	_, err = e.mgr.Start(context.Background(), req)
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
	assert.Empty(t, e.saas.Calls())
}

func TestStartWhileLocked(t *testing.T) {
	e := newEnv(t, true)
	unlock, err := e.locker.Lock(context.Background(), "forest")
	require.NoError(t, err)
	defer unlock()

	_, err = e.mgr.Start(context.Background(), request(t))
	assert.ErrorIs(t, err, failure.ErrInvalidState)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestRollbackDisabledLeavesInitializingUntilRecovered(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	e.saas.Fail("CreateInstance", errors.New("status 503"))

	_, err := e.mgr.Start(ctx, request(t))
	require.Error(t, err)
	cfg := e.backendConfig(t)
	assert.Equal(t, monitor.Initializing, e.state(t))
	assert.True(t, e.storage.HasBucket(cfg.BucketName))
	assert.Len(t, e.saas.Collections(), 1)

	_, err = e.mgr.Start(ctx, request(t))
	assert.ErrorIs(t, err, failure.ErrInterrupted)
	_, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, day(2024, 2, 1))
	assert.ErrorIs(t, err, failure.ErrInterrupted)

	state, err := e.mgr.Recover(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, monitor.NotInitialized, state)
	assert.Equal(t, monitor.NotInitialized, e.state(t))
	assert.False(t, e.storage.HasBucket(cfg.BucketName))
	assert.Empty(t, e.saas.Collections())
}

func TestRunCycleAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)

	report, err := e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, time.Date(2024, 1, 31, 15, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Len(t, report.Results, 4)
	assert.Equal(t, 4, report.Inserted)
	assert.Contains(t, report.Links["north"], "layerId=DISTURBED-DATE")
	assert.Len(t, e.sink.results, 4)

	p, err := e.store.LoadMonitorParams(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, monitor.Initialized, p.State)
	assert.True(t, p.LastMonitored.Equal(day(2024, 1, 31)))

	st, err := e.mgr.Describe(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Features[0].DisturbedPixels)

	processed := e.saas.CallCount("Process")
	for _, end := range []time.Time{day(2024, 1, 31), day(2024, 1, 10)} {
		report, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, end)
		require.NoError(t, err)
		assert.True(t, report.Skipped)
	}
	assert.Equal(t, processed, e.saas.CallCount("Process"), "no remote work for a cursor that would not move")

	// overlapping dates are not counted twice
	report, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, day(2024, 2, 29))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	rs, err := e.mgr.Results(ctx, "forest", "south")
	require.NoError(t, err)
	assert.Len(t, rs, 2)
}

func TestRunCycleFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)

	injected := errors.New("status 429")
	e.saas.Fail("Process", injected)
	_, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, day(2024, 1, 31))
	require.ErrorIs(t, err, injected)

	p, err := e.store.LoadMonitorParams(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, monitor.Initialized, p.State)
	assert.True(t, p.LastMonitored.Equal(day(2024, 1, 1)))
	rs, err := e.mgr.Results(ctx, "forest", "")
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestRunCycleUnknownMonitor(t *testing.T) {
	e := newEnv(t, true)
	_, err := e.mgr.RunCycle(context.Background(), "ghost", monitor.ProcessAPI, day(2024, 1, 31))
	assert.ErrorIs(t, err, failure.ErrNotFound)
	_, err = e.mgr.Results(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func TestRecoverInterruptedCycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateMonitorState(ctx, "forest", monitor.Updating))

	_, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, day(2024, 1, 31))
	assert.ErrorIs(t, err, failure.ErrInterrupted)

	state, err := e.mgr.Recover(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, monitor.Initialized, state)

	_, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, day(2024, 1, 31))
	require.NoError(t, err)

	// nothing to do for a monitor at rest
	state, err = e.mgr.Recover(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, monitor.Initialized, state)
}

func TestDeleteAndRecreate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)
	cfg := e.backendConfig(t)

	require.NoError(t, e.mgr.Delete(ctx, "forest", false))
	assert.Equal(t, monitor.Deleted, e.state(t))
	assert.False(t, e.storage.HasBucket(cfg.BucketName))
	assert.Empty(t, e.saas.Collections())
	assert.Empty(t, e.saas.Instances())

	require.NoError(t, e.mgr.Delete(ctx, "forest", false), "deleting twice is a no-op")

	st, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)
	assert.Equal(t, monitor.Initialized, st.Params.State)

	require.NoError(t, e.mgr.Delete(ctx, "forest", true))
	ok, err := e.store.MonitorExists(ctx, "forest")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, e.mgr.Delete(ctx, "forest", true), failure.ErrNotFound)
}

func TestDeleteFailureLeavesDeleting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)

	e.saas.Fail("DeleteCollection", errors.New("status 403"))
	err = e.mgr.Delete(ctx, "forest", false)
	assert.ErrorIs(t, err, failure.ErrDeletion)
	assert.Equal(t, monitor.Deleting, e.state(t))

	e.saas.Fail("DeleteCollection", nil)
	state, err := e.mgr.Recover(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, monitor.Deleted, state)
	assert.Empty(t, e.saas.Collections())
}

func TestListMonitors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)

	all, err := e.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "forest", all[0].Name)
}

func TestShareGrantsCollectionAccess(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	assert.ErrorIs(t, e.mgr.Share(ctx, "forest", "", "acct-7"), failure.ErrNotFound)

	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)
	assert.ErrorIs(t, e.mgr.Share(ctx, "forest", "", ""), failure.ErrInvalidInput)
	assert.ErrorIs(t, e.mgr.Share(ctx, "forest", monitor.AsyncAPI, "acct-7"), failure.ErrNotFound, "no async backend")

	require.NoError(t, e.mgr.Share(ctx, "forest", "", "acct-7"))
	assert.Equal(t, []string{"acct-7"}, e.saas.SharedWith(e.backendConfig(t).CollectionID))
	assert.Equal(t, monitor.Initialized, e.state(t), "sharing does not change state")

	require.NoError(t, e.mgr.Delete(ctx, "forest", false))
	assert.ErrorIs(t, e.mgr.Share(ctx, "forest", "", "acct-8"), failure.ErrInvalidState)
}

func TestClearResults(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	assert.ErrorIs(t, e.mgr.ClearResults(ctx, "forest", ""), failure.ErrNotFound)

	_, err := e.mgr.Start(ctx, request(t))
	require.NoError(t, err)
	_, err = e.mgr.RunCycle(ctx, "forest", monitor.ProcessAPI, day(2024, 2, 1))
	require.NoError(t, err)

	require.NoError(t, e.mgr.ClearResults(ctx, "forest", "north"))
	rs, err := e.mgr.Results(ctx, "forest", "")
	require.NoError(t, err)
	require.NotEmpty(t, rs)
	for _, r := range rs {
		assert.Equal(t, "south", r.FeatureID)
	}

	require.NoError(t, e.mgr.ClearResults(ctx, "forest", ""))
	rs, err = e.mgr.Results(ctx, "forest", "")
	require.NoError(t, err)
	assert.Empty(t, rs)
	p, err := e.store.LoadMonitorParams(ctx, "forest")
	require.NoError(t, err)
	assert.True(t, p.LastMonitored.Equal(day(2024, 2, 1)), "cursor kept")
}
