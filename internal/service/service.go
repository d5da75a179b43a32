// Package service drives the monitor lifecycle: it persists every state
// change around the remote work done by a backend and keeps at most one
// operation in flight per monitor name.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/backend"
	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/geometry"
	"github.com/arencloud/disturbancemonitor/internal/lock"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/metrics"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"github.com/arencloud/disturbancemonitor/internal/resource"
	"github.com/arencloud/disturbancemonitor/internal/timeseries"
)

// Store is the persistence contract the manager needs.
type Store interface {
	SaveMonitorParams(ctx context.Context, p monitor.Params) error
	LoadMonitorParams(ctx context.Context, name string) (monitor.Params, error)
	ListMonitors(ctx context.Context) ([]monitor.Params, error)
	MonitorExists(ctx context.Context, name string) (bool, error)
	UpdateMonitorState(ctx context.Context, name string, state monitor.State) error
	AdvanceCursor(ctx context.Context, name string, to time.Time, state monitor.State) error
	ResetMonitor(ctx context.Context, name string, state monitor.State) error

	SaveBackendConfig(ctx context.Context, name string, cfg monitor.BackendConfig) error
	LoadBackendConfig(ctx context.Context, name string, kind monitor.BackendKind) (monitor.BackendConfig, error)
	ListBackends(ctx context.Context, name string) ([]monitor.BackendConfig, error)
	BackendExists(ctx context.Context, name string, kind monitor.BackendKind) (monitor.Presence, error)

	SaveGeometry(ctx context.Context, name string, features []geometry.Feature) error
	LoadGeometry(ctx context.Context, name string) ([]geometry.Feature, error)
	UpdateMonitoredPixels(ctx context.Context, name string, pixels map[string]int64) error

	SaveMonitoringResults(ctx context.Context, name string, results []monitor.Result) (int, error)
	LoadMonitoringResults(ctx context.Context, name, featureID string) ([]monitor.Result, error)
	DeleteMonitoringResults(ctx context.Context, name, featureID string) error
	DeleteMonitor(ctx context.Context, name string) error
}

// Backend is the remote side of one (monitor, kind) pair.
type Backend interface {
	Config() monitor.BackendConfig
	Provision(ctx context.Context, scope *resource.Scope, features []geometry.Feature, checkpoint backend.Checkpoint) (map[string]int64, error)
	Monitor(ctx context.Context, features []geometry.Feature, from, to time.Time) (backend.Cycle, error)
	Teardown(ctx context.Context) error
	Share(ctx context.Context, accountID string) error
}

// BackendFactory rebuilds a backend from persisted identifiers without
// calling anything remote.
type BackendFactory func(params monitor.Params, cfg monitor.BackendConfig) Backend

// Factory adapts backend.New to a BackendFactory sharing deps.
func Factory(deps backend.Deps) BackendFactory {
	return func(params monitor.Params, cfg monitor.BackendConfig) Backend {
		return backend.New(params, cfg, deps)
	}
}

type Options struct {
	Locker  lock.Locker
	Sink    timeseries.Sink
	Logger  logging.Logger
	Metrics *metrics.Metrics
	// Rollback is stored in every new backend configuration.
	Rollback        bool
	RollbackTimeout time.Duration
}

type Manager struct {
	store      Store
	newBackend BackendFactory
	locker     lock.Locker
	sink       timeseries.Sink
	log        logging.Logger
	metrics    *metrics.Metrics

	rollback        bool
	rollbackTimeout time.Duration
}

func New(store Store, factory BackendFactory, opts Options) *Manager {
	m := &Manager{
		store:           store,
		newBackend:      factory,
		locker:          opts.Locker,
		sink:            opts.Sink,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		rollback:        opts.Rollback,
		rollbackTimeout: opts.RollbackTimeout,
	}
	if m.locker == nil {
		m.locker = lock.NewLocal()
	}
	if m.sink == nil {
		m.sink = timeseries.Discard{}
	}
	if m.log == nil {
		m.log = logging.Nop()
	}
	if m.rollbackTimeout <= 0 {
		m.rollbackTimeout = 2 * time.Minute
	}
	return m
}

// CreateRequest asks for a new monitor provisioned on Kind.
type CreateRequest struct {
	Params    monitor.Params
	Features  []geometry.Feature
	Kind      monitor.BackendKind
	Overwrite bool
}

// Status is the persisted view of a monitor.
type Status struct {
	Params   monitor.Params          `json:"params"`
	Backends []monitor.BackendConfig `json:"backends"`
	Features []FeatureStatus         `json:"features"`
}

type FeatureStatus struct {
	ID              string  `json:"id"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	MonitoredPixels *int64  `json:"monitoredPixels"`
	DisturbedPixels int64   `json:"disturbedPixels"`
}

// CycleReport summarizes one monitoring run.
type CycleReport struct {
	Monitor  string            `json:"monitor"`
	From     time.Time         `json:"from"`
	To       time.Time         `json:"to"`
	Skipped  bool              `json:"skipped"`
	Inserted int               `json:"inserted"`
	Results  []monitor.Result  `json:"results"`
	Links    map[string]string `json:"links,omitempty"`
}

func (m *Manager) acquire(ctx context.Context, op, name string) (func(), error) {
	unlock, err := m.locker.Lock(ctx, name)
	if errors.Is(err, lock.ErrLocked) {
		return nil, failure.Wrap(failure.ErrInvalidState, op+" "+name, err)
	}
	return unlock, err
}

// setState validates and persists from -> to. Writes use a context that
// survives the caller's cancellation so the stored state stays truthful.
func (m *Manager) setState(ctx context.Context, name string, from, to monitor.State) error {
	if err := monitor.Transition(from, to); err != nil {
		return failure.Wrap(failure.ErrInvalidState, "monitor "+name, err)
	}
	if err := m.store.UpdateMonitorState(context.WithoutCancel(ctx), name, to); err != nil {
		return err
	}
	m.metrics.StateChanged(string(to))
	m.log.Info("state changed", "monitor", name, "from", string(from), "to", string(to))
	return nil
}

// reset returns a monitor whose remote resources are gone to
// NOT_INITIALIZED; its backend rows and results go in the same write.
func (m *Manager) reset(ctx context.Context, name string, from monitor.State) error {
	if err := monitor.Transition(from, monitor.NotInitialized); err != nil {
		return failure.Wrap(failure.ErrInvalidState, "monitor "+name, err)
	}
	if err := m.store.ResetMonitor(context.WithoutCancel(ctx), name, monitor.NotInitialized); err != nil {
		return err
	}
	m.metrics.StateChanged(string(monitor.NotInitialized))
	m.log.Info("state changed", "monitor", name, "from", string(from), "to", string(monitor.NotInitialized), "reset", true)
	return nil
}

// teardown deletes the resources of every backend the monitor ever had.
func (m *Manager) teardown(ctx context.Context, params monitor.Params) error {
	cfgs, err := m.store.ListBackends(ctx, params.Name)
	if err != nil {
		return err
	}
	var errs []error
	for _, cfg := range cfgs {
		if err := m.newBackend(params, cfg).Teardown(ctx); err != nil {
			m.log.Error("teardown failed", "monitor", params.Name, "kind", string(cfg.Kind), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start provisions a monitor. An initialized monitor is rejected with
// failure.ErrAlreadyExists before any remote call unless Overwrite is set,
// in which case its resources and results are removed first.
func (m *Manager) Start(ctx context.Context, req CreateRequest) (status Status, err error) {
	t0 := time.Now()
	defer func() { m.metrics.ObserveOperation("start", t0, err) }()

	params := req.Params
	params.State = ""
	params.LastMonitored = time.Time{}
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return Status{}, err
	}
	if len(req.Features) == 0 {
		return Status{}, failure.New(failure.ErrInvalidInput, "start "+params.Name, "no features")
	}
	kind := req.Kind
	if kind == "" {
		kind = monitor.ProcessAPI
	}
	name := params.Name

	unlock, err := m.acquire(ctx, "start", name)
	if err != nil {
		return Status{}, err
	}
	defer unlock()

	current, err := m.prepare(ctx, name, kind, req.Overwrite)
	if err != nil {
		return Status{}, err
	}
	if err := monitor.Transition(current, monitor.Initializing); err != nil {
		return Status{}, failure.Wrap(failure.ErrInvalidState, "start "+name, err)
	}

	params.State = monitor.Initializing
	if err := m.store.SaveMonitorParams(ctx, params); err != nil {
		return Status{}, err
	}
	m.metrics.StateChanged(string(monitor.Initializing))
	if err := m.store.SaveGeometry(ctx, name, req.Features); err != nil {
		return Status{}, m.abandon(ctx, name, err)
	}
	cfg := monitor.NewBackendConfig(kind, name, m.rollback)
	if err := m.store.SaveBackendConfig(ctx, name, cfg); err != nil {
		return Status{}, m.abandon(ctx, name, err)
	}
	m.log.Info("provisioning", "monitor", name, "kind", string(kind), "bucket", cfg.BucketName, "features", len(req.Features))

	b := m.newBackend(params, cfg)
	scope := resource.Begin(
		resource.WithRollback(cfg.Rollback),
		resource.WithTimeout(m.rollbackTimeout),
		resource.WithLogger(m.log),
		resource.WithMetrics(m.metrics),
	)
	checkpoint := func(ctx context.Context, c monitor.BackendConfig) error {
		return m.store.SaveBackendConfig(context.WithoutCancel(ctx), name, c)
	}
	pixels, err := b.Provision(ctx, scope, req.Features, checkpoint)
	err = scope.End(ctx, err)

	pctx := context.WithoutCancel(ctx)
	if err != nil {
		if scope.RolledBack() && len(scope.RollbackErrors()) == 0 {
			if serr := m.reset(pctx, name, monitor.Initializing); serr != nil {
				m.log.Error("persist rolled back state", "monitor", name, "error", serr)
			}
		} else {
			m.log.Warn("provisioning left resources behind", "monitor", name, "rollback", scope.RolledBack(), "rollbackErrors", len(scope.RollbackErrors()))
		}
		return Status{}, err
	}

	if err := m.store.SaveBackendConfig(pctx, name, b.Config()); err != nil {
		return Status{}, err
	}
	if err := m.store.UpdateMonitoredPixels(pctx, name, pixels); err != nil {
		return Status{}, err
	}
	if err := m.setState(pctx, name, monitor.Initializing, monitor.Initialized); err != nil {
		return Status{}, err
	}
	return m.Describe(pctx, name)
}

// prepare checks an existing monitor before provisioning and returns the
// state provisioning starts from.
func (m *Manager) prepare(ctx context.Context, name string, kind monitor.BackendKind, overwrite bool) (monitor.State, error) {
	presence, err := m.store.BackendExists(ctx, name, kind)
	if err != nil {
		return "", err
	}
	if !presence.Monitor {
		return monitor.NotInitialized, nil
	}
	existing, err := m.store.LoadMonitorParams(ctx, name)
	if err != nil {
		return "", err
	}
	state := existing.State
	if !overwrite {
		switch {
		case state.InProgress():
			return "", failure.New(failure.ErrInterrupted, "start "+name, "monitor is "+string(state)+"; recover it or overwrite")
		case presence.Initialized:
			return "", failure.New(failure.ErrAlreadyExists, "start "+name, "monitor is already initialized")
		}
	}

	switch {
	case state == monitor.Deleted:
		// re-creation under the same name
		return monitor.NotInitialized, m.reset(ctx, name, state)
	case state == monitor.NotInitialized && !overwrite:
		return state, nil
	}

	if state != monitor.Deleting {
		if err := m.setState(ctx, name, state, monitor.Deleting); err != nil {
			return "", err
		}
	}
	m.log.Info("overwriting monitor", "monitor", name, "from", string(state))
	if err := m.teardown(ctx, existing); err != nil {
		return "", err
	}
	return monitor.NotInitialized, m.reset(ctx, name, monitor.Deleting)
}

// abandon handles a persistence failure before anything remote exists.
func (m *Manager) abandon(ctx context.Context, name string, cause error) error {
	if err := m.setState(ctx, name, monitor.Initializing, monitor.NotInitialized); err != nil {
		m.log.Error("persist abandoned state", "monitor", name, "error", err)
	}
	return cause
}

// Load rebuilds the backend of an existing monitor without provisioning.
func (m *Manager) Load(ctx context.Context, name string, kind monitor.BackendKind) (Backend, monitor.Params, error) {
	params, err := m.store.LoadMonitorParams(ctx, name)
	if err != nil {
		return nil, monitor.Params{}, err
	}
	if params.State.InProgress() {
		return nil, params, failure.New(failure.ErrInterrupted, "load "+name, "monitor is "+string(params.State))
	}
	cfg, err := m.store.LoadBackendConfig(ctx, name, kind)
	if err != nil {
		return nil, params, err
	}
	return m.newBackend(params, cfg), params, nil
}

// RunCycle monitors [last_monitored, end]. An end not after the cursor is a
// no-op. On failure the monitor returns to INITIALIZED with the cursor
// unchanged.
func (m *Manager) RunCycle(ctx context.Context, name string, kind monitor.BackendKind, end time.Time) (report CycleReport, err error) {
	t0 := time.Now()
	defer func() { m.metrics.ObserveOperation("cycle", t0, err) }()
	if kind == "" {
		kind = monitor.ProcessAPI
	}

	unlock, err := m.acquire(ctx, "monitor", name)
	if err != nil {
		return CycleReport{}, err
	}
	defer unlock()

	b, params, err := m.Load(ctx, name, kind)
	if err != nil {
		return CycleReport{}, err
	}
	if params.State != monitor.Initialized {
		return CycleReport{}, failure.New(failure.ErrInvalidState, "monitor "+name, "monitor is "+string(params.State))
	}
	end = monitor.Day(end)
	report = CycleReport{Monitor: name, From: params.LastMonitored, To: end}
	if !end.After(params.LastMonitored) {
		report.Skipped = true
		m.log.Info("cycle skipped", "monitor", name, "lastMonitored", params.LastMonitored.Format(time.DateOnly), "end", end.Format(time.DateOnly))
		return report, nil
	}
	features, err := m.store.LoadGeometry(ctx, name)
	if err != nil {
		return CycleReport{}, err
	}

	if err := m.setState(ctx, name, monitor.Initialized, monitor.Updating); err != nil {
		return CycleReport{}, err
	}
	pctx := context.WithoutCancel(ctx)
	restore := func(cause error) error {
		if serr := m.setState(pctx, name, monitor.Updating, monitor.Initialized); serr != nil {
			m.log.Error("persist state after failed cycle", "monitor", name, "error", serr)
		}
		return cause
	}

	cycle, err := b.Monitor(ctx, features, params.LastMonitored, end)
	if err != nil {
		return CycleReport{}, restore(err)
	}
	inserted, err := m.store.SaveMonitoringResults(pctx, name, cycle.Results)
	if err != nil {
		return CycleReport{}, restore(err)
	}
	if err := m.sink.Export(pctx, name, cycle.Results); err != nil {
		m.log.Warn("results export failed", "monitor", name, "error", err)
	}
	if err := m.store.AdvanceCursor(pctx, name, end, monitor.Initialized); err != nil {
		return CycleReport{}, restore(err)
	}
	m.metrics.StateChanged(string(monitor.Initialized))
	m.log.Info("cycle done", "monitor", name, "to", end.Format(time.DateOnly), "results", len(cycle.Results), "inserted", inserted)

	report.Results = cycle.Results
	report.Links = cycle.Links
	report.Inserted = inserted
	return report, nil
}

// Delete tears down every backend of the monitor and marks it DELETED. A
// failed teardown leaves it DELETING so it can be retried or recovered.
// purge also removes the persisted rows.
func (m *Manager) Delete(ctx context.Context, name string, purge bool) (err error) {
	t0 := time.Now()
	defer func() { m.metrics.ObserveOperation("delete", t0, err) }()

	unlock, err := m.acquire(ctx, "delete", name)
	if err != nil {
		return err
	}
	defer unlock()

	params, err := m.store.LoadMonitorParams(ctx, name)
	if err != nil {
		return err
	}
	if params.State != monitor.Deleted {
		if err := m.finishDelete(ctx, params); err != nil {
			return err
		}
	}
	if purge {
		return m.store.DeleteMonitor(context.WithoutCancel(ctx), name)
	}
	return nil
}

func (m *Manager) finishDelete(ctx context.Context, params monitor.Params) error {
	if params.State != monitor.Deleting {
		if err := m.setState(ctx, params.Name, params.State, monitor.Deleting); err != nil {
			return err
		}
	}
	if err := m.teardown(ctx, params); err != nil {
		return err
	}
	return m.setState(ctx, params.Name, monitor.Deleting, monitor.Deleted)
}

// Recover resolves a monitor left in an in-progress state by a process that
// died: INITIALIZING is torn down to NOT_INITIALIZED, UPDATING returns to
// INITIALIZED with the cursor unchanged and DELETING finishes the deletion.
// Other states are returned untouched.
func (m *Manager) Recover(ctx context.Context, name string) (state monitor.State, err error) {
	t0 := time.Now()
	defer func() { m.metrics.ObserveOperation("recover", t0, err) }()

	unlock, err := m.acquire(ctx, "recover", name)
	if err != nil {
		return "", err
	}
	defer unlock()

	params, err := m.store.LoadMonitorParams(ctx, name)
	if err != nil {
		return "", err
	}
	m.log.Info("recovering", "monitor", name, "state", string(params.State))
	switch params.State {
	case monitor.Initializing:
		if err := m.teardown(ctx, params); err != nil {
			return params.State, err
		}
		return monitor.NotInitialized, m.reset(ctx, name, monitor.Initializing)
	case monitor.Updating:
		return monitor.Initialized, m.setState(ctx, name, monitor.Updating, monitor.Initialized)
	case monitor.Deleting:
		if err := m.finishDelete(ctx, params); err != nil {
			return params.State, err
		}
		return monitor.Deleted, nil
	}
	return params.State, nil
}

// Share grants accountID access to the image collection of the monitor's
// kind backend. Only an INITIALIZED monitor has a collection to share.
func (m *Manager) Share(ctx context.Context, name string, kind monitor.BackendKind, accountID string) (err error) {
	t0 := time.Now()
	defer func() { m.metrics.ObserveOperation("share", t0, err) }()
	if kind == "" {
		kind = monitor.ProcessAPI
	}
	if accountID == "" {
		return failure.New(failure.ErrInvalidInput, "share "+name, "account id is required")
	}

	unlock, err := m.acquire(ctx, "share", name)
	if err != nil {
		return err
	}
	defer unlock()

	b, params, err := m.Load(ctx, name, kind)
	if err != nil {
		return err
	}
	if params.State != monitor.Initialized {
		return failure.New(failure.ErrInvalidState, "share "+name, "monitor is "+string(params.State))
	}
	return b.Share(ctx, accountID)
}

// Describe returns the persisted view of a monitor.
func (m *Manager) Describe(ctx context.Context, name string) (Status, error) {
	params, err := m.store.LoadMonitorParams(ctx, name)
	if err != nil {
		return Status{}, err
	}
	backends, err := m.store.ListBackends(ctx, name)
	if err != nil {
		return Status{}, err
	}
	st := Status{Params: params, Backends: backends, Features: []FeatureStatus{}}
	features, err := m.store.LoadGeometry(ctx, name)
	if err != nil && !errors.Is(err, failure.ErrNotFound) {
		return Status{}, err
	}
	for _, f := range features {
		st.Features = append(st.Features, FeatureStatus{
			ID:              f.ID,
			Lat:             f.Lat,
			Lng:             f.Lng,
			MonitoredPixels: f.MonitoredPixels,
			DisturbedPixels: f.DisturbedPixels,
		})
	}
	return st, nil
}

func (m *Manager) List(ctx context.Context) ([]monitor.Params, error) {
	return m.store.ListMonitors(ctx)
}

// Results returns the stored results of a monitor, optionally for one feature.
func (m *Manager) Results(ctx context.Context, name, featureID string) ([]monitor.Result, error) {
	ok, err := m.store.MonitorExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, failure.New(failure.ErrNotFound, "results "+name, "monitor not found")
	}
	return m.store.LoadMonitoringResults(ctx, name, featureID)
}

// ClearResults drops stored results, for one feature or all of them, and
// zeroes the matching disturbed pixel counters. The cursor is left alone.
func (m *Manager) ClearResults(ctx context.Context, name, featureID string) error {
	unlock, err := m.acquire(ctx, "clear results", name)
	if err != nil {
		return err
	}
	defer unlock()

	ok, err := m.store.MonitorExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return failure.New(failure.ErrNotFound, "clear results "+name, "monitor not found")
	}
	if err := m.store.DeleteMonitoringResults(ctx, name, featureID); err != nil {
		return err
	}
	m.log.Info("results cleared", "monitor", name, "feature", featureID)
	return nil
}
