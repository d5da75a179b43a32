// Package backend runs the provisioning pipeline of a monitor and its
// monitoring cycles on one of two compute strategies: synchronous
// processing requests or asynchronous jobs delivering into the bucket.
package backend

import (
	"context"
	"errors"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/metrics"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"github.com/arencloud/disturbancemonitor/internal/poller"
	"github.com/arencloud/disturbancemonitor/internal/resource"
	"github.com/arencloud/disturbancemonitor/internal/sentinel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "disturbancemonitor/backend"

// LayerTitle is the display layer bound to the image collection. The
// configuration service derives the layer id by upper-casing it.
const LayerTitle = "DISTURBED-DATE"

// SaaS is everything the pipeline calls on the processing service.
type SaaS interface {
	resource.CollectionAPI
	resource.ConfigurationAPI
	Process(ctx context.Context, req sentinel.ProcessRequest) (map[string][]byte, error)
	SubmitAsync(ctx context.Context, req sentinel.ProcessRequest) (string, error)
	AsyncRunning(ctx context.Context, job string) (bool, error)
}

// Checkpoint persists the backend configuration after a remote resource
// was created.
type Checkpoint func(ctx context.Context, cfg monitor.BackendConfig) error

// Deps are the collaborators shared by all backends of a process.
type Deps struct {
	Objects  resource.ObjectStore
	SaaS     SaaS
	Poller   *poller.Poller
	Endpoint sentinel.Endpoint
	Region   string

	// PrincipalARN is granted read access to the bucket.
	PrincipalARN string
	// AsyncRoleARN is granted write access for asynchronous delivery.
	AsyncRoleARN   string
	AsyncAccessKey string
	AsyncSecretKey string

	Concurrency int
	Logger      logging.Logger
	Metrics     *metrics.Metrics
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Backend owns the remote resources of one (monitor, kind) pair.
type Backend struct {
	params monitor.Params
	cfg    monitor.BackendConfig
	deps   Deps
	run    compute

	bucket     *resource.Bucket
	collection *resource.ImageCollection
	vis        *resource.Visualization
}

// New rebuilds the resource handles from cfg; nothing remote is called.
func New(params monitor.Params, cfg monitor.BackendConfig, deps Deps) *Backend {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Poller == nil {
		deps.Poller = poller.New(poller.DefaultInterval, 0, deps.Logger, deps.Metrics)
	}
	if deps.Concurrency < 1 {
		deps.Concurrency = 1
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	b := &Backend{params: params, cfg: cfg, deps: deps}
	b.bucket = resource.NewBucket(deps.Objects, cfg.BucketName, cfg.FolderName, deps.Region, deps.Logger)
	b.collection = resource.NewImageCollection(deps.SaaS, deps.Poller, cfg.CollectionID, cfg.FolderName, cfg.BucketName)
	b.vis = resource.NewVisualization(deps.SaaS, cfg.InstanceID, params.Name, deps.Endpoint.ViewerURL)
	if cfg.Kind == monitor.AsyncAPI {
		b.run = &asyncCompute{saas: deps.SaaS, bucket: b.bucket, poller: deps.Poller, accessKey: deps.AsyncAccessKey, secretKey: deps.AsyncSecretKey}
	} else {
		b.run = &processCompute{saas: deps.SaaS, bucket: b.bucket}
	}
	return b
}

func (b *Backend) Kind() monitor.BackendKind { return b.cfg.Kind }

// Config returns the identifiers known so far.
func (b *Backend) Config() monitor.BackendConfig { return b.cfg }

// Resources lists the handles in creation order.
func (b *Backend) Resources() []resource.Resource {
	return []resource.Resource{b.bucket, b.collection, b.vis}
}

// Teardown deletes bucket, collection and visualization. Every deletion is
// attempted; genuine failures are joined.
func (b *Backend) Teardown(ctx context.Context) error {
	ctx, span := b.start(ctx, "backend.Teardown")
	defer span.End()

	var errs []error
	for _, r := range b.Resources() {
		status, err := r.Delete(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.deps.Logger.Info("teardown", "monitor", b.params.Name, "resource", r.(resource.Describer).Describe(), "status", status.String())
	}
	err := errors.Join(errs...)
	if err != nil {
		if !errors.Is(err, failure.ErrDeletion) {
			err = failure.Wrap(failure.ErrDeletion, "teardown "+b.params.Name, err)
		}
		fail(span, err)
	}
	return err
}

// Share grants accountID access to the monitor's image collection.
func (b *Backend) Share(ctx context.Context, accountID string) error {
	ctx, span := b.start(ctx, "backend.Share")
	defer span.End()

	if err := b.collection.Share(ctx, accountID); err != nil {
		fail(span, err)
		return err
	}
	b.deps.Logger.Info("collection shared", "monitor", b.params.Name, "collection", b.cfg.CollectionID, "account", accountID)
	return nil
}

func (b *Backend) start(ctx context.Context, name string) (context.Context, trace.Span) {
	return b.deps.Tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("monitor.name", b.params.Name),
		attribute.String("backend.kind", string(b.cfg.Kind)),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
