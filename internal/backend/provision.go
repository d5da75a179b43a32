package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/arencloud/disturbancemonitor/internal/evalscript"
	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/geometry"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"github.com/arencloud/disturbancemonitor/internal/resource"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Provision creates the bucket, the image collection, one fitted model per
// feature and the visualization. Each resource is registered on scope right
// after it exists and cfg is checkpointed. It returns the monitored pixel
// count per feature, where the service reported one.
func (b *Backend) Provision(ctx context.Context, scope *resource.Scope, features []geometry.Feature, checkpoint Checkpoint) (map[string]int64, error) {
	ctx, span := b.start(ctx, "backend.Provision")
	defer span.End()
	span.SetAttributes(attribute.Int("features", len(features)))

	pixels, err := b.provision(ctx, scope, features, checkpoint)
	if err != nil {
		fail(span, err)
	}
	return pixels, err
}

func (b *Backend) provision(ctx context.Context, scope *resource.Scope, features []geometry.Feature, checkpoint Checkpoint) (map[string]int64, error) {
	if len(features) == 0 {
		return nil, failure.New(failure.ErrInvalidInput, "provision "+b.params.Name, "no features")
	}
	if checkpoint == nil {
		checkpoint = func(context.Context, monitor.BackendConfig) error { return nil }
	}
	log := b.deps.Logger
	name := b.params.Name

	log.Info("1/4 creating bucket", "monitor", name, "bucket", b.cfg.BucketName)
	if err := b.bucket.Create(ctx); err != nil {
		return nil, err
	}
	scope.Register(b.bucket)
	statements := []resource.Statement{resource.ServiceReadStatement(b.cfg.BucketName, b.deps.PrincipalARN)}
	if b.cfg.Kind == monitor.AsyncAPI {
		statements = append(statements, resource.AsyncWriteStatement(b.cfg.BucketName, b.deps.AsyncRoleARN))
	}
	if err := b.bucket.MergePolicy(ctx, statements...); err != nil {
		return nil, err
	}
	if err := checkpoint(ctx, b.cfg); err != nil {
		return nil, fmt.Errorf("checkpoint bucket: %w", err)
	}

	log.Info("2/4 creating image collection", "monitor", name)
	if err := b.collection.Create(ctx); err != nil {
		return nil, err
	}
	scope.Register(b.collection)
	b.cfg.CollectionID = b.collection.ID
	if err := checkpoint(ctx, b.cfg); err != nil {
		return nil, fmt.Errorf("checkpoint collection: %w", err)
	}

	log.Info("3/4 fitting models", "monitor", name, "features", len(features), "concurrency", b.deps.Concurrency)
	pixels, err := b.fitAll(ctx, features)
	if err != nil {
		return nil, err
	}

	log.Info("4/4 creating visualization", "monitor", name)
	if err := b.vis.Create(ctx); err != nil {
		return nil, err
	}
	scope.Register(b.vis)
	b.cfg.InstanceID = b.vis.InstanceID
	if err := checkpoint(ctx, b.cfg); err != nil {
		return nil, fmt.Errorf("checkpoint visualization: %w", err)
	}
	script, err := evalscript.Raw(evalscript.Visualize)
	if err != nil {
		return nil, err
	}
	if _, err := b.vis.AddLayer(ctx, LayerTitle, script, b.cfg.CollectionID); err != nil {
		return nil, err
	}
	log.Info("provisioned", "monitor", name, "collection", b.cfg.CollectionID, "instance", b.cfg.InstanceID)
	return pixels, nil
}

func (b *Backend) fitAll(ctx context.Context, features []geometry.Feature) (map[string]int64, error) {
	fit, err := evalscript.Prepare(evalscript.Fit, b.params)
	if err != nil {
		return nil, err
	}
	metric, err := evalscript.Prepare(evalscript.Metric, b.params)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	pixels := map[string]int64{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.deps.Concurrency)
	for _, f := range features {
		g.Go(func() error {
			n, err := b.fitFeature(gctx, f, fit, metric)
			if err != nil {
				return fmt.Errorf("feature %s: %w", f.ID, err)
			}
			if n != nil {
				mu.Lock()
				pixels[f.ID] = *n
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pixels, nil
}

// fitFeature fits the model, ingests it as a tile dated at the monitoring
// start and computes the boundary metric against it.
func (b *Backend) fitFeature(ctx context.Context, f geometry.Feature, fit, metric string) (*int64, error) {
	ctx, span := b.deps.Tracer.Start(ctx, "backend.fitFeature", trace.WithAttributes(attribute.String("feature.id", f.ID)))
	defer span.End()

	n, err := b.fitFeatureSteps(ctx, f, fit, metric)
	if err != nil {
		fail(span, err)
	}
	return n, err
}

func (b *Backend) fitFeatureSteps(ctx context.Context, f geometry.Feature, fit, metric string) (*int64, error) {
	geom, err := f.GeoJSON()
	if err != nil {
		return nil, err
	}
	log := b.deps.Logger
	log.Debug("fit model", "monitor", b.params.Name, "feature", f.ID)
	if _, err := b.run.run(ctx, f.ID, b.fitRequest(geom, fit)); err != nil {
		return nil, err
	}
	log.Debug("ingest model", "monitor", b.params.Name, "feature", f.ID)
	if err := b.collection.Ingest(ctx, b.params.MonitoringStart, f.ID); err != nil {
		return nil, err
	}
	log.Debug("compute metric", "monitor", b.params.Name, "feature", f.ID)
	userData, err := b.run.run(ctx, f.ID, b.metricRequest(geom, metric))
	if err != nil {
		return nil, err
	}
	return monitoredPixels(userData)
}

func monitoredPixels(userData []byte) (*int64, error) {
	if len(userData) == 0 {
		return nil, nil
	}
	var doc struct {
		MonitoredPixels *int64 `json:"monitoredPixels"`
	}
	if err := json.Unmarshal(userData, &doc); err != nil {
		return nil, fmt.Errorf("decode metric userdata: %w", err)
	}
	return doc.MonitoredPixels, nil
}
