package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/evalscript"
	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/geometry"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// userdata dates are keyed yymmdd
const resultDateLayout = "060102"

// Cycle is the outcome of one monitoring run over [From, To].
type Cycle struct {
	From    time.Time
	To      time.Time
	Results []monitor.Result
	// Links maps a feature id to a viewer link on To.
	Links map[string]string
}

// Monitor predicts disturbances of every feature over [from, to] and writes
// the updated rasters. It neither persists results nor moves the cursor.
func (b *Backend) Monitor(ctx context.Context, features []geometry.Feature, from, to time.Time) (Cycle, error) {
	ctx, span := b.start(ctx, "backend.Monitor")
	defer span.End()
	span.SetAttributes(attribute.String("from", from.Format(time.DateOnly)), attribute.String("to", to.Format(time.DateOnly)))

	cycle, err := b.monitor(ctx, features, from, to)
	if err != nil {
		fail(span, err)
	}
	return cycle, err
}

func (b *Backend) monitor(ctx context.Context, features []geometry.Feature, from, to time.Time) (Cycle, error) {
	cycle := Cycle{From: from, To: to, Links: map[string]string{}}
	if b.cfg.CollectionID == "" {
		return cycle, failure.New(failure.ErrInvalidState, "monitor "+b.params.Name, "backend has no image collection")
	}
	script, err := evalscript.Prepare(evalscript.Predict, b.params)
	if err != nil {
		return cycle, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.deps.Concurrency)
	for _, f := range features {
		g.Go(func() error {
			results, err := b.predict(gctx, f, script, from, to)
			if err != nil {
				return fmt.Errorf("feature %s: %w", f.ID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			cycle.Results = append(cycle.Results, results...)
			if b.cfg.InstanceID != "" {
				cycle.Links[f.ID] = b.vis.ViewerURL(f.Lat, f.Lng, b.cfg.CollectionID, LayerTitle, to)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cycle, err
	}
	sort.Slice(cycle.Results, func(i, j int) bool {
		a, c := cycle.Results[i], cycle.Results[j]
		if a.FeatureID != c.FeatureID {
			return a.FeatureID < c.FeatureID
		}
		return a.Date.Before(c.Date)
	})
	b.deps.Logger.Info("cycle computed", "monitor", b.params.Name, "from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly), "results", len(cycle.Results))
	return cycle, nil
}

func (b *Backend) predict(ctx context.Context, f geometry.Feature, script string, from, to time.Time) ([]monitor.Result, error) {
	geom, err := f.GeoJSON()
	if err != nil {
		return nil, err
	}
	userData, err := b.run.run(ctx, f.ID, b.predictRequest(geom, script, from, to))
	if err != nil {
		return nil, err
	}
	return parseResults(f.ID, userData)
}

func parseResults(featureID string, userData []byte) ([]monitor.Result, error) {
	if len(userData) == 0 {
		return nil, nil
	}
	var doc struct {
		NewDisturbed map[string]int64 `json:"newDisturbed"`
	}
	if err := json.Unmarshal(userData, &doc); err != nil {
		return nil, fmt.Errorf("decode prediction userdata: %w", err)
	}
	out := make([]monitor.Result, 0, len(doc.NewDisturbed))
	for key, n := range doc.NewDisturbed {
		date, err := time.Parse(resultDateLayout, key)
		if err != nil {
			return nil, fmt.Errorf("prediction userdata date %q: %w", key, err)
		}
		out = append(out, monitor.Result{FeatureID: featureID, Date: date, NewDisturbed: n})
	}
	return out, nil
}
