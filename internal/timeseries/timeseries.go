// Package timeseries exports monitoring results as points to InfluxDB.
package timeseries

import (
	"context"
	"fmt"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/monitor"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const measurement = "disturbance"

// Sink receives the results of a completed cycle.
type Sink interface {
	Export(ctx context.Context, monitorName string, results []monitor.Result) error
}

// Discard drops everything.
type Discard struct{}

func (Discard) Export(context.Context, string, []monitor.Result) error { return nil }

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Influx struct {
	client influxdb2.Client
	writer pointWriter
}

// NewInflux connects lazily; Ping checks the server.
func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{client: client, writer: client.WriteAPIBlocking(org, bucket)}
}

func (i *Influx) Ping(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("influx ping: server not ready")
	}
	return nil
}

func (i *Influx) Export(ctx context.Context, monitorName string, results []monitor.Result) error {
	if len(results) == 0 {
		return nil
	}
	points := make([]*write.Point, len(results))
	for n, r := range results {
		points[n] = Point(monitorName, r)
	}
	if err := i.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("export %d results of %s: %w", len(results), monitorName, err)
	}
	return nil
}

func (i *Influx) Close() {
	if i.client != nil {
		i.client.Close()
	}
}

// Point is one feature/date result. Writing the same point twice overwrites
// it, so a repeated cycle stays idempotent.
func Point(monitorName string, r monitor.Result) *write.Point {
	return influxdb2.NewPoint(measurement,
		map[string]string{"monitor": monitorName, "feature": r.FeatureID},
		map[string]interface{}{"new_disturbed": r.NewDisturbed},
		r.Date.UTC().Truncate(24*time.Hour))
}
