package backend

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/poller"
	"github.com/arencloud/disturbancemonitor/internal/resource"
	"github.com/arencloud/disturbancemonitor/internal/sentinel"
)

const userDataFile = "userdata.json"

// compute runs one processing request for a feature. Raster outputs end up
// in the feature folder as <identifier>.tif; the optional userdata document
// is returned.
type compute interface {
	run(ctx context.Context, featureID string, req sentinel.ProcessRequest) ([]byte, error)
}

type processCompute struct {
	saas   SaaS
	bucket *resource.Bucket
}

func (c *processCompute) run(ctx context.Context, featureID string, req sentinel.ProcessRequest) ([]byte, error) {
	files, err := c.saas.Process(ctx, req)
	if err != nil {
		return nil, err
	}
	var userData []byte
	for name, data := range files {
		if name == userDataFile {
			userData = data
			continue
		}
		if !strings.HasSuffix(name, ".tif") {
			continue
		}
		if err := c.bucket.Write(ctx, path.Join(featureID, name), data, "image/tiff"); err != nil {
			return nil, err
		}
	}
	return userData, nil
}

type asyncCompute struct {
	saas      SaaS
	bucket    *resource.Bucket
	poller    *poller.Poller
	accessKey string
	secretKey string
}

// run submits the job with delivery into <folder>/<job>/, waits until the
// service no longer knows the job and moves the outputs to the feature folder.
func (c *asyncCompute) run(ctx context.Context, featureID string, req sentinel.ProcessRequest) ([]byte, error) {
	req.Output.Delivery = &sentinel.Delivery{S3: sentinel.S3Delivery{
		URL:             c.bucket.Root(),
		AccessKey:       c.accessKey,
		SecretAccessKey: c.secretKey,
	}}
	job, err := c.saas.SubmitAsync(ctx, req)
	if err != nil {
		return nil, err
	}
	err = c.poller.Wait(ctx, "async job "+job, func(ctx context.Context) (poller.Status, error) {
		running, err := c.saas.AsyncRunning(ctx, job)
		if err != nil {
			return poller.Status{}, err
		}
		if running {
			return poller.Running(), nil
		}
		return poller.Done(), nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.checkError(ctx, job); err != nil {
		return nil, err
	}
	userData, err := c.bucket.Read(ctx, path.Join(job, userDataFile))
	if err != nil && !errors.Is(err, failure.ErrNotFound) {
		return nil, err
	}
	if err := c.bucket.Relocate(ctx, job, featureID, nil); err != nil {
		return nil, err
	}
	return userData, nil
}

// checkError looks for the error document the service leaves next to the
// outputs of a failed job.
func (c *asyncCompute) checkError(ctx context.Context, job string) error {
	data, err := c.bucket.Read(ctx, path.Join(job, "error.json"))
	if errors.Is(err, failure.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc struct {
		Message string `json:"message"`
	}
	if jerr := json.Unmarshal(data, &doc); jerr != nil || doc.Message == "" {
		doc.Message = strings.TrimSpace(string(data))
	}
	jobErr := failure.New(failure.ErrJob, "async job "+job, "Async request failed: "+doc.Message)
	if rerr := c.bucket.RemoveFolder(ctx, job); rerr != nil {
		return errors.Join(jobErr, rerr)
	}
	return jobErr
}
