package resource

import (
	"context"
	"errors"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/poller"
	"github.com/arencloud/disturbancemonitor/internal/sentinel"
)

// CollectionAPI is the hosted-collection surface of the SaaS.
type CollectionAPI interface {
	CreateCollection(ctx context.Context, name, bucket string) (string, error)
	DeleteCollection(ctx context.Context, id string) error
	CreateTile(ctx context.Context, collectionID string, t sentinel.Tile) (string, error)
	Tile(ctx context.Context, collectionID, tileID string) (sentinel.TileStatus, error)
	ShareCollection(ctx context.Context, collectionID, accountID string) error
}

// ImageCollection is a hosted raster collection reading from a bucket folder.
type ImageCollection struct {
	ID     string
	Name   string
	Bucket string

	api    CollectionAPI
	poller *poller.Poller
}

func NewImageCollection(api CollectionAPI, p *poller.Poller, id, name, bucket string) *ImageCollection {
	return &ImageCollection{ID: id, Name: name, Bucket: bucket, api: api, poller: p}
}

func (c *ImageCollection) Describe() string { return "collection " + c.Name + " (" + c.ID + ")" }

func (c *ImageCollection) Create(ctx context.Context) error {
	id, err := c.api.CreateCollection(ctx, c.Name, c.Bucket)
	if err != nil {
		return failure.Wrap(failure.ErrRemoteCreation, "create collection "+c.Name, err)
	}
	c.ID = id
	return nil
}

// Ingest registers the feature's rasters as one tile dated sensing and
// waits until the service has ingested it.
func (c *ImageCollection) Ingest(ctx context.Context, sensing time.Time, featureID string) error {
	if c.ID == "" {
		return failure.New(failure.ErrInvalidState, "ingest "+featureID, "collection not created")
	}
	tileID, err := c.api.CreateTile(ctx, c.ID, sentinel.NewTile(c.Name, featureID, sensing))
	if err != nil {
		return failure.Wrap(failure.ErrRemoteCreation, "create tile "+featureID, err)
	}
	return c.poller.Wait(ctx, "tile "+tileID, func(ctx context.Context) (poller.Status, error) {
		st, err := c.api.Tile(ctx, c.ID, tileID)
		if err != nil {
			return poller.Status{}, err
		}
		switch st.Status {
		case "INGESTED":
			return poller.Done(), nil
		case "FAILED":
			return poller.Fail("Ingestion of tile failed: " + st.Cause), nil
		}
		return poller.Running(), nil
	})
}

// Share grants another account read access to the collection.
func (c *ImageCollection) Share(ctx context.Context, accountID string) error {
	op := "share collection " + c.Name
	if c.ID == "" {
		return failure.New(failure.ErrInvalidState, op, "collection not created")
	}
	if accountID == "" {
		return failure.New(failure.ErrInvalidInput, op, "account id is required")
	}
	return c.api.ShareCollection(ctx, c.ID, accountID)
}

func (c *ImageCollection) Delete(ctx context.Context) (DeleteStatus, error) {
	if c.ID == "" {
		return AlreadyAbsent, nil
	}
	err := c.api.DeleteCollection(ctx, c.ID)
	if errors.Is(err, failure.ErrNotFound) {
		return AlreadyAbsent, nil
	}
	if err != nil {
		return DeleteFailed, failure.Wrap(failure.ErrDeletion, "delete collection "+c.ID, err)
	}
	return Deleted, nil
}
