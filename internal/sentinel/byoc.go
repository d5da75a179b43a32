package sentinel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

const (
	byocPath = "/api/v1/byoc/collections"
	aclPath  = "/api/v1/acl/collection"
)

type Tile struct {
	Path        string `json:"path"`
	SensingTime string `json:"sensingTime"`
}

// NewTile points at folder/featureID/(BAND).tif; the service substitutes
// each band name for (BAND).
func NewTile(folder, featureID string, sensing time.Time) Tile {
	return Tile{
		Path:        folder + "/" + featureID + "/(BAND).tif",
		SensingTime: sensing.Format(time.DateOnly) + "T00:00:00Z",
	}
}

type TileStatus struct {
	Status string
	Cause  string
}

type created struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *Client) CreateCollection(ctx context.Context, name, bucket string) (string, error) {
	var out created
	in := map[string]string{"name": name, "s3Bucket": bucket}
	if err := c.doJSON(ctx, http.MethodPost, byocPath, in, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", errors.New("create collection: response has no id")
	}
	return out.Data.ID, nil
}

func (c *Client) DeleteCollection(ctx context.Context, id string) error {
	return notFound("delete collection "+id, c.doJSON(ctx, http.MethodDelete, byocPath+"/"+id, nil, nil))
}

func (c *Client) CreateTile(ctx context.Context, collectionID string, t Tile) (string, error) {
	var out created
	if err := c.doJSON(ctx, http.MethodPost, byocPath+"/"+collectionID+"/tiles", t, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", errors.New("create tile: response has no id")
	}
	return out.Data.ID, nil
}

func (c *Client) Tile(ctx context.Context, collectionID, tileID string) (TileStatus, error) {
	var out struct {
		Data struct {
			Status         string `json:"status"`
			AdditionalData struct {
				FailedIngestionCause string `json:"failedIngestionCause"`
			} `json:"additionalData"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, byocPath+"/"+collectionID+"/tiles/"+tileID, nil, &out); err != nil {
		return TileStatus{}, notFound("tile "+tileID, err)
	}
	return TileStatus{Status: out.Data.Status, Cause: out.Data.AdditionalData.FailedIngestionCause}, nil
}

// ShareCollection grants accountID USE access to the collection so its
// layers can be requested from that account.
func (c *Client) ShareCollection(ctx context.Context, collectionID, accountID string) error {
	p := aclPath + "/" + url.PathEscape(collectionID) + "/da/" + url.PathEscape(accountID) + "/USE?notes="
	return notFound("share collection "+collectionID, c.doJSON(ctx, http.MethodPost, p, nil, nil))
}
