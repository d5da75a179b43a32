package sentinel

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const CRS84 = "http://www.opengis.net/def/crs/EPSG/0/4326"

type TimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DayRange spans from the start of from to the end of to.
func DayRange(from, to time.Time) TimeRange {
	return TimeRange{From: from.Format(time.DateOnly) + "T00:00:00Z", To: to.Format(time.DateOnly) + "T23:59:59Z"}
}

type DataFilter struct {
	TimeRange       TimeRange `json:"timeRange"`
	MosaickingOrder string    `json:"mosaickingOrder,omitempty"`
}

type Data struct {
	Type       string     `json:"type"`
	ID         string     `json:"id,omitempty"`
	DataFilter DataFilter `json:"dataFilter"`
}

type BoundsProperties struct {
	CRS string `json:"crs"`
}

type Bounds struct {
	Geometry   json.RawMessage  `json:"geometry"`
	Properties BoundsProperties `json:"properties"`
}

type Input struct {
	Bounds Bounds `json:"bounds"`
	Data   []Data `json:"data"`
}

type Format struct {
	Type string `json:"type"`
}

type Response struct {
	Identifier string `json:"identifier"`
	Format     Format `json:"format"`
}

func TIFF(identifier string) Response {
	return Response{Identifier: identifier, Format: Format{Type: "image/tiff"}}
}

func JSON(identifier string) Response {
	return Response{Identifier: identifier, Format: Format{Type: "application/json"}}
}

type S3Delivery struct {
	URL             string `json:"url"`
	AccessKey       string `json:"accessKey,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
}

type Delivery struct {
	S3 S3Delivery `json:"s3"`
}

type Output struct {
	ResX      float64    `json:"resx"`
	ResY      float64    `json:"resy"`
	Responses []Response `json:"responses"`
	Delivery  *Delivery  `json:"delivery,omitempty"`
}

type ProcessRequest struct {
	Input      Input  `json:"input"`
	Output     Output `json:"output"`
	Evalscript string `json:"evalscript"`
}

// Process runs a synchronous request and returns the files of the tar
// response keyed by name, e.g. "default.tif" and "userdata.json".
func (c *Client) Process(ctx context.Context, req ProcessRequest) (map[string][]byte, error) {
	b, err := c.do(ctx, http.MethodPost, "/api/v1/process", req, "application/tar")
	if err != nil {
		return nil, err
	}
	return untar(b)
}

func untar(b []byte) (map[string][]byte, error) {
	out := map[string][]byte{}
	tr := tar.NewReader(bytes.NewReader(b))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read process response: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		out[hdr.Name] = data
	}
	if len(out) == 0 {
		return nil, errors.New("read process response: empty archive")
	}
	return out, nil
}

// SubmitAsync starts an asynchronous request and returns its job id.
func (c *Client) SubmitAsync(ctx context.Context, req ProcessRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/async/process", req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("submit async: response has no id")
	}
	return out.ID, nil
}

// AsyncRunning reports whether job is still known to the service. The
// service forgets a job once it has delivered its output.
func (c *Client) AsyncRunning(ctx context.Context, job string) (bool, error) {
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/async/process/"+job, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
