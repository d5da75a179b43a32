package sentinel

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const configurationPath = "/configuration/v1"

type InstanceSettings struct {
	ShowWarnings bool `json:"showWarnings"`
	ShowLogo     bool `json:"showLogo"`
	ImageQuality int  `json:"imageQuality"`
	Disabled     bool `json:"disabled"`
}

type Instance struct {
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	AdditionalData InstanceSettings `json:"additionalData"`
}

// MonitorInstance is the viewer configuration created for one monitor.
func MonitorInstance(monitorName string) Instance {
	return Instance{
		Name:           "Disturbance Monitor - " + monitorName,
		Description:    "Output of the disturbance monitoring",
		AdditionalData: InstanceSettings{ImageQuality: 80},
	}
}

type Ref struct {
	ID string `json:"@id"`
}

type DatasetSource struct {
	Ref         string            `json:"@id"`
	ID          int               `json:"id"`
	Description string            `json:"description"`
	Settings    map[string]string `json:"settings"`
	Dataset     Ref               `json:"dataset"`
}

type Style struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	EvalScript  string `json:"evalScript"`
}

type DatasourceDefaults struct {
	Type            string `json:"type"`
	MosaickingOrder string `json:"mosaickingOrder"`
	CollectionID    string `json:"collectionId"`
}

type Layer struct {
	Title              string             `json:"title"`
	ID                 string             `json:"id"`
	Description        string             `json:"description"`
	DatasetSource      DatasetSource      `json:"datasetSource"`
	Dataset            Ref                `json:"dataset"`
	Styles             []Style            `json:"styles"`
	InstanceID         string             `json:"instanceId"`
	DefaultStyleName   string             `json:"defaultStyleName"`
	DatasourceDefaults DatasourceDefaults `json:"datasourceDefaults"`
}

// CollectionLayer renders a BYOC collection with evalscript. The layer id is
// the upper-cased title.
func (c *Client) CollectionLayer(title, evalscript, instanceID, collectionID string) Layer {
	custom := c.base + configurationPath + "/datasets/CUSTOM"
	return Layer{
		Title:       title,
		ID:          strings.ToUpper(title),
		Description: "",
		DatasetSource: DatasetSource{
			Ref:         custom + "/sources/10",
			ID:          10,
			Description: "Bring Your Own COG",
			Settings:    map[string]string{"indexServiceUrl": c.base + "/byoc"},
			Dataset:     Ref{ID: custom},
		},
		Dataset:            Ref{ID: custom},
		Styles:             []Style{{Name: "default", Description: "Default layer style", EvalScript: evalscript}},
		InstanceID:         instanceID,
		DefaultStyleName:   "default",
		DatasourceDefaults: DatasourceDefaults{Type: "CUSTOM", MosaickingOrder: "mostRecent", CollectionID: collectionID},
	}
}

func (c *Client) CreateInstance(ctx context.Context, in Instance) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, configurationPath+"/wms/instances", in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("create instance: response has no id")
	}
	return out.ID, nil
}

func (c *Client) CreateLayer(ctx context.Context, instanceID string, l Layer) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, configurationPath+"/wms/instances/"+instanceID+"/layers", l, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return l.ID, nil
	}
	return out.ID, nil
}

func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return notFound("delete instance "+id, c.doJSON(ctx, http.MethodDelete, configurationPath+"/wms/instances/"+id, nil, nil))
}

// AddCollectionLayer creates the layer built by CollectionLayer.
func (c *Client) AddCollectionLayer(ctx context.Context, instanceID, title, evalscript, collectionID string) (string, error) {
	return c.CreateLayer(ctx, instanceID, c.CollectionLayer(title, evalscript, instanceID, collectionID))
}
