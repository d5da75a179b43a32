package monitor

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// BackendKind names a compute strategy.
type BackendKind string

const (
	ProcessAPI BackendKind = "ProcessAPI"
	AsyncAPI   BackendKind = "AsyncAPI"
)

func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(s) {
	case "", "processapi", "process":
		return ProcessAPI, nil
	case "asyncapi", "async":
		return AsyncAPI, nil
	}
	return "", fmt.Errorf("unknown backend kind %q", s)
}

// BackendConfig records the remote identifiers a backend owns. It is
// checkpointed after each remote resource is created so an interrupted
// provisioning can still be cleaned up.
type BackendConfig struct {
	Kind         BackendKind `json:"kind"`
	BucketName   string      `json:"bucketName"`
	FolderName   string      `json:"folderName"`
	CollectionID string      `json:"collectionId"`
	InstanceID   string      `json:"instanceId"`
	RandomID     string      `json:"randomId"`
	Rollback     bool        `json:"rollback"`
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewBackendConfig derives bucket and folder names for a fresh monitor.
func NewBackendConfig(kind BackendKind, name string, rollback bool) BackendConfig {
	suffix := RandomSuffix(8)
	return BackendConfig{
		Kind:       kind,
		BucketName: strings.ToLower(name + "-" + suffix),
		FolderName: strings.ToLower(name),
		RandomID:   suffix,
		Rollback:   rollback,
	}
}

// RandomSuffix returns n characters from [a-z0-9].
func RandomSuffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = suffixAlphabet[int(b[i])%len(suffixAlphabet)]
	}
	return string(b)
}

// Result is the count of newly disturbed pixels of one feature on one date.
type Result struct {
	FeatureID    string    `json:"featureId"`
	Date         time.Time `json:"date"`
	NewDisturbed int64     `json:"newDisturbed"`
}

// Presence answers the existence questions asked before provisioning.
type Presence struct {
	Monitor     bool
	Backend     bool
	Initialized bool
}
