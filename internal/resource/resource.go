// Package resource models remote artifacts a monitor owns and the scope that
// deletes them again when provisioning fails part way.
package resource

import (
	"context"
	"fmt"
)

// DeleteStatus is the outcome of a deletion.
type DeleteStatus int

const (
	Deleted DeleteStatus = iota
	// AlreadyAbsent means the artifact did not exist (never created or deleted before).
	AlreadyAbsent
	DeleteFailed
)

func (s DeleteStatus) String() string {
	switch s {
	case Deleted:
		return "deleted"
	case AlreadyAbsent:
		return "already_absent"
	case DeleteFailed:
		return "failed"
	}
	return fmt.Sprintf("DeleteStatus(%d)", int(s))
}

// Resource is a handle to one remote artifact. Delete must be idempotent: a
// second call reports AlreadyAbsent rather than an error.
type Resource interface {
	Delete(ctx context.Context) (DeleteStatus, error)
}

// Describer is implemented by resources that can name themselves in logs.
type Describer interface {
	Describe() string
}

func describe(r Resource) string {
	if d, ok := r.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", r)
}
