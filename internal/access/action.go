package access

import (
	"fmt"
	"strings"
)

// Action is an operation a principal attempts on a document.
type Action uint8

const (
	ActionRead Action = iota + 1
	ActionReadRevisions
	ActionEdit
	ActionDelete
	ActionPublish
	ActionOverrideLock
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionReadRevisions:
		return "read_revisions"
	case ActionEdit:
		return "edit"
	case ActionDelete:
		return "delete"
	case ActionPublish:
		return "publish"
	case ActionOverrideLock:
		return "override_lock"
	default:
		return "unknown"
	}
}

// ReadPolicy selects which capability unlocks non-public documents for reading.
type ReadPolicy uint8

const (
	// UseGenericRead consults the platform-wide private content capability.
	UseGenericRead ReadPolicy = iota
	// UseDocumentRead consults the document-specific private read capability.
	UseDocumentRead
)

// ParseReadPolicy accepts "generic" or "document".
func ParseReadPolicy(raw string) (ReadPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "generic":
		return UseGenericRead, nil
	case "document":
		return UseDocumentRead, nil
	default:
		return UseGenericRead, fmt.Errorf("access: unsupported read policy %q", raw)
	}
}

func (p ReadPolicy) String() string {
	if p == UseDocumentRead {
		return "document"
	}
	return "generic"
}

func (p ReadPolicy) privateReadCapability() Capability {
	if p == UseDocumentRead {
		return CapReadPrivateDocuments
	}
	return CapReadPrivatePosts
}
