package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// StreamKind is one of the independently supervised real-time data categories.
type StreamKind int

const (
	StreamNotifications StreamKind = iota
	StreamContacts
	StreamDocumentMetadata
	StreamCardMetadata
)

// StreamKinds lists every kind the supervisor starts on activation.
var StreamKinds = []StreamKind{
	StreamNotifications,
	StreamContacts,
	StreamDocumentMetadata,
	StreamCardMetadata,
}

func (k StreamKind) String() string {
	switch k {
	case StreamNotifications:
		return "notifications"
	case StreamContacts:
		return "contacts"
	case StreamDocumentMetadata:
		return "documents"
	case StreamCardMetadata:
		return "cards"
	default:
		return "unknown"
	}
}

// ParseStreamKind is the inverse of StreamKind.String.
func ParseStreamKind(s string) (StreamKind, bool) {
	for _, k := range StreamKinds {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Resources maps a stream kind onto the resource kinds it carries.
// Document metadata covers both documents and folders.
func (k StreamKind) Resources() []ResourceKind {
	switch k {
	case StreamNotifications:
		return []ResourceKind{KindNotification}
	case StreamContacts:
		return []ResourceKind{KindContact}
	case StreamDocumentMetadata:
		return []ResourceKind{KindFolder, KindDocument}
	case StreamCardMetadata:
		return []ResourceKind{KindCard}
	default:
		return nil
	}
}

// StreamState is the subscription state of a stream handle.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamActive
	StreamErrored
)

func (s StreamState) String() string {
	switch s {
	case StreamActive:
		return "active"
	case StreamErrored:
		return "errored"
	default:
		return "idle"
	}
}

// StreamHandle is the observable state of one stream kind.
type StreamHandle struct {
	Kind  StreamKind
	State StreamState
	Err   error
}

// Query selects the rows a subscription emits.
type Query struct {
	OwnerID  uuid.UUID
	Kind     StreamKind
	ParentID *uuid.UUID // optional parent filter for hierarchical kinds
}

// Snapshot is a full view of a stream's rows after a change, newest first.
type Snapshot struct {
	Kind  StreamKind `json:"kind"`
	Items []Resource `json:"items"`
	At    time.Time  `json:"at"`
}
