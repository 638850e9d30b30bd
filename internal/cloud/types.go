package cloud

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lazypower/heirloom/internal/store"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrRevoked   = errors.New("capability revoked")
	// ErrUnreachable marks a failure to reach the remote service at all.
	// Callers treat it as transient.
	ErrUnreachable = errors.New("remote service unreachable")
)

// Kind names the record types that replicate.
type Kind string

const (
	KindItem      Kind = "item"
	KindRecipient Kind = "recipient"
)

// Record is one replicated record as stored by the service.
type Record struct {
	Kind Kind            `json:"kind"`
	ID   string          `json:"id"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// PushRecord is a local change offered to the service. BaseSeq is the server
// sequence the change was based on; zero for records the service never saw.
type PushRecord struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id"`
	BaseSeq int64           `json:"base_seq"`
	Data    json.RawMessage `json:"data"`
}

// PushResult reports the fate of one PushRecord. On conflict Current holds
// the service's copy and nothing was written.
type PushResult struct {
	Kind     Kind    `json:"kind"`
	ID       string  `json:"id"`
	Seq      int64   `json:"seq"`
	Conflict bool    `json:"conflict"`
	Current  *Record `json:"current,omitempty"`
}

// Changes is a page of records changed after a cursor.
type Changes struct {
	Records []Record `json:"records"`
	Cursor  int64    `json:"cursor"`
}

// Capability grants another identity access to one zone of its owner.
type Capability struct {
	ID         string           `json:"id"`
	OwnerID    string           `json:"owner_id"`
	Zone       string           `json:"zone"`
	Permission store.Permission `json:"permission"`
	IssuedAt   time.Time        `json:"issued_at"`
	Revoked    bool             `json:"revoked"`
}

// ZoneID is the local zone key the capability covers.
func (c Capability) ZoneID() string {
	return store.ZoneID(c.OwnerID, c.Zone)
}
