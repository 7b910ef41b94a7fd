// Package store implements the record-store client for face identities and
// attendance records, backed by JetStream key/value buckets. The attendance
// bucket's watcher doubles as the push-notification feed consumed by the
// sync pipeline.
package store

import (
	"context"

	"github.com/c360/facebridge/natsclient"
)

// Bucket names for the two record tables.
const (
	FacesBucket      = "faces"
	AttendanceBucket = "attendance"
)

// Face record lifecycle states.
const (
	FaceStatusPending = "pending"
	FaceStatusActive  = "active"
)

// Attendance delivery states. The wire values are inherited from the
// original terminal integration and must stay "0"/"1".
const (
	StatusUnsynced = "0"
	StatusSynced   = "1"
)

// FaceRecord is one enrolled identity. ID is the externally supplied
// identity id and the unique key; RecordID is an opaque identifier generated
// at enrollment and referenced by attendance rows.
type FaceRecord struct {
	ID       string `json:"usr_id"`
	Name     string `json:"usr_name"`
	Image    string `json:"img_b64"`
	RecordID string `json:"face_uuid"`
	Status   string `json:"status"`
}

// AttendanceRecord is one recognition event awaiting forwarding. ID is a
// monotonic identifier assigned by the producer.
type AttendanceRecord struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	FaceID     string `json:"face_id,omitempty"`
	Time       string `json:"time"`
	Status     string `json:"status"`
}

// Synced reports whether the record has already been delivered.
func (r AttendanceRecord) Synced() bool {
	return r.Status == StatusSynced
}

// KV is the bucket surface the stores are built on. *natsclient.KVStore
// satisfies it; tests substitute an in-memory implementation.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
	WatchAll(ctx context.Context) (<-chan natsclient.KVUpdate, func(), error)
}

var _ KV = (*natsclient.KVStore)(nil)
