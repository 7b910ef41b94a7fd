package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/natsclient"
	"github.com/c360/facebridge/pkg/retry"
)

// FaceStore persists enrolled identities keyed by identity id.
type FaceStore struct {
	kv     KV
	logger *slog.Logger
}

// NewFaceStore creates a face store over the given bucket.
func NewFaceStore(kv KV, logger *slog.Logger) *FaceStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FaceStore{kv: kv, logger: logger.With("store", "faces")}
}

// Insert writes a face record, replacing any existing record with the
// same id. Enrollment is an upsert so re-enrolling a device-side identity
// refreshes the stored template.
func (s *FaceStore) Insert(ctx context.Context, rec FaceRecord) error {
	if rec.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingIdentity, "FaceStore", "Insert", "validate record")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "FaceStore", "Insert", "encode record")
	}
	if _, err := s.kv.Put(ctx, rec.ID, data); err != nil {
		return errors.WrapTransient(err, "FaceStore", "Insert", "write record")
	}
	s.logger.Debug("face record stored", "id", rec.ID, "status", rec.Status)
	return nil
}

// Get returns the face record for the given id, or ErrRecordNotFound.
func (s *FaceStore) Get(ctx context.Context, id string) (FaceRecord, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return FaceRecord{}, errors.WrapInvalid(errors.ErrRecordNotFound, "FaceStore", "Get", "lookup "+id)
		}
		return FaceRecord{}, errors.WrapTransient(err, "FaceStore", "Get", "lookup "+id)
	}
	var rec FaceRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return FaceRecord{}, errors.WrapInvalid(err, "FaceStore", "Get", "decode record")
	}
	return rec, nil
}

// Update applies fn to the stored record under optimistic concurrency.
// Returns ErrRecordNotFound when no record exists for the id.
func (s *FaceStore) Update(ctx context.Context, id string, fn func(rec *FaceRecord) error) error {
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, retry.NonRetryable(errors.ErrRecordNotFound)
		}
		var rec FaceRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, retry.NonRetryable(err)
		}
		if err := fn(&rec); err != nil {
			return nil, retry.NonRetryable(err)
		}
		return json.Marshal(rec)
	})
	if err != nil {
		if errors.Is(err, errors.ErrRecordNotFound) {
			return errors.WrapInvalid(errors.ErrRecordNotFound, "FaceStore", "Update", "lookup "+id)
		}
		if errors.Is(err, errors.ErrNoFieldsToUpdate) {
			return errors.WrapInvalid(errors.ErrNoFieldsToUpdate, "FaceStore", "Update", "update "+id)
		}
		return errors.WrapTransient(err, "FaceStore", "Update", "update "+id)
	}
	return nil
}

// Delete removes the face record for the given id. Deleting an absent
// record is not an error.
func (s *FaceStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "FaceStore", "Delete", "delete "+id)
	}
	s.logger.Debug("face record deleted", "id", id)
	return nil
}
