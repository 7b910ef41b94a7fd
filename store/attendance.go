package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/natsclient"
	"github.com/c360/facebridge/pkg/retry"
)

// AttendanceStore persists recognition events keyed by record id. Its
// watcher is the realtime feed the sync pipeline subscribes to.
type AttendanceStore struct {
	kv     KV
	logger *slog.Logger
}

// NewAttendanceStore creates an attendance store over the given bucket.
func NewAttendanceStore(kv KV, logger *slog.Logger) *AttendanceStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttendanceStore{kv: kv, logger: logger.With("store", "attendance")}
}

// Insert writes a new attendance record. The write is also what triggers
// watchers, so inserting is the only publish step producers need.
func (s *AttendanceStore) Insert(ctx context.Context, rec AttendanceRecord) error {
	if rec.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingIdentity, "AttendanceStore", "Insert", "validate record")
	}
	if rec.Status == "" {
		rec.Status = StatusUnsynced
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "AttendanceStore", "Insert", "encode record")
	}
	if _, err := s.kv.Put(ctx, rec.ID, data); err != nil {
		return errors.WrapTransient(err, "AttendanceStore", "Insert", "write record")
	}
	return nil
}

// Get returns the attendance record for the given id, or ErrRecordNotFound.
func (s *AttendanceStore) Get(ctx context.Context, id string) (AttendanceRecord, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return AttendanceRecord{}, errors.WrapInvalid(errors.ErrRecordNotFound, "AttendanceStore", "Get", "lookup "+id)
		}
		return AttendanceRecord{}, errors.WrapTransient(err, "AttendanceStore", "Get", "lookup "+id)
	}
	var rec AttendanceRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return AttendanceRecord{}, errors.WrapInvalid(err, "AttendanceStore", "Get", "decode record")
	}
	return rec, nil
}

// ListUnsynced returns up to limit undelivered records in ascending id
// order. Ids that parse as integers sort numerically so delivery follows
// insertion order; any others sort lexically after them.
func (s *AttendanceStore) ListUnsynced(ctx context.Context, limit int) ([]AttendanceRecord, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "AttendanceStore", "ListUnsynced", "list keys")
	}
	sortRecordIDs(keys)

	var out []AttendanceRecord
	for _, key := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				// Deleted between Keys and Get
				continue
			}
			return nil, errors.WrapTransient(err, "AttendanceStore", "ListUnsynced", "read "+key)
		}
		var rec AttendanceRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			s.logger.Warn("skipping undecodable attendance record", "key", key, "error", err)
			continue
		}
		if rec.Synced() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkSynced flips a record's status to delivered. Marking an already
// delivered or missing record is a no-op so retried deliveries stay safe.
func (s *AttendanceStore) MarkSynced(ctx context.Context, id string) error {
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, retry.NonRetryable(errors.ErrRecordNotFound)
		}
		var rec AttendanceRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, retry.NonRetryable(err)
		}
		rec.Status = StatusSynced
		return json.Marshal(rec)
	})
	if err != nil {
		if errors.Is(err, errors.ErrRecordNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "AttendanceStore", "MarkSynced", "update "+id)
	}
	return nil
}

// DeleteByFace removes every attendance record referencing the given face
// record id and reports how many were removed.
func (s *AttendanceStore) DeleteByFace(ctx context.Context, faceID string) (int, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "AttendanceStore", "DeleteByFace", "list keys")
	}

	deleted := 0
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return deleted, errors.WrapTransient(err, "AttendanceStore", "DeleteByFace", "read "+key)
		}
		var rec AttendanceRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			continue
		}
		if rec.FaceID != faceID {
			continue
		}
		if err := s.kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
			return deleted, errors.WrapTransient(err, "AttendanceStore", "DeleteByFace", "delete "+key)
		}
		deleted++
	}
	s.logger.Debug("attendance records deleted", "face_id", faceID, "count", deleted)
	return deleted, nil
}

// Watch streams attendance records as they are inserted or updated.
// Deletions are not reported. The returned stop function releases the
// underlying watcher.
func (s *AttendanceStore) Watch(ctx context.Context) (<-chan AttendanceRecord, func(), error) {
	updates, stop, err := s.kv.WatchAll(ctx)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "AttendanceStore", "Watch", "start watcher")
	}

	records := make(chan AttendanceRecord, 64)
	go func() {
		defer close(records)
		for update := range updates {
			if update.Op != natsclient.KVUpdatePut {
				continue
			}
			var rec AttendanceRecord
			if err := json.Unmarshal(update.Value, &rec); err != nil {
				s.logger.Warn("dropping undecodable attendance update", "key", update.Key, "error", err)
				continue
			}
			select {
			case records <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return records, stop, nil
}

// sortRecordIDs orders ids numerically when both parse as integers and
// lexically otherwise, with numeric ids first.
func sortRecordIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.ParseInt(ids[i], 10, 64)
		b, berr := strconv.ParseInt(ids[j], 10, 64)
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}
