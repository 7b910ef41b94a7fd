package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/natsclient"
)

// fakeKV is an in-memory KV with watch support, mirroring the bucket
// semantics the stores rely on.
type fakeKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	revs     map[string]uint64
	nextRev  uint64
	watchers []chan natsclient.KVUpdate

	failGet  bool
	failPut  bool
	failKeys bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data: make(map[string][]byte),
		revs: make(map[string]uint64),
	}
}

var errFakeKV = errors.New("kv unavailable")

func (f *fakeKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, errFakeKV
	}
	value, ok := f.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: value, Revision: f.revs[key]}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return 0, errFakeKV
	}
	return f.putLocked(key, value), nil
}

func (f *fakeKV) putLocked(key string, value []byte) uint64 {
	f.nextRev++
	f.data[key] = append([]byte(nil), value...)
	f.revs[key] = f.nextRev
	update := natsclient.KVUpdate{Key: key, Value: f.data[key], Revision: f.nextRev, Op: natsclient.KVUpdatePut}
	for _, w := range f.watchers {
		w <- update
	}
	return f.nextRev
}

func (f *fakeKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return 0, natsclient.ErrKVKeyExists
	}
	return f.putLocked(key, value), nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return natsclient.ErrKVKeyNotFound
	}
	delete(f.data, key)
	delete(f.revs, key)
	for _, w := range f.watchers {
		w <- natsclient.KVUpdate{Key: key, Op: natsclient.KVUpdateDelete}
	}
	return nil
}

func (f *fakeKV) Keys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKeys {
		return nil, errFakeKV
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeKV) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	f.mu.Lock()
	defer f.mu.Unlock()
	current := f.data[key]
	next, err := updateFn(current)
	if err != nil {
		return err
	}
	f.putLocked(key, next)
	return nil
}

func (f *fakeKV) WatchAll(ctx context.Context) (<-chan natsclient.KVUpdate, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan natsclient.KVUpdate, 64)
	f.watchers = append(f.watchers, ch)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, w := range f.watchers {
				if w == ch {
					f.watchers = append(f.watchers[:i], f.watchers[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	return ch, stop, nil
}

func TestFaceStoreInsertAndGet(t *testing.T) {
	kv := newFakeKV()
	fs := NewFaceStore(kv, nil)
	ctx := context.Background()

	rec := FaceRecord{ID: "101", Name: "Alice", Image: "b64data", RecordID: "uuid-1", Status: FaceStatusPending}
	require.NoError(t, fs.Insert(ctx, rec))

	got, err := fs.Get(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// Re-enrolling replaces the record
	rec.Image = "newb64"
	require.NoError(t, fs.Insert(ctx, rec))
	got, err = fs.Get(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, "newb64", got.Image)
}

func TestFaceStoreInsertRequiresID(t *testing.T) {
	fs := NewFaceStore(newFakeKV(), nil)
	err := fs.Insert(context.Background(), FaceRecord{Name: "nobody"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingIdentity))
	assert.True(t, errors.IsInvalid(err))
}

func TestFaceStoreGetNotFound(t *testing.T) {
	fs := NewFaceStore(newFakeKV(), nil)
	_, err := fs.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRecordNotFound))
}

func TestFaceStoreUpdate(t *testing.T) {
	kv := newFakeKV()
	fs := NewFaceStore(kv, nil)
	ctx := context.Background()

	require.NoError(t, fs.Insert(ctx, FaceRecord{ID: "7", Name: "Old", Status: FaceStatusPending}))

	err := fs.Update(ctx, "7", func(rec *FaceRecord) error {
		rec.Name = "New"
		rec.Status = FaceStatusActive
		return nil
	})
	require.NoError(t, err)

	got, err := fs.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "New", got.Name)
	assert.Equal(t, FaceStatusActive, got.Status)
}

func TestFaceStoreUpdateNotFound(t *testing.T) {
	fs := NewFaceStore(newFakeKV(), nil)
	err := fs.Update(context.Background(), "nope", func(rec *FaceRecord) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRecordNotFound))
}

func TestFaceStoreUpdatePropagatesFnError(t *testing.T) {
	kv := newFakeKV()
	fs := NewFaceStore(kv, nil)
	ctx := context.Background()
	require.NoError(t, fs.Insert(ctx, FaceRecord{ID: "7"}))

	err := fs.Update(ctx, "7", func(rec *FaceRecord) error {
		return errors.ErrNoFieldsToUpdate
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoFieldsToUpdate))
}

func TestFaceStoreDeleteIdempotent(t *testing.T) {
	kv := newFakeKV()
	fs := NewFaceStore(kv, nil)
	ctx := context.Background()

	require.NoError(t, fs.Insert(ctx, FaceRecord{ID: "9"}))
	require.NoError(t, fs.Delete(ctx, "9"))
	require.NoError(t, fs.Delete(ctx, "9"))
}

func TestAttendanceInsertDefaultsUnsynced(t *testing.T) {
	kv := newFakeKV()
	as := NewAttendanceStore(kv, nil)
	ctx := context.Background()

	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "1", EmployeeID: "101", Time: "2026-08-30 09:00:00"}))

	got, err := as.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnsynced, got.Status)
	assert.False(t, got.Synced())
}

func TestAttendanceListUnsyncedOrderAndLimit(t *testing.T) {
	kv := newFakeKV()
	as := NewAttendanceStore(kv, nil)
	ctx := context.Background()

	// Insert out of order, including one already synced
	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "10", EmployeeID: "a"}))
	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "2", EmployeeID: "b"}))
	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "1", EmployeeID: "c", Status: StatusSynced}))
	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "3", EmployeeID: "d"}))

	recs, err := as.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"2", "3", "10"}, ids)

	recs, err = as.ListUnsynced(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2", recs[0].ID)
	assert.Equal(t, "3", recs[1].ID)
}

func TestAttendanceMarkSynced(t *testing.T) {
	kv := newFakeKV()
	as := NewAttendanceStore(kv, nil)
	ctx := context.Background()

	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "5", EmployeeID: "101"}))
	require.NoError(t, as.MarkSynced(ctx, "5"))

	got, err := as.Get(ctx, "5")
	require.NoError(t, err)
	assert.True(t, got.Synced())

	// Idempotent, including for records that no longer exist
	require.NoError(t, as.MarkSynced(ctx, "5"))
	require.NoError(t, as.MarkSynced(ctx, "gone"))
}

func TestAttendanceDeleteByFace(t *testing.T) {
	kv := newFakeKV()
	as := NewAttendanceStore(kv, nil)
	ctx := context.Background()

	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "1", FaceID: "uuid-a"}))
	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "2", FaceID: "uuid-b"}))
	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "3", FaceID: "uuid-a"}))

	n, err := as.DeleteByFace(ctx, "uuid-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = as.Get(ctx, "1")
	assert.True(t, errors.Is(err, errors.ErrRecordNotFound))
	_, err = as.Get(ctx, "2")
	assert.NoError(t, err)

	n, err = as.DeleteByFace(ctx, "uuid-a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAttendanceWatchDeliversInserts(t *testing.T) {
	kv := newFakeKV()
	as := NewAttendanceStore(kv, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records, stop, err := as.Watch(ctx)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "1", EmployeeID: "101", Time: "2026-08-30 09:00:00"}))

	select {
	case rec := <-records:
		assert.Equal(t, "1", rec.ID)
		assert.Equal(t, "101", rec.EmployeeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch update")
	}

	// Deletions are filtered out
	require.NoError(t, kv.Delete(ctx, "1"))
	select {
	case rec, ok := <-records:
		if ok {
			t.Fatalf("unexpected record after delete: %+v", rec)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAttendanceListUnsyncedSkipsUndecodable(t *testing.T) {
	kv := newFakeKV()
	as := NewAttendanceStore(kv, nil)
	ctx := context.Background()

	_, err := kv.Put(ctx, "1", []byte("not json"))
	require.NoError(t, err)
	require.NoError(t, as.Insert(ctx, AttendanceRecord{ID: "2", EmployeeID: "x"}))

	recs, err := as.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].ID)
}

func TestAttendanceStoreUnavailable(t *testing.T) {
	kv := newFakeKV()
	kv.failKeys = true
	as := NewAttendanceStore(kv, nil)

	_, err := as.ListUnsynced(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestFaceRecordJSONShape(t *testing.T) {
	rec := FaceRecord{ID: "101", Name: "Alice", Image: "b64", RecordID: "uuid-1", Status: FaceStatusActive}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"usr_id":"101","usr_name":"Alice","img_b64":"b64","face_uuid":"uuid-1","status":"active"}`, string(data))
}
