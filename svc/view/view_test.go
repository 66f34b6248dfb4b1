package view

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"aurapaste/pkg/domain"
	"aurapaste/svc/store"
)

type fakeStore struct {
	mu          sync.Mutex
	fields      map[string]map[string]int64 // "collection/id" -> numeric fields
	existing    map[string]bool             // "collection/id"
	failTx      bool
	failAtomic  bool
	atomicCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fields:   map[string]map[string]int64{},
		existing: map[string]bool{},
	}
}

func (s *fakeStore) key(collection, id string) string { return collection + "/" + id }

func (s *fakeStore) field(collection, id, field string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields[s.key(collection, id)][field]
}

func (s *fakeStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	return "", errors.New("not used")
}
func (s *fakeStore) Get(ctx context.Context, collection, id string, out any) error { return nil }
func (s *fakeStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return nil
}
func (s *fakeStore) Delete(ctx context.Context, collection, id string) error { return nil }
func (s *fakeStore) Query(ctx context.Context, collection string, filters []store.Filter, orderBy store.Order, limit int) ([]store.Doc, error) {
	return nil, nil
}

func (s *fakeStore) AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atomicCalls++
	if s.failAtomic {
		return errors.New("store down")
	}
	s.bump(collection, id, field, delta)
	return nil
}

func (s *fakeStore) bump(collection, id, field string, delta int64) {
	k := s.key(collection, id)
	if s.fields[k] == nil {
		s.fields[k] = map[string]int64{}
	}
	s.fields[k][field] += delta
}

func (s *fakeStore) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTx {
		return errors.New("tx unavailable")
	}
	return fn(&fakeTx{s: s})
}

type fakeTx struct{ s *fakeStore }

func (t *fakeTx) Exists(collection, id string) (bool, error) {
	return t.s.existing[t.s.key(collection, id)], nil
}
func (t *fakeTx) Get(collection, id string, out any) error { return store.ErrDocMissing }
func (t *fakeTx) Update(collection, id string, patch map[string]any) error {
	return nil
}
func (t *fakeTx) Create(collection, id string, doc any) error {
	t.s.existing[t.s.key(collection, id)] = true
	return nil
}
func (t *fakeTx) Increment(collection, id, field string, delta int64) error {
	t.s.bump(collection, id, field, delta)
	return nil
}

type fakeStats struct {
	mu    sync.Mutex
	views map[string]int64
}

func (f *fakeStats) AddViews(ctx context.Context, uid string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.views == nil {
		f.views = map[string]int64{}
	}
	f.views[uid] += n
	return nil
}

func testRecorder(t *testing.T, st store.Store, stats AuthorStats) *Recorder {
	t.Helper()
	r := NewRecorder(st, stats, 1, 16)
	t.Cleanup(r.Shutdown)
	return r
}

func drain(r *Recorder) {
	// Shutdown closes the queue and waits for the workers, which makes
	// every enqueued view fully applied before assertions run.
	r.Shutdown()
}

func TestRecordDeduplicatesWithinHour(t *testing.T) {
	st := newFakeStore()
	stats := &fakeStats{}
	r := testRecorder(t, st, stats)
	base := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		r.Enqueue("p1", "author-1", "viewer-1", domain.EnvironmentSignals{})
	}
	drain(r)

	require.Equal(t, int64(1), st.field(store.Pastes, "p1", "viewCount"))
	require.Equal(t, int64(1), stats.views["author-1"])
}

func TestRecordCountsAgainAfterHourRollover(t *testing.T) {
	st := newFakeStore()
	r := testRecorder(t, st, nil)
	base := time.Date(2024, 6, 1, 12, 59, 0, 0, time.UTC)
	ctx := context.Background()

	r.now = func() time.Time { return base }
	r.record(ctx, job{pasteID: "p1", actorUID: "viewer-1"})
	r.record(ctx, job{pasteID: "p1", actorUID: "viewer-1"})
	r.now = func() time.Time { return base.Add(time.Hour) }
	r.record(ctx, job{pasteID: "p1", actorUID: "viewer-1"})

	require.Equal(t, int64(2), st.field(store.Pastes, "p1", "viewCount"))
}

func TestRecordDistinctGuestsCountSeparately(t *testing.T) {
	st := newFakeStore()
	r := testRecorder(t, st, nil)

	r.Enqueue("p1", "", "", domain.EnvironmentSignals{UserAgent: "firefox", Screen: "1920x1080"})
	r.Enqueue("p1", "", "", domain.EnvironmentSignals{UserAgent: "safari", Screen: "390x844"})
	drain(r)

	require.Equal(t, int64(2), st.field(store.Pastes, "p1", "viewCount"))
}

func TestRecordFallsBackWhenTransactionFails(t *testing.T) {
	st := newFakeStore()
	st.failTx = true
	stats := &fakeStats{}
	r := testRecorder(t, st, stats)

	r.Enqueue("p1", "author-1", "viewer-1", domain.EnvironmentSignals{})
	r.Enqueue("p1", "author-1", "viewer-1", domain.EnvironmentSignals{})
	drain(r)

	// Without the dedup ledger every view counts, and the author still
	// gets credit.
	require.Equal(t, int64(2), st.field(store.Pastes, "p1", "viewCount"))
	require.Equal(t, 2, st.atomicCalls)
	require.Equal(t, int64(2), stats.views["author-1"])
}

func TestRecordGivesUpWhenStoreIsDown(t *testing.T) {
	st := newFakeStore()
	st.failTx = true
	st.failAtomic = true
	r := testRecorder(t, st, nil)

	r.Enqueue("p1", "author-1", "viewer-1", domain.EnvironmentSignals{})
	drain(r)

	require.Equal(t, int64(0), st.field(store.Pastes, "p1", "viewCount"))
}

func TestFingerprintStableAndDistinct(t *testing.T) {
	a := domain.EnvironmentSignals{UserAgent: "firefox", Locale: "en-US", Screen: "1920x1080", Timezone: "UTC"}
	b := a
	b.Timezone = "Europe/Berlin"

	require.Equal(t, Fingerprint(a), Fingerprint(a))
	require.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
