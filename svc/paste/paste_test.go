package paste

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"aurapaste/cfg"
	"aurapaste/pkg/domain"
	"aurapaste/pkg/guard"
	"aurapaste/svc/cache"
	"aurapaste/svc/store"
)

type memStore struct {
	mu       sync.Mutex
	seq      int
	order    []string
	docs     map[string]map[string]any
	failAll  bool
	failNext error
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]map[string]any{}}
}

func (s *memStore) key(collection, id string) string { return collection + "/" + id }

func (s *memStore) fail() error {
	if s.failAll {
		return errors.New("store down")
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	return nil
}

func (s *memStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return "", err
	}
	s.seq++
	id := fmt.Sprintf("doc-%d", s.seq)
	b, _ := json.Marshal(doc)
	var m map[string]any
	json.Unmarshal(b, &m)
	m["id"] = id
	k := s.key(collection, id)
	s.docs[k] = m
	s.order = append(s.order, k)
	return id, nil
}

func (s *memStore) Get(ctx context.Context, collection, id string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	m, ok := s.docs[s.key(collection, id)]
	if !ok {
		return store.ErrDocMissing
	}
	b, _ := json.Marshal(m)
	return json.Unmarshal(b, out)
}

func (s *memStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	m, ok := s.docs[s.key(collection, id)]
	if !ok {
		return store.ErrDocMissing
	}
	for k, v := range patch {
		m[k] = v
	}
	return nil
}

func (s *memStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	delete(s.docs, s.key(collection, id))
	return nil
}

func (s *memStore) Query(ctx context.Context, collection string, filters []store.Filter, orderBy store.Order, limit int) ([]store.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []store.Doc
	keys := s.order
	if orderBy.Desc {
		keys = make([]string, len(s.order))
		for i, k := range s.order {
			keys[len(s.order)-1-i] = k
		}
	}
	for _, k := range keys {
		m, ok := s.docs[k]
		if !ok {
			continue
		}
		match := true
		for _, f := range filters {
			if m[f.Field] != f.Value {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		b, _ := json.Marshal(m)
		out = append(out, store.Doc{ID: m["id"].(string), Data: b})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) error {
	return nil
}

func (s *memStore) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	return errors.New("not used")
}

type capturedView struct {
	pasteID, authorUID, actorUID string
}

type fakeRecorder struct {
	mu    sync.Mutex
	views []capturedView
}

func (f *fakeRecorder) Enqueue(pasteID, authorUID, actorUID string, sig domain.EnvironmentSignals) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views = append(f.views, capturedView{pasteID, authorUID, actorUID})
}

func testService(t *testing.T, st store.Store) *Service {
	t.Helper()
	g, err := guard.New("")
	require.NoError(t, err)
	lru, err := cache.NewLRU(16)
	require.NoError(t, err)
	c := &cfg.Cfg{
		BaseURL:      "http://localhost:8080",
		MaxPasteSize: 512 * 1024,
		RecentLimit:  20,
	}
	return New(st, g, lru, nil, &fakeRecorder{}, nil, c)
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	svc := testService(t, newMemStore())

	_, err := svc.Create(context.Background(), domain.CreateParams{Content: "   \n\t "}, nil)
	require.ErrorIs(t, err, domain.ErrContentRequired)
}

func TestCreateDefaultsAndURL(t *testing.T) {
	svc := testService(t, newMemStore())

	p, err := svc.Create(context.Background(), domain.CreateParams{Content: "hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, "Untitled Paste", p.Title)
	require.Equal(t, "text", p.Language)
	require.Equal(t, "public", p.Visibility)
	require.Equal(t, "Anonymous", p.AuthorName)
	require.Equal(t, "http://localhost:8080/p/"+p.ID, p.URL)
	require.False(t, p.IsPasswordProtected)
}

func TestCreateNeverExpiryNormalizesToOneMonth(t *testing.T) {
	svc := testService(t, newMemStore())
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	p, err := svc.Create(context.Background(), domain.CreateParams{
		Content:      "hello",
		ExpiryOption: domain.ExpiryNever,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, now.AddDate(0, 1, 0), p.ExpiresAt)
}

func TestGetMissingPasteIsNilNotError(t *testing.T) {
	svc := testService(t, newMemStore())

	p, err := svc.Get(context.Background(), "nope", ReadOpts{})
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestGetExpiredBeatsPasswordGate(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	p, err := svc.Create(context.Background(), domain.CreateParams{
		Content:      "hello",
		ExpiryOption: domain.Expiry1Hour,
		Password:     "hunter2",
	}, nil)
	require.NoError(t, err)

	svc.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = svc.Get(context.Background(), p.ID, ReadOpts{Password: "hunter2"})
	require.ErrorIs(t, err, domain.ErrPasteExpired)
}

func TestPasswordGateRoundTrip(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)

	created, err := svc.Create(context.Background(), domain.CreateParams{
		Content:  "my password is hidden",
		Password: "x",
	}, &domain.Actor{UID: "u1", DisplayName: "Ada"})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), created.ID, ReadOpts{})
	require.ErrorIs(t, err, domain.ErrPasswordRequired)

	_, err = svc.Get(context.Background(), created.ID, ReadOpts{Password: "y"})
	require.ErrorIs(t, err, domain.ErrPasswordRequired)

	got, err := svc.Get(context.Background(), created.ID, ReadOpts{Password: "x"})
	require.NoError(t, err)
	require.Equal(t, "my password is hidden", got.Content)
	require.Equal(t, "Ada", got.AuthorName)
}

func TestGetDecryptsSensitiveContent(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)

	body := "export AWS_SECRET=abc123"
	created, err := svc.Create(context.Background(), domain.CreateParams{Content: body}, nil)
	require.NoError(t, err)

	// At rest the content is wrapped; the read path hands back plaintext.
	stored := st.docs["pastes/"+created.ID]["content"].(string)
	require.True(t, guard.IsEnveloped(stored))

	got, err := svc.Get(context.Background(), created.ID, ReadOpts{})
	require.NoError(t, err)
	require.Equal(t, body, got.Content)
}

func TestGetEnqueuesViewOnSuccessOnly(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)
	rec := &fakeRecorder{}
	svc.views = rec

	created, err := svc.Create(context.Background(), domain.CreateParams{
		Content:  "hello",
		Password: "x",
	}, &domain.Actor{UID: "author-1"})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), created.ID, ReadOpts{CountView: true})
	require.ErrorIs(t, err, domain.ErrPasswordRequired)
	require.Empty(t, rec.views)

	_, err = svc.Get(context.Background(), created.ID, ReadOpts{Password: "x", CountView: true, ViewerUID: "viewer-1"})
	require.NoError(t, err)
	require.Len(t, rec.views, 1)
	require.Equal(t, capturedView{created.ID, "author-1", "viewer-1"}, rec.views[0])
}

func TestDeleteEnforcesOwnership(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.CreateParams{Content: "hello"}, &domain.Actor{UID: "uidB"})
	require.NoError(t, err)

	err = svc.Delete(ctx, created.ID, "uidA")
	require.ErrorIs(t, err, domain.ErrForbidden)

	got, err := svc.Get(ctx, created.ID, ReadOpts{})
	require.NoError(t, err)
	require.NotNil(t, got)

	// No uid skips the ownership check, the administrative path.
	require.NoError(t, svc.Delete(ctx, created.ID, ""))
	got, err = svc.Get(ctx, created.ID, ReadOpts{})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateTouchesOnlyEditableFields(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.CreateParams{
		Content:      "hello",
		Password:     "x",
		ExpiryOption: domain.Expiry1Week,
	}, &domain.Actor{UID: "u1"})
	require.NoError(t, err)

	err = svc.Update(ctx, created.ID, domain.UpdateParams{
		Title:      "Edited",
		Content:    "new body",
		Language:   "go",
		Visibility: "private",
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, created.ID, ReadOpts{Password: "x"})
	require.NoError(t, err)
	require.Equal(t, "Edited", got.Title)
	require.Equal(t, "new body", got.Content)
	require.Equal(t, "go", got.Language)
	require.Equal(t, "private", got.Visibility)
	require.Equal(t, created.ExpiresAt, got.ExpiresAt)
	require.True(t, got.IsPasswordProtected)
	require.Equal(t, "u1", got.AuthorUID)
}

func TestListRecentPublicFiltersExpiredAndPrivate(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	_, err := svc.Create(ctx, domain.CreateParams{Content: "old", ExpiryOption: domain.Expiry1Hour}, nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, domain.CreateParams{Content: "hidden", Visibility: "private"}, nil)
	require.NoError(t, err)
	fresh, err := svc.Create(ctx, domain.CreateParams{Content: "fresh"}, nil)
	require.NoError(t, err)

	svc.now = func() time.Time { return now.Add(2 * time.Hour) }
	got := svc.ListRecentPublic(ctx, 10)
	require.Len(t, got, 1)
	require.Equal(t, fresh.ID, got[0].ID)
}

func TestListingsDegradeToEmptyOnError(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.CreateParams{Content: "hello"}, &domain.Actor{UID: "u1"})
	require.NoError(t, err)

	st.failAll = true
	require.Empty(t, svc.ListRecentPublic(ctx, 10))
	require.Empty(t, svc.ListByAuthor(ctx, "u1"))
}

func TestListByAuthorNewestFirst(t *testing.T) {
	st := newMemStore()
	svc := testService(t, st)
	ctx := context.Background()
	actor := &domain.Actor{UID: "u1"}

	first, err := svc.Create(ctx, domain.CreateParams{Content: "one"}, actor)
	require.NoError(t, err)
	second, err := svc.Create(ctx, domain.CreateParams{Content: "two"}, actor)
	require.NoError(t, err)

	got := svc.ListByAuthor(ctx, "u1")
	require.Len(t, got, 2)
	require.Equal(t, second.ID, got[0].ID)
	require.Equal(t, first.ID, got[1].ID)
}
