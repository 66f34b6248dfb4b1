package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aurapaste/cfg"
	"aurapaste/pkg/domain"
	"aurapaste/pkg/guard"
	"aurapaste/svc/cache"
	"aurapaste/svc/lim"
	"aurapaste/svc/paste"
	"aurapaste/svc/stats"
	"aurapaste/svc/store"
	"aurapaste/svc/util"
	"aurapaste/svc/view"
)

func testConfig() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		LogLevel:       "error",
		BaseURL:        "http://localhost:8080",
		MaxPasteSize:   512 * 1024,
		RecentLimit:    20,
		LRUCacheSize:   64,
		AdminEmails:    []string{"admin@example.com"},
		ContextTimeout: 10 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	util.InitLog("error", false)
	c := testConfig()

	dsn := fmt.Sprintf("file:apitest%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := store.NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g, err := guard.New("")
	require.NoError(t, err)
	lru, err := cache.NewLRU(c.LRUCacheSize)
	require.NoError(t, err)

	statsSvc := stats.New(db, c.AdminEmails)
	recorder := view.NewRecorder(db, statsSvc, 2, 64)
	t.Cleanup(recorder.Shutdown)
	pasteSvc := paste.New(db, g, lru, nil, recorder, statsSvc, c)

	limiter := lim.New(100000, 10000, nil, nil)
	t.Cleanup(limiter.Stop)

	return NewServer(c, pasteSvc, statsSvc, limiter, db, nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func createPaste(t *testing.T, srv *Server, body CreateReq, headers map[string]string) domain.Paste {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/pastes", body, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p domain.Paste
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.NotEmpty(t, p.ID)
	return p
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	created := createPaste(t, srv, CreateReq{
		Title:    "hello file",
		Content:  "package main",
		Language: "go",
	}, nil)
	require.Equal(t, "http://localhost:8080/p/"+created.ID, created.URL)

	w := doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.Paste
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "package main", got.Content)
	require.Equal(t, "hello file", got.Title)
	require.Equal(t, "Anonymous", got.AuthorName)
}

func TestGetMissingPaste(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/pastes/does-not-exist", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRejectsNonJSON(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/pastes", bytes.NewBufferString("content=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestPasswordGateOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	created := createPaste(t, srv, CreateReq{Content: "secret stuff", Password: "x"}, nil)

	w := doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID, nil, map[string]string{"X-Paste-Password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID, nil, map[string]string{"X-Paste-Password": "x"})
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.Paste
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "secret stuff", got.Content)
	// The stored password never leaves the service.
	require.Empty(t, got.Password)
}

func TestUpdateRequiresOwnership(t *testing.T) {
	srv := newTestServer(t)
	owner := map[string]string{"X-Auth-UID": "u1", "X-Auth-Name": "Ada"}

	created := createPaste(t, srv, CreateReq{Content: "v1"}, owner)

	body := UpdateReq{Content: "v2", Visibility: "public"}
	w := doJSON(t, srv, http.MethodPut, "/pastes/"+created.ID, body, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodPut, "/pastes/"+created.ID, body, map[string]string{"X-Auth-UID": "u2"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodPut, "/pastes/"+created.ID, body, owner)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.Paste
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "v2", got.Content)
}

func TestDeleteOwnershipAndAdminOverride(t *testing.T) {
	srv := newTestServer(t)
	owner := map[string]string{"X-Auth-UID": "uidB"}

	created := createPaste(t, srv, CreateReq{Content: "mine"}, owner)

	w := doJSON(t, srv, http.MethodDelete, "/pastes/"+created.ID, nil, map[string]string{"X-Auth-UID": "uidA"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	admin := map[string]string{"X-Auth-UID": "uidAdmin", "X-Auth-Email": "admin@example.com"}
	w = doJSON(t, srv, http.MethodDelete, "/pastes/"+created.ID, nil, admin)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecentListing(t *testing.T) {
	srv := newTestServer(t)

	createPaste(t, srv, CreateReq{Content: "visible"}, nil)
	createPaste(t, srv, CreateReq{Content: "hidden", Visibility: "private"}, nil)

	w := doJSON(t, srv, http.MethodGet, "/pastes/recent", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got []domain.Paste
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "visible", got[0].Content)
}

func TestUserPastesVisibleToOwnerOnly(t *testing.T) {
	srv := newTestServer(t)
	owner := map[string]string{"X-Auth-UID": "u1"}

	createPaste(t, srv, CreateReq{Content: "draft", Visibility: "private"}, owner)

	w := doJSON(t, srv, http.MethodGet, "/users/u1/pastes", nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/users/u1/pastes", nil, owner)
	require.Equal(t, http.StatusOK, w.Code)
	var got []domain.Paste
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
}

func TestDownloadUsesExtensionTable(t *testing.T) {
	srv := newTestServer(t)

	created := createPaste(t, srv, CreateReq{Content: "print('hi')", Language: "python"}, nil)

	w := doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID+"/download", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t,
		fmt.Sprintf(`attachment; filename="paste-%s.py"`, created.ID),
		w.Header().Get("Content-Disposition"))
	require.Equal(t, "print('hi')", w.Body.String())
}

func TestRawServesPlaintext(t *testing.T) {
	srv := newTestServer(t)

	created := createPaste(t, srv, CreateReq{Content: "AWS_SECRET=abc"}, nil)

	w := doJSON(t, srv, http.MethodGet, "/pastes/"+created.ID+"/raw", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	require.Equal(t, "AWS_SECRET=abc", w.Body.String())
}

func TestUserStatsTracksCreates(t *testing.T) {
	srv := newTestServer(t)
	owner := map[string]string{"X-Auth-UID": "u1", "X-Auth-Email": "ada@example.com"}

	createPaste(t, srv, CreateReq{Content: "one"}, owner)
	createPaste(t, srv, CreateReq{Content: "two", Visibility: "private"}, owner)

	w := doJSON(t, srv, http.MethodGet, "/users/u1/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		TotalPastes  int64          `json:"totalPastes"`
		PublicPastes int64          `json:"publicPastes"`
		Badges       []domain.Badge `json:"badges"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, int64(2), got.TotalPastes)
	require.Equal(t, int64(1), got.PublicPastes)

	w = doJSON(t, srv, http.MethodGet, "/users/u1/achievements", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var achievements []domain.Achievement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &achievements))
	require.NotEmpty(t, achievements)
}

func TestSyncMe(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPut, "/users/me", nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodPut, "/users/me", nil, map[string]string{
		"X-Auth-UID":   "u1",
		"X-Auth-Name":  "Ada",
		"X-Auth-Email": "ada@example.com",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/users/u1/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.UserStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "Ada", got.DisplayName)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	require.True(t, ready.Ready)
	require.Equal(t, "unavailable", ready.Cache)
}
