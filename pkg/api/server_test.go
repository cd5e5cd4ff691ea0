package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/zenspace/pkg/auth"
	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/filetree"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/model"
	"github.com/odvcencio/zenspace/pkg/room"
	"github.com/odvcencio/zenspace/pkg/router"
	"github.com/odvcencio/zenspace/pkg/storage"
)

const testSecret = "test-secret-key-for-zenspace-tests-0123456789"

type stubGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (*model.Result, error)
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (*model.Result, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	reply := g.reply
	g.mu.Unlock()
	return reply(prompt)
}

func (g *stubGenerator) setReply(reply func(prompt string) (*model.Result, error)) {
	g.mu.Lock()
	g.reply = reply
	g.mu.Unlock()
}

func (g *stubGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type testEnv struct {
	store  *storage.Store
	tokens *auth.TokenManager
	syncer *filetree.Syncer
	rooms  *room.Registry
	router *router.Router
	gen    *stubGenerator
	server *Server
	http   *httptest.Server
}

type envOption func(*Config, *filetree.Options)

func withWindow(d time.Duration) envOption {
	return func(_ *Config, o *filetree.Options) { o.Window = d }
}

// withMessageRate overrides the per-connection limits; zero keeps the
// server defaults.
func withMessageRate(perSecond float64, burst int) envOption {
	return func(c *Config, _ *filetree.Options) {
		c.MessagesPerSecond = perSecond
		c.MessageBurst = burst
	}
}

func withMaxConnections(n int) envOption {
	return func(c *Config, _ *filetree.Options) { c.MaxConnections = n }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "zenspace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := logging.Nop()
	rooms := room.NewRegistry(logger)
	tokens := auth.NewTokenManager(testSecret, time.Hour, store)
	gen := &stubGenerator{reply: func(string) (*model.Result, error) {
		return model.Parse(`{"text":"ok"}`)
	}}

	cfg := Config{BindAddress: "127.0.0.1:0", MessagesPerSecond: 1000, MessageBurst: 1000}
	syncOpts := filetree.Options{
		Window: 30 * time.Millisecond,
		Logger: logger,
		OnSave: router.SaveStatusReporter(rooms),
	}
	for _, opt := range opts {
		opt(&cfg, &syncOpts)
	}
	syncer := filetree.NewSyncer(store, syncOpts)
	rt := router.New(router.Options{
		Rooms:     rooms,
		Generator: gen,
		Files:     syncer,
		Logger:    logger,
	})

	server := NewServer(cfg, Deps{
		Store:     store,
		Tokens:    tokens,
		Syncer:    syncer,
		Rooms:     rooms,
		Router:    rt,
		Generator: gen,
		Logger:    logger,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Wait(ctx)
		_ = syncer.Close(ctx)
	})

	return &testEnv{
		store:  store,
		tokens: tokens,
		syncer: syncer,
		rooms:  rooms,
		router: rt,
		gen:    gen,
		server: server,
		http:   ts,
	}
}

// user registers an account directly in the store and returns it with a token.
func (e *testEnv) user(t *testing.T, email string) (*storage.User, string) {
	t.Helper()
	hash, err := auth.HashPassword("password123")
	require.NoError(t, err)
	u, err := e.store.CreateUser(context.Background(), email, hash)
	require.NoError(t, err)
	token, _, err := e.tokens.Issue(auth.Identity{UserID: u.ID, Email: u.Email})
	require.NoError(t, err)
	return u, token
}

func (e *testEnv) project(t *testing.T, name string, owner *storage.User, members ...*storage.User) *storage.Project {
	t.Helper()
	p, err := e.store.CreateProject(context.Background(), name, owner.ID)
	require.NoError(t, err)
	if len(members) > 0 {
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		p, err = e.store.AddProjectMembers(context.Background(), p.ID, ids)
		require.NoError(t, err)
	}
	return p
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRegisterLoginProfileLogout(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/users/register", "", map[string]string{
		"email":    "  Alice@Example.com ",
		"password": "password123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.NotContains(t, user, "PasswordHash")
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == tokenCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	resp, _ = env.do(t, http.MethodPost, "/users/register", "", map[string]string{
		"email":    "alice@example.com",
		"password": "password123",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/users/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, msgInvalidCredentials, body["message"])

	resp, body = env.do(t, http.MethodPost, "/users/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "password123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token = body["token"].(string)

	resp, body = env.do(t, http.MethodGet, "/users/profile", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", profile["email"])
	assert.Equal(t, user["id"], profile["id"])

	resp, _ = env.do(t, http.MethodGet, "/users/logout", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/users/profile", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, string(apperrors.ErrCodeAuthentication), body["code"])
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/users/register", "", map[string]string{
		"email":    "not-an-email",
		"password": "short",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	fields, _ := body["errors"].([]any)
	require.Len(t, fields, 2)
	assert.Equal(t, "email", fields[0].(map[string]any)["field"])
	assert.Equal(t, "password", fields[1].(map[string]any)["field"])

	users, err := env.store.ListUsersExcept(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, users)

	resp, _ = env.do(t, http.MethodPost, "/users/register", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/users/profile", "/users/all", "/projects/all", "/ai/get-result?prompt=x", "/metrics"} {
		resp, _ := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp, _ := env.do(t, http.MethodGet, "/users/profile", "garbage.token.value", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenCookieAccepted(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.user(t, "cookie@example.com")

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/users/profile", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: token})
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListUsersExcludesCaller(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.user(t, "a@example.com")
	env.user(t, "b@example.com")
	env.user(t, "c@example.com")

	resp, body := env.do(t, http.MethodGet, "/users/all", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := body["users"].([]any)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.NotEqual(t, "a@example.com", u.(map[string]any)["email"])
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.user(t, "alice@example.com")
	bob, bobToken := env.user(t, "bob@example.com")

	resp, _ := env.do(t, http.MethodPost, "/projects/create", aliceToken, map[string]string{"name": "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/projects/create", aliceToken, map[string]string{"name": "demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	project := body["project"].(map[string]any)
	projectID := project["id"].(string)
	require.Len(t, project["users"], 1)

	resp, _ = env.do(t, http.MethodGet, "/projects/"+projectID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/projects/add-user", bobToken, map[string]any{
		"projectId": projectID,
		"users":     []string{bob.ID},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "non-members cannot add themselves")

	resp, _ = env.do(t, http.MethodPut, "/projects/add-user", aliceToken, map[string]any{
		"projectId": projectID,
		"users":     []string{"01ARZ3NDEKTSV4RRFFQ69G5FAV"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown users are rejected")

	resp, body = env.do(t, http.MethodPut, "/projects/add-user", aliceToken, map[string]any{
		"projectId": projectID,
		"users":     []string{bob.ID, alice.ID, bob.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["project"].(map[string]any)["users"], 2)

	resp, body = env.do(t, http.MethodGet, "/projects/all", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["projects"], 1)

	resp, _ = env.do(t, http.MethodGet, "/projects/not-an-id", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/projects/01ARZ3NDEKTSV4RRFFQ69G5FAV", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateFileTree(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.user(t, "alice@example.com")
	_, eveToken := env.user(t, "eve@example.com")
	p := env.project(t, "demo", alice)

	resp, _ := env.do(t, http.MethodPut, "/projects/update-fileTree", aliceToken, map[string]any{
		"projectId": p.ID,
		"fileTree":  "nope",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/projects/update-fileTree", eveToken, map[string]any{
		"projectId": p.ID,
		"fileTree":  map[string]any{"x.js": map[string]string{"content": "1"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodPut, "/projects/update-fileTree", aliceToken, map[string]any{
		"projectId": p.ID,
		"fileTree":  map[string]any{"index.js": map[string]string{"content": "console.log(1)"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["project"].(map[string]any)["revision"])

	tree, err := env.store.LoadFileTree(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, filetree.Tree{"index.js": {Content: "console.log(1)"}}, tree)

	resp, body = env.do(t, http.MethodGet, "/projects/"+p.ID, aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := body["project"].(map[string]any)["fileTree"].(map[string]any)
	assert.Contains(t, files, "index.js")
}

func TestGetProjectShowsUnsavedEdits(t *testing.T) {
	env := newTestEnv(t, withWindow(time.Hour))
	alice, token := env.user(t, "alice@example.com")
	p := env.project(t, "demo", alice)

	_, err := env.syncer.Edit(context.Background(), p.ID, "peer-1", filetree.Tree{"draft.js": {Content: "wip"}})
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodGet, "/projects/"+p.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := body["project"].(map[string]any)["fileTree"].(map[string]any)
	assert.Contains(t, files, "draft.js")

	persisted, err := env.store.LoadFileTree(context.Background(), p.ID)
	require.NoError(t, err)
	assert.NotContains(t, persisted, "draft.js")
}

func TestAIGetResult(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.user(t, "alice@example.com")

	resp, _ := env.do(t, http.MethodGet, "/ai/get-result", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, env.gen.calls())

	env.gen.setReply(func(string) (*model.Result, error) {
		return model.Parse("```json\n{\"text\":\"hi\"}\n```")
	})
	resp, body := env.do(t, http.MethodGet, "/ai/get-result?prompt=say+hi", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi", body["text"])
	assert.Equal(t, []string{"say hi"}, env.gen.calls())

	env.gen.setReply(func(string) (*model.Result, error) {
		return nil, apperrors.Wrap(errors.New("boom"), apperrors.ErrCodeGeneration, "generation request failed")
	})
	resp, body = env.do(t, http.MethodGet, "/ai/get-result?prompt=again", token, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, string(apperrors.ErrCodeGeneration), body["code"])
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.user(t, "ops@example.com")

	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	mresp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(mresp.Body)
	assert.True(t, strings.Contains(buf.String(), "zenspace_"), "metrics exposition should include zenspace collectors")
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrCodeAuthentication, http.StatusUnauthorized},
		{apperrors.ErrCodeInvalidProject, http.StatusBadRequest},
		{apperrors.ErrCodeValidation, http.StatusBadRequest},
		{apperrors.ErrCodeProjectNotFound, http.StatusNotFound},
		{apperrors.ErrCodeNotFound, http.StatusNotFound},
		{apperrors.ErrCodeForbidden, http.StatusForbidden},
		{apperrors.ErrCodeConflict, http.StatusConflict},
		{apperrors.ErrCodeGeneration, http.StatusInternalServerError},
		{apperrors.ErrCodePersistence, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(apperrors.New(tt.code, "x")), string(tt.code))
	}
	assert.Equal(t, http.StatusInternalServerError, statusForError(errors.New("plain")))
}

func TestRespondErrorHidesInternalDetails(t *testing.T) {
	rr := httptest.NewRecorder()
	respondAppError(rr, errors.New("sql: connection refused at 10.0.0.3"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "10.0.0.3")
}
