package karmachat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake API server
// ============================================================================

type apiCall struct {
	Path  string
	Token string
	Body  map[string]any
}

type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	result map[string]any
	errors map[string]*APIError
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{result: make(map[string]any), errors: make(map[string]*APIError)}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Path: r.URL.Path, Token: r.Header.Get("X-Session-Token"), Body: body})
	apiErr := f.errors[r.URL.Path]
	result, ok := f.result[r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case apiErr != nil:
		_ = json.NewEncoder(w).Encode(map[string]any{"error": apiErr})
	case ok:
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"result": true})
	}
}

func (f *fakeAPI) set(path string, result any) {
	f.mu.Lock()
	f.result[path] = result
	f.mu.Unlock()
}

func (f *fakeAPI) fail(path string, err *APIError) {
	f.mu.Lock()
	f.errors[path] = err
	f.mu.Unlock()
}

func (f *fakeAPI) last(t *testing.T) apiCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func newAPIClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.APIURL = srv.URL
	cfg.HTTPClient = srv.Client()
	cfg.RequestsPerSecond = 1000
	c, err := NewClient(cfg, WithTransport((&transportPool{name: "mem"}).factory))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy(context.Background(), true) })
	return c, api
}

// ============================================================================
// HTTPRequester
// ============================================================================

func TestHTTPRequester(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api)
	defer srv.Close()

	r := NewHTTPRequester(&Config{APIURL: srv.URL, Token: "tok-1", HTTPClient: srv.Client()})
	ctx := context.Background()

	t.Run("unwraps result and sends token", func(t *testing.T) {
		api.set("/echo", map[string]any{"ok": 1})
		data, err := r.Request(ctx, "/echo", map[string]any{"x": "y"}, true)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":1}`, string(data))

		call := api.last(t)
		assert.Equal(t, "tok-1", call.Token)
		assert.Equal(t, "y", call.Body["x"])
	})

	t.Run("unauthenticated call omits token", func(t *testing.T) {
		_, err := r.Request(ctx, "/public", nil, false)
		require.NoError(t, err)
		assert.Empty(t, api.last(t).Token)
	})

	t.Run("set token", func(t *testing.T) {
		r.SetToken("tok-2")
		_, err := r.Request(ctx, "/echo", nil, true)
		require.NoError(t, err)
		assert.Equal(t, "tok-2", api.last(t).Token)
		assert.Equal(t, "tok-2", r.Token())
	})

	t.Run("structured error", func(t *testing.T) {
		api.fail("/fail", &APIError{Code: ErrCodeRateLimited, Message: "slow down"})
		_, err := r.Request(ctx, "/fail", map[string]any{"a": 1}, true)
		require.Error(t, err)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, ErrCodeRateLimited, apiErr.Code)
		assert.Equal(t, "/fail", apiErr.Endpoint)
		assert.Equal(t, http.MethodPost, apiErr.Method)
		assert.True(t, IsAPIError(err, ErrCodeRateLimited))
		assert.False(t, isNotFound(err))
	})

	t.Run("non-json response", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer bad.Close()

		r := NewHTTPRequester(&Config{APIURL: bad.URL, HTTPClient: bad.Client()})
		_, err := r.Request(ctx, "/x", nil, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 502")
	})
}

func TestHTTPRequesterRateLimit(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api)
	defer srv.Close()

	r := NewHTTPRequester(&Config{APIURL: srv.URL, HTTPClient: srv.Client(), RequestsPerSecond: 1, RequestBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Request(ctx, "/a", nil, true)
	require.NoError(t, err)
	_, err = r.Request(ctx, "/b", nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

// ============================================================================
// Actions
// ============================================================================

func TestValidateReaction(t *testing.T) {
	assert.NoError(t, ValidateReaction("👍"))
	assert.ErrorIs(t, ValidateReaction(""), ErrInvalidReaction)
	assert.ErrorIs(t, ValidateReaction("ok"), ErrInvalidReaction)
	assert.ErrorIs(t, ValidateReaction("👍👍"), ErrInvalidReaction)
	assert.ErrorIs(t, ValidateReaction("👍 "), ErrInvalidReaction)
}

func TestSendAndEditMessage(t *testing.T) {
	c, api := newAPIClient(t)
	ctx := context.Background()

	api.set("/dialogues/messages/send", map[string]any{"id": "m1", "text": "hello", "createdAt": 1700000000000})
	m, err := c.SendMessage(ctx, "d1", "hello", &SendOptions{ReferenceID: "m0"})
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, "m0", api.last(t).Body["referenceId"])

	d, ok := c.Dialogue("d1")
	require.True(t, ok)
	cached, ok := d.Messages.Get("m1")
	require.True(t, ok)
	assert.Same(t, m, cached)

	api.set("/dialogues/messages/edit", map[string]any{"id": "m1"})
	edited, err := c.EditMessage(ctx, "d1", "m1", "hello there")
	require.NoError(t, err)
	assert.Same(t, m, edited)
	assert.Equal(t, "hello there", m.Content)
	require.NotNil(t, m.OldContent)
	assert.Equal(t, "hello", *m.OldContent)

	require.NoError(t, c.DeleteMessage(ctx, "d1", "m1"))
	assert.True(t, m.Deleted)
	_, ok = d.Messages.Get("m1")
	assert.False(t, ok)
}

func TestActionErrors(t *testing.T) {
	c, api := newAPIClient(t)
	ctx := context.Background()

	api.fail("/users/block", &APIError{Code: ErrCodeAccessDenied, Message: "nope"})
	err := c.Block(ctx, "u1")
	require.Error(t, err)
	assert.True(t, IsAPIError(err, ErrCodeAccessDenied))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.apiErrors.WithLabelValues(ErrCodeAccessDenied)))

	u, ok := c.User("u1")
	if ok {
		assert.False(t, u.Blocked)
	}

	err = c.React(ctx, "d1", "m1", "not an emoji")
	assert.ErrorIs(t, err, ErrInvalidReaction)
}

func TestRelationshipActions(t *testing.T) {
	c, api := newAPIClient(t)
	ctx := context.Background()

	require.NoError(t, c.Block(ctx, "u1"))
	u, ok := c.User("u1")
	require.True(t, ok)
	assert.True(t, u.Blocked)
	require.NoError(t, c.Unblock(ctx, "u1"))
	assert.False(t, u.Blocked)

	api.set("/users/like", map[string]any{"likesReceived": 4})
	liked, err := c.Like(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, u, liked)
	assert.Equal(t, 4, u.LikesReceived)

	api.set("/users/get", map[string]any{"id": "u1", "displayName": "Ann"})
	fetched, err := c.FetchUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", fetched.DisplayName)

	require.NoError(t, c.React(ctx, "d1", "m1", "🔥"))
	assert.Equal(t, "🔥", api.last(t).Body["emoji"])
}

func TestFriendRequestActions(t *testing.T) {
	c, api := newAPIClient(t)
	ctx := context.Background()

	api.set("/friends/requests", []map[string]any{
		{"user": map[string]any{"id": "u2", "displayName": "Bo"}, "direction": "incoming", "createdAt": 2000},
		{"userId": "u3", "direction": "outgoing", "createdAt": 1000},
	})
	reqs, err := c.FetchFriendRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "u3", reqs[0].ID)
	assert.Equal(t, RequestOutgoing, reqs[0].Direction)
	assert.Equal(t, "Bo", reqs[1].User.DisplayName)

	sent, err := c.SendFriendRequest(ctx, "u4")
	require.NoError(t, err)
	assert.Equal(t, RequestOutgoing, sent.Direction)
	assert.Len(t, c.FriendRequests(), 3)

	require.NoError(t, c.RejectFriendRequest(ctx, "u2"))
	require.NoError(t, c.CancelFriendRequest(ctx, "u4"))
	assert.Len(t, c.FriendRequests(), 1)
}

func TestFetchDialogueAndReference(t *testing.T) {
	c, api := newAPIClient(t)
	ctx := context.Background()

	api.set("/dialogues/get", map[string]any{"id": "g1", "type": "PUBLIC", "title": "Lobby", "minKarma": 5})
	d, err := c.FetchDialogue(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, d.IsGroup())
	assert.Equal(t, 5, d.Group.MinKarma)

	api.set("/messages/get", map[string]any{"id": "m0", "text": "original", "dialogueId": "g1"})
	reply := &Message{ID: "m1", ReferenceID: "m0", Dialogue: d}
	ref, err := c.ResolveReference(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, "original", ref.Content)

	// The second lookup is served from the cache.
	again, err := c.ResolveReference(ctx, reply)
	require.NoError(t, err)
	assert.Same(t, ref, again)

	none, err := c.ResolveReference(ctx, &Message{ID: "m2"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestActionsAfterDestroy(t *testing.T) {
	c, _ := newAPIClient(t)
	ctx := context.Background()
	require.NoError(t, c.Destroy(ctx, true))

	_, err := c.SendMessage(ctx, "d1", "hi", nil)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, c.Block(ctx, "u1"), ErrDestroyed)
	_, err = c.FetchDialogue(ctx, "d1")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestBan(t *testing.T) {
	c, api := newAPIClient(t)
	ctx := context.Background()

	api.set("/dialogues/get", map[string]any{"id": "g1", "type": "GROUP"})
	d, err := c.FetchDialogue(ctx, "g1")
	require.NoError(t, err)
	d.Members["u2"] = &User{ID: "u2"}

	require.NoError(t, c.Ban(ctx, "g1", "u2"))
	assert.NotContains(t, d.Members, "u2")
	call := api.last(t)
	assert.Equal(t, "/dialogues/ban", call.Path)
	assert.Equal(t, "u2", call.Body["userId"])
}
