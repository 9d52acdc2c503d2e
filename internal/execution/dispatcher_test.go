package execution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/proxy"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

// fakeStore 는 published 여부로 거르지 않고 설정된 엔드포인트를 그대로 돌려줍니다.
// 디스패처가 스스로 게이트를 다시 확인하는지 보기 위함입니다.
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]*store.User
	endpoints  map[string][]store.Endpoint
	keys       []store.AccessKey
	userErr    error
	keysErr    error
	incrErr    error
	keyQueries [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[string]*store.User{},
		endpoints: map[string][]store.Endpoint{},
	}
}

func (f *fakeStore) addUser(username string, activated bool) *store.User {
	u := &store.User{ID: "user-" + username, Username: username, IsActivated: activated}
	f.users[username] = u
	return u
}

func (f *fakeStore) addEndpoint(owner *store.User, ep store.Endpoint) {
	ep.OwnerUserID = owner.ID
	if ep.ID == "" {
		ep.ID = "ep-" + ep.Path
	}
	if ep.AccessControl == "" {
		ep.AccessControl = store.AccessPublic
	}
	f.endpoints[owner.ID] = append(f.endpoints[owner.ID], ep)
}

func (f *fakeStore) FindUserByUsername(_ context.Context, username string) (*store.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	u, ok := f.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) ListPublishedEndpoints(_ context.Context, ownerID string) ([]store.Endpoint, error) {
	return append([]store.Endpoint(nil), f.endpoints[ownerID]...), nil
}

func (f *fakeStore) ListActiveAccessKeys(_ context.Context, groupIDs []string) ([]store.AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyQueries = append(f.keyQueries, groupIDs)
	if f.keysErr != nil {
		return nil, f.keysErr
	}
	var out []store.AccessKey
	for _, k := range f.keys {
		if k.IsActive {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeStore) IncrementAccessKeyUsage(_ context.Context, keyID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrErr != nil {
		return f.incrErr
	}
	for i := range f.keys {
		if f.keys[i].ID == keyID {
			f.keys[i].UsageCount++
			t := now
			f.keys[i].LastUsedAt = &t
		}
	}
	return nil
}

func (f *fakeStore) key(id string) store.AccessKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.ID == id {
			return k
		}
	}
	return store.AccessKey{}
}

func strPtr(s string) *string { return &s }

func newTestDispatcher(st Store, opts ...Option) *Dispatcher {
	return NewDispatcher(logging.NewNop(), st, opts...)
}

// allowLoopback 은 httptest upstream(127.0.0.1)으로 dynamicProxy 를 보낼 수 있게 합니다.
func allowLoopback(d *Dispatcher) *Dispatcher {
	d.isTargetSafe = func(string) bool { return true }
	d.dynamic = proxy.NewForwarder(logging.NewNop(), false)
	return d
}

func serve(d http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	return rec
}

func get(d http.Handler, target string) *httptest.ResponseRecorder {
	return serve(d, httptest.NewRequest(http.MethodGet, target, nil))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func staticEndpoint(path, content string) store.Endpoint {
	return store.Endpoint{
		Path:        path,
		Type:        store.EndpointStatic,
		Config:      `{"content":"` + content + `","contentType":"text/plain"}`,
		Enabled:     true,
		IsPublished: true,
	}
}

func TestResolvePath(t *testing.T) {
	cases := []struct {
		in       string
		username string
		path     string
	}{
		{"/e/alice/hi", "alice", "/hi"},
		{"/e/alice", "alice", "/"},
		{"/e/alice/", "alice", "/"},
		{"/e/alice/a/b/", "alice", "/a/b/"},
		{"/e/", "", "/"},
		{"/other", "", "/"},
	}
	for _, tc := range cases {
		u, p := ResolvePath(tc.in)
		assert.Equal(t, tc.username, u, tc.in)
		assert.Equal(t, tc.path, p, tc.in)
	}
}

func TestMatchEndpointExactBeatsPrefix(t *testing.T) {
	dyn := store.Endpoint{ID: "dyn", Path: "/api", Type: store.EndpointDynamicProxy}
	exact := store.Endpoint{ID: "exact", Path: "/api/docs", Type: store.EndpointStatic}

	for _, eps := range [][]store.Endpoint{{dyn, exact}, {exact, dyn}} {
		got := MatchEndpoint(eps, "/api/docs")
		require.NotNil(t, got)
		assert.Equal(t, "exact", got.ID)

		got = MatchEndpoint(eps, "/api/docs/more")
		require.NotNil(t, got)
		assert.Equal(t, "dyn", got.ID)
	}
}

func TestMatchEndpointLongestMount(t *testing.T) {
	short := store.Endpoint{ID: "a", Path: "/a", Type: store.EndpointDynamicProxy}
	long := store.Endpoint{ID: "ab", Path: "/a/b", Type: store.EndpointDynamicProxy}

	for _, eps := range [][]store.Endpoint{{short, long}, {long, short}} {
		got := MatchEndpoint(eps, "/a/b/c")
		require.NotNil(t, got)
		assert.Equal(t, "ab", got.ID)

		got = MatchEndpoint(eps, "/a/x")
		require.NotNil(t, got)
		assert.Equal(t, "a", got.ID)

		got = MatchEndpoint(eps, "/a")
		require.NotNil(t, got)
		assert.Equal(t, "a", got.ID)

		assert.Nil(t, MatchEndpoint(eps, "/ab"))
	}
}

func TestMatchEndpointRootMount(t *testing.T) {
	root := store.Endpoint{ID: "root", Path: "/", Type: store.EndpointDynamicProxy}
	eps := []store.Endpoint{root}

	got := MatchEndpoint(eps, "/")
	require.NotNil(t, got)
	assert.Equal(t, "root", got.ID)
	assert.Nil(t, MatchEndpoint(eps, "/x"))
}

func TestMatchEndpointNonDynamicNeedsExactPath(t *testing.T) {
	eps := []store.Endpoint{{ID: "s", Path: "/hi", Type: store.EndpointStatic}}
	assert.Nil(t, MatchEndpoint(eps, "/hi/there"))
	assert.Nil(t, MatchEndpoint(eps, "/h"))
}

func TestStaticEndpointEndToEnd(t *testing.T) {
	st := newFakeStore()
	alice := st.addUser("alice", true)
	st.addEndpoint(alice, staticEndpoint("/hi", "hello"))

	rec := get(newTestDispatcher(st), "/e/alice/hi")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestStaticEndpointHeadersAndCharset(t *testing.T) {
	st := newFakeStore()
	alice := st.addUser("alice", true)
	st.addEndpoint(alice, store.Endpoint{
		Path:        "/page",
		Type:        store.EndpointStatic,
		Config:      `{"content":"<p>x</p>","contentType":"text/html; charset=iso-8859-1","headers":{"Cache-Control":"no-store"}}`,
		Enabled:     true,
		IsPublished: true,
	})
	st.addEndpoint(alice, store.Endpoint{
		Path:        "/bare",
		Type:        store.EndpointStatic,
		Config:      `{"content":"plain"}`,
		Enabled:     true,
		IsPublished: true,
	})
	d := newTestDispatcher(st)

	rec := get(d, "/e/alice/page")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=iso-8859-1", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = get(d, "/e/alice/bare")
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "plain", rec.Body.String())
}

func TestRootPathDefaults(t *testing.T) {
	st := newFakeStore()
	alice := st.addUser("alice", true)
	st.addEndpoint(alice, staticEndpoint("/", "index"))

	d := newTestDispatcher(st)
	assert.Equal(t, "index", get(d, "/e/alice").Body.String())
	assert.Equal(t, "index", get(d, "/e/alice/").Body.String())
}

func TestUserResolution(t *testing.T) {
	st := newFakeStore()
	bob := st.addUser("bob", false)
	st.addEndpoint(bob, staticEndpoint("/hi", "hello"))
	d := newTestDispatcher(st)

	rec := get(d, "/e/nobody/hi")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "User not found", decodeError(t, rec).Error)

	// 사용자 이름은 대소문자를 구분합니다.
	rec = get(d, "/e/Bob/hi")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(d, "/e/bob/hi")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "User not activated", decodeError(t, rec).Error)
}

func TestUserLookupFailureIsInternal(t *testing.T) {
	st := newFakeStore()
	st.userErr = errors.New("db down")

	rec := get(newTestDispatcher(st), "/e/alice/hi")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "Internal server error", body.Error)
	assert.Empty(t, body.Details)
}

func TestEndpointGates(t *testing.T) {
	st := newFakeStore()
	alice := st.addUser("alice", true)

	unpublished := staticEndpoint("/draft", "x")
	unpublished.IsPublished = false
	st.addEndpoint(alice, unpublished)

	disabled := staticEndpoint("/off", "x")
	disabled.Enabled = false
	st.addEndpoint(alice, disabled)

	d := newTestDispatcher(st)

	rec := get(d, "/e/alice/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Endpoint not found", decodeError(t, rec).Error)

	rec = get(d, "/e/alice/draft")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Endpoint not published", decodeError(t, rec).Error)

	rec = get(d, "/e/alice/off")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Endpoint disabled", decodeError(t, rec).Error)
}

func TestUnpublishedAndDisabled(t *testing.T) {
	st := newFakeStore()
	alice := st.addUser("alice", true)
	ep := staticEndpoint("/both", "x")
	ep.IsPublished = false
	ep.Enabled = false
	st.addEndpoint(alice, ep)

	rec := get(newTestDispatcher(st), "/e/alice/both")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUseEndpointLister(t *testing.T) {
	st := newFakeStore()
	st.addUser("alice", true)
	lister := newFakeStore()
	lister.endpoints["user-alice"] = []store.Endpoint{staticEndpoint("/cached", "from-lister")}

	d := newTestDispatcher(st, WithEndpointLister(lister))
	rec := get(d, "/e/alice/cached")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from-lister", rec.Body.String())
}

func authFixture() (*fakeStore, *store.User) {
	st := newFakeStore()
	alice := st.addUser("alice", true)
	ep := staticEndpoint("/secret", "ok")
	ep.AccessControl = store.AccessAuthenticated
	ep.RequiredPermissionGroups = strPtr(`["g1"]`)
	st.addEndpoint(alice, ep)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	st.keys = []store.AccessKey{
		{ID: "k1", PermissionGroupID: "g1", KeyValue: "k1-secret", IsActive: true, ExpiresAt: &future},
		{ID: "k2", PermissionGroupID: "g2", KeyValue: "k2-secret", IsActive: true},
		{ID: "k3", PermissionGroupID: "g1", KeyValue: "k3-secret", IsActive: true, ExpiresAt: &past},
		{ID: "k4", PermissionGroupID: "g1", KeyValue: "k4-secret", IsActive: false},
	}
	return st, alice
}

func requestWithKey(target, key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Access-Key", key)
	return req
}

func TestAccessKeyGrantsAndCountsUsage(t *testing.T) {
	st, _ := authFixture()
	d := newTestDispatcher(st)

	rec := serve(d, requestWithKey("/e/alice/secret", "k1-secret"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	k := st.key("k1")
	assert.Equal(t, int64(1), k.UsageCount)
	assert.NotNil(t, k.LastUsedAt)
	assert.Equal(t, [][]string{{"g1"}}, st.keyQueries)

	rec = get(d, "/e/alice/secret?access_key=k1-secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), st.key("k1").UsageCount)
}

func TestAccessKeyRejections(t *testing.T) {
	st, _ := authFixture()
	d := newTestDispatcher(st)

	rec := get(d, "/e/alice/secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Access key required", decodeError(t, rec).Error)

	for _, key := range []string{"k2-secret", "k3-secret", "k4-secret", "nope"} {
		rec = serve(d, requestWithKey("/e/alice/secret", key))
		assert.Equal(t, http.StatusForbidden, rec.Code, key)
		assert.Equal(t, "Invalid or expired access key", decodeError(t, rec).Error, key)
	}

	for _, id := range []string{"k1", "k2", "k3", "k4"} {
		assert.Zero(t, st.key(id).UsageCount, id)
	}
}

func TestAccessKeyHeaderTakesPrecedence(t *testing.T) {
	st, _ := authFixture()
	d := newTestDispatcher(st)

	rec := serve(d, requestWithKey("/e/alice/secret?access_key=k1-secret", "wrong"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMisconfiguredPermissionGroups(t *testing.T) {
	cases := []struct {
		name    string
		groups  *string
		message string
	}{
		{"missing", nil, "No permission groups configured"},
		{"empty", strPtr(`[]`), "No permission groups configured"},
		{"unparseable", strPtr(`not-json`), "Invalid permission configuration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			alice := st.addUser("alice", true)
			ep := staticEndpoint("/secret", "ok")
			ep.AccessControl = store.AccessAuthenticated
			ep.RequiredPermissionGroups = tc.groups
			st.addEndpoint(alice, ep)

			rec := serve(newTestDispatcher(st), requestWithKey("/e/alice/secret", "any"))
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, tc.message, decodeError(t, rec).Error)
		})
	}
}

func TestAccessKeyLookupFailureIsInternal(t *testing.T) {
	st, _ := authFixture()
	st.keysErr = errors.New("db down")

	rec := serve(newTestDispatcher(st), requestWithKey("/e/alice/secret", "k1-secret"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUsageRecordFailureDoesNotFailRequest(t *testing.T) {
	st, _ := authFixture()
	st.incrErr = errors.New("write failed")

	rec := serve(newTestDispatcher(st), requestWithKey("/e/alice/secret", "k1-secret"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEndpointTypeOutcomes(t *testing.T) {
	st := newFakeStore()
	alice := st.addUser("alice", true)
	st.addEndpoint(alice, store.Endpoint{Path: "/script", Type: store.EndpointScript, Config: `{}`, Enabled: true, IsPublished: true})
	st.addEndpoint(alice, store.Endpoint{Path: "/weird", Type: store.EndpointType("lambda"), Config: `{}`, Enabled: true, IsPublished: true})
	st.addEndpoint(alice, store.Endpoint{Path: "/broken", Type: store.EndpointStatic, Config: `{oops`, Enabled: true, IsPublished: true})
	st.addEndpoint(alice, store.Endpoint{Path: "/null", Type: store.EndpointStatic, Config: `null`, Enabled: true, IsPublished: true})
	d := newTestDispatcher(st)

	rec := get(d, "/e/alice/script")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, "Script endpoints not yet supported", decodeError(t, rec).Error)

	rec = get(d, "/e/alice/weird")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Unknown endpoint type", decodeError(t, rec).Error)

	for _, p := range []string{"/e/alice/broken", "/e/alice/null"} {
		rec = get(d, p)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, p)
		assert.Equal(t, "Invalid endpoint configuration", decodeError(t, rec).Error, p)
	}
}

func TestDecodeConfigWeakTypes(t *testing.T) {
	cfg := defaultProxyConfig()
	require.NoError(t, DecodeConfig(`{"targetUrl":"https://example.com","timeout":"2500","headers":{"X-N":1}}`, &cfg))
	assert.Equal(t, int64(2500), cfg.Timeout)
	assert.Equal(t, "1", cfg.Headers["X-N"])

	dyn := defaultDynamicProxyConfig()
	require.NoError(t, DecodeConfig(`{"baseUrl":"https://api.example.com"}`, &dyn))
	assert.True(t, dyn.AutoAppendSlash)
	assert.Equal(t, int64(defaultDynamicProxyTimeout), dyn.Timeout)

	require.Error(t, DecodeConfig(`[1,2]`, &dyn))
}

func TestValidateEndpointConfig(t *testing.T) {
	assert.NoError(t, ValidateEndpointConfig(store.EndpointStatic, `{"content":"x"}`))
	assert.NoError(t, ValidateEndpointConfig(store.EndpointDynamicProxy, `{"baseUrl":""}`))
	assert.NoError(t, ValidateEndpointConfig(store.EndpointDynamicProxy, `{"baseUrl":"https://api.github.com","allowedPaths":["/repos/*"]}`))
	assert.Error(t, ValidateEndpointConfig(store.EndpointDynamicProxy, `{"baseUrl":"http://127.0.0.1/"}`))
	assert.Error(t, ValidateEndpointConfig(store.EndpointDynamicProxy, `{"baseUrl":"https://api.github.com","allowedPaths":["repos/*"]}`))
	assert.Error(t, ValidateEndpointConfig(store.EndpointProxy, `{bad`))
	assert.Error(t, ValidateEndpointConfig(store.EndpointType("lambda"), `{}`))
}

func TestRoutesThroughMux(t *testing.T) {
	st := newFakeStore()
	alice := st.addUser("alice", true)
	st.addEndpoint(alice, staticEndpoint("/hi", "hello"))

	r := mux.NewRouter().SkipClean(true)
	newTestDispatcher(st).RegisterRoutes(r)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		rec := serve(r, httptest.NewRequest(method, "/e/alice/hi", nil))
		assert.Equal(t, http.StatusOK, rec.Code, method)
	}
	rec := serve(r, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
