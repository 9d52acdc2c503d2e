package execution

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-endpoints/internal/store"
)

type seenRequest struct {
	Method string
	Path   string
	Query  url.Values
	Host   string
	Header http.Header
	Body   string
}

// recordingUpstream 은 받은 요청을 seen 채널로 넘기고 고정 응답을 돌려줍니다.
func recordingUpstream(t *testing.T, status int, body string) (*httptest.Server, <-chan seenRequest) {
	t.Helper()
	seen := make(chan seenRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Host:   r.Host,
			Header: r.Header.Clone(),
			Body:   string(b),
		}
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func jsonConfig(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func proxyFixture(t *testing.T, epType store.EndpointType, path string, cfg map[string]any) (*fakeStore, *store.User) {
	t.Helper()
	st := newFakeStore()
	alice := st.addUser("alice", true)
	st.addEndpoint(alice, store.Endpoint{
		Path:        path,
		Type:        epType,
		Config:      jsonConfig(t, cfg),
		Enabled:     true,
		IsPublished: true,
	})
	return st, alice
}

func TestProxyForwardsRequestAndStreamsResponse(t *testing.T) {
	upstream, seen := recordingUpstream(t, http.StatusCreated, `{"ok":true}`)
	st, _ := proxyFixture(t, store.EndpointProxy, "/hook", map[string]any{
		"targetUrl":     upstream.URL + "/ingest?src=hop",
		"headers":       map[string]any{"X-Injected": "1"},
		"removeHeaders": []any{"x-secret"},
	})

	req := httptest.NewRequest(http.MethodPost, "/e/alice/hook", strings.NewReader("payload"))
	req.Header.Set("X-Access-Key", "caller-key")
	req.Header.Set("X-Secret", "do-not-forward")
	req.Header.Set("X-Keep", "kept")
	rec := serve(newTestDispatcher(st), req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))

	got := <-seen
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/ingest", got.Path)
	assert.Equal(t, "hop", got.Query.Get("src"))
	assert.Equal(t, "payload", got.Body)
	assert.Equal(t, "1", got.Header.Get("X-Injected"))
	assert.Equal(t, "kept", got.Header.Get("X-Keep"))
	assert.Empty(t, got.Header.Get("X-Secret"))
	assert.Empty(t, got.Header.Get("X-Access-Key"))
	assert.NotEqual(t, "example.com", got.Host)
}

func TestProxyGetSendsNoBody(t *testing.T) {
	upstream, seen := recordingUpstream(t, http.StatusOK, "ok")
	st, _ := proxyFixture(t, store.EndpointProxy, "/p", map[string]any{"targetUrl": upstream.URL})

	req := httptest.NewRequest(http.MethodGet, "/e/alice/p", strings.NewReader("ignored"))
	rec := serve(newTestDispatcher(st), req)
	assert.Equal(t, http.StatusOK, rec.Code)

	got := <-seen
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Empty(t, got.Body)
}

func TestProxyTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	st, _ := proxyFixture(t, store.EndpointProxy, "/slow", map[string]any{
		"targetUrl": upstream.URL,
		"timeout":   50,
	})

	rec := get(newTestDispatcher(st), "/e/alice/slow")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "Proxy timeout", decodeError(t, rec).Error)
}

func TestProxyUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	st, _ := proxyFixture(t, store.EndpointProxy, "/down", map[string]any{"targetUrl": target})

	rec := get(newTestDispatcher(st), "/e/alice/down")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "Proxy error", body.Error)
	assert.NotEmpty(t, body.Details)
}

func TestProxyDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	st, _ := proxyFixture(t, store.EndpointProxy, "/r", map[string]any{"targetUrl": upstream.URL})

	rec := get(newTestDispatcher(st), "/e/alice/r")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/elsewhere", rec.Header().Get("Location"))
}

func TestDynamicProxyMapsSubPath(t *testing.T) {
	upstream, seen := recordingUpstream(t, http.StatusAccepted, `{"repo":"x"}`)
	st, _ := proxyFixture(t, store.EndpointDynamicProxy, "/gh", map[string]any{
		"baseUrl": upstream.URL + "/api",
	})
	d := allowLoopback(newTestDispatcher(st))

	req := httptest.NewRequest(http.MethodGet, "/e/alice/gh/repos/x?access_key=caller&page=2", nil)
	req.Header.Set("X-Access-Key", "caller")
	rec := serve(d, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"repo":"x"}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))

	got := <-seen
	assert.Equal(t, "/api/repos/x", got.Path)
	assert.Equal(t, "2", got.Query.Get("page"))
	_, leaked := got.Query["access_key"]
	assert.False(t, leaked)
	assert.Empty(t, got.Header.Get("X-Access-Key"))
}

func TestDynamicProxyWithoutAutoAppendSlash(t *testing.T) {
	upstream, seen := recordingUpstream(t, http.StatusOK, "ok")
	st, _ := proxyFixture(t, store.EndpointDynamicProxy, "/gh", map[string]any{
		"baseUrl":         upstream.URL + "/api",
		"autoAppendSlash": false,
	})

	rec := get(allowLoopback(newTestDispatcher(st)), "/e/alice/gh/repos/x")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/repos/x", (<-seen).Path)
}

func TestDynamicProxyMountRootAndTraversal(t *testing.T) {
	upstream, seen := recordingUpstream(t, http.StatusOK, "ok")
	st, _ := proxyFixture(t, store.EndpointDynamicProxy, "/files", map[string]any{
		"baseUrl": upstream.URL + "/public/",
	})
	d := allowLoopback(newTestDispatcher(st))

	rec := get(d, "/e/alice/files")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/public/", (<-seen).Path)

	rec = get(d, "/e/alice/files/../../etc/passwd")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/public/etc/passwd", (<-seen).Path)
}

func TestDynamicProxyPathAllowlist(t *testing.T) {
	upstream, seen := recordingUpstream(t, http.StatusOK, "ok")
	st, _ := proxyFixture(t, store.EndpointDynamicProxy, "/gh", map[string]any{
		"baseUrl":      upstream.URL,
		"allowedPaths": []any{"/repos/*"},
	})
	d := allowLoopback(newTestDispatcher(st))

	rec := get(d, "/e/alice/gh/other")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Path not allowed", decodeError(t, rec).Error)

	rec = get(d, "/e/alice/gh")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = get(d, "/e/alice/gh/repos/foo/bar")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/repos/foo/bar", (<-seen).Path)
}

func TestDynamicProxyRejectsUnsafeBaseURL(t *testing.T) {
	for _, base := range []string{
		"http://127.0.0.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://10.0.0.5/",
		"file:///etc/passwd",
		"",
	} {
		st, _ := proxyFixture(t, store.EndpointDynamicProxy, "/x", map[string]any{"baseUrl": base})
		rec := get(newTestDispatcher(st), "/e/alice/x/y")
		assert.Equal(t, http.StatusForbidden, rec.Code, base)
		assert.Equal(t, "Base URL not allowed", decodeError(t, rec).Error, base)
	}
}

func TestDynamicProxyDialGuard(t *testing.T) {
	upstream, _ := recordingUpstream(t, http.StatusOK, "ok")
	st, _ := proxyFixture(t, store.EndpointDynamicProxy, "/x", map[string]any{"baseUrl": upstream.URL})

	// URL 검사를 통과하더라도 연결 대상이 loopback 이면 dial 단계에서 막힙니다.
	d := newTestDispatcher(st)
	d.isTargetSafe = func(string) bool { return true }

	rec := get(d, "/e/alice/x/y")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Base URL not allowed", decodeError(t, rec).Error)
}

func TestDynamicProxyBodyLimit(t *testing.T) {
	upstream, _ := recordingUpstream(t, http.StatusOK, strings.Repeat("x", 64))
	st, _ := proxyFixture(t, store.EndpointDynamicProxy, "/big", map[string]any{"baseUrl": upstream.URL})

	d := allowLoopback(newTestDispatcher(st, WithMaxBodyBytes(16)))
	rec := get(d, "/e/alice/big/file")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Proxy error", decodeError(t, rec).Error)
}

func TestDynamicProxyTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	st, _ := proxyFixture(t, store.EndpointDynamicProxy, "/slow", map[string]any{
		"baseUrl": upstream.URL,
		"timeout": 50,
	})

	rec := get(allowLoopback(newTestDispatcher(st)), "/e/alice/slow/x")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestBuildTargetURL(t *testing.T) {
	cases := []struct {
		base   string
		append bool
		sub    string
		query  url.Values
		want   string
	}{
		{"https://api.example.com/v1", true, "/users/1", nil, "https://api.example.com/v1/users/1"},
		{"https://api.example.com/v1", false, "/users/1", nil, "https://api.example.com/users/1"},
		{"https://api.example.com/v1/", false, "/users/1", nil, "https://api.example.com/v1/users/1"},
		{"https://api.example.com/v1", true, "", nil, "https://api.example.com/v1/"},
		{"https://api.example.com/", true, "/a b", nil, "https://api.example.com/a%20b"},
		{
			"https://api.example.com/", true, "/search",
			url.Values{"q": {"go"}, "access_key": {"secret"}, "page": {"1", "2"}},
			"https://api.example.com/search?page=2&q=go",
		},
		{
			"https://api.example.com/v1?z=1&a=2&a=3&c=%7E", false, "",
			url.Values{"a": {"9"}, "b": {"x y"}},
			"https://api.example.com/v1?z=1&a=9&c=%7E&b=x+y",
		},
		{
			"https://api.example.com/v1?z=1&a=2", false, "",
			url.Values{"access_key": {"secret"}},
			"https://api.example.com/v1?z=1&a=2",
		},
	}
	for _, tc := range cases {
		got, err := BuildTargetURL(tc.base, tc.append, tc.sub, tc.query)
		require.NoError(t, err, tc.base)
		assert.Equal(t, tc.want, got.String(), "%s + %s", tc.base, tc.sub)
	}
}
