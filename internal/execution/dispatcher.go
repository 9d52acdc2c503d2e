// Package execution 은 /e/{username}/... 요청을 사용자 엔드포인트로 디스패치합니다.
//
// 처리 순서는 고정되어 있습니다:
//
//	사용자 조회 → 엔드포인트 매칭 → published/enabled 확인 → access key 검증 → 타입별 실행
//
// 앞 단계가 실패하면 뒤 단계는 실행하지 않습니다.
package execution

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/observability"
	"github.com/dalbodeule/hop-endpoints/internal/proxy"
	"github.com/dalbodeule/hop-endpoints/internal/security"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

// MountPrefix 는 엔드포인트 실행 경로의 접두어입니다.
const MountPrefix = "/e/"

// Store 는 디스패처가 필요로 하는 저장소 협력자입니다.
type Store interface {
	// FindUserByUsername 은 대소문자를 구분해 사용자를 찾습니다. 없으면 store.ErrNotFound.
	FindUserByUsername(ctx context.Context, username string) (*store.User, error)

	// ListPublishedEndpoints 는 owner 의 published 엔드포인트 목록을 반환합니다.
	ListPublishedEndpoints(ctx context.Context, ownerID string) ([]store.Endpoint, error)

	// ListActiveAccessKeys 는 활성 키를 반환합니다. groupIDs 는 조회 범위 힌트이며
	// 그룹/활성/만료 검사는 디스패처가 다시 수행합니다.
	ListActiveAccessKeys(ctx context.Context, groupIDs []string) ([]store.AccessKey, error)

	// IncrementAccessKeyUsage 는 lastUsedAt 과 usageCount 를 원자적으로 갱신합니다.
	IncrementAccessKeyUsage(ctx context.Context, keyID string, now time.Time) error
}

// EndpointLister 는 published 엔드포인트 목록의 대체 출처(캐시 등)입니다.
type EndpointLister interface {
	ListPublishedEndpoints(ctx context.Context, ownerID string) ([]store.Endpoint, error)
}

// Dispatcher 는 엔드포인트 실행 HTTP 핸들러입니다. (ko)
// Dispatcher is the HTTP handler serving /e/{username}/{path...}. (en)
type Dispatcher struct {
	store     Store
	endpoints EndpointLister
	logger    logging.Logger

	proxy        *proxy.Forwarder // proxy 타입: 소유자가 지정한 고정 target
	dynamic      *proxy.Forwarder // dynamicProxy 타입: dial 단계 내부망 차단
	maxBodyBytes int64

	now          func() time.Time
	isTargetSafe func(string) bool
}

// Option 은 Dispatcher 생성 옵션입니다.
type Option func(*Dispatcher)

// WithEndpointLister 는 엔드포인트 목록 조회를 store 대신 lister 로 수행하게 합니다.
func WithEndpointLister(l EndpointLister) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.endpoints = l
		}
	}
}

// WithMaxBodyBytes 는 dynamicProxy 응답 버퍼 상한을 설정합니다. 0 이하면 제한이 없습니다.
func WithMaxBodyBytes(n int64) Option {
	return func(d *Dispatcher) { d.maxBodyBytes = n }
}

// NewDispatcher 는 Dispatcher 를 생성합니다.
func NewDispatcher(logger logging.Logger, st Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        st,
		endpoints:    st,
		logger:       logger.With(logging.Fields{"component": "dispatcher"}),
		proxy:        proxy.NewForwarder(logger, false),
		dynamic:      proxy.NewForwarder(logger, true),
		maxBodyBytes: 10 << 20,
		now:          time.Now,
		isTargetSafe: security.IsTargetURLSafe,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterRoutes 는 /e/ 아래 모든 메서드를 디스패처로 보냅니다.
// 라우터는 SkipClean(true) 로 만들어야 sub-path 가 그대로 전달됩니다.
func (d *Dispatcher) RegisterRoutes(r *mux.Router) {
	r.PathPrefix(MountPrefix).Handler(d)
}

// ServeHTTP 는 요청 하나를 처리하고 메트릭을 기록합니다.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	epType, derr := d.dispatch(rec, r)
	if derr != nil {
		observability.DispatchErrorsTotal.WithLabelValues(string(derr.Kind)).Inc()
		if err := writeError(rec, derr); err != nil {
			d.logger.Warn("failed to write error response", logging.Fields{"error": err.Error()})
		}
		fields := logging.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"kind":   string(derr.Kind),
			"status": derr.Status,
		}
		if derr.Details != "" {
			fields["details"] = derr.Details
		}
		if derr.Status >= http.StatusInternalServerError {
			d.logger.Warn("endpoint dispatch failed", fields)
		} else {
			d.logger.Debug("endpoint dispatch rejected", fields)
		}
	}

	elapsed := time.Since(start)
	observability.EndpointRequestsTotal.WithLabelValues(epType, strconv.Itoa(rec.status)).Inc()
	observability.EndpointRequestDurationSeconds.WithLabelValues(epType).Observe(elapsed.Seconds())
}

// dispatch 는 처리한 엔드포인트 타입("none" = 매칭 전 실패)과 실패 시 Error 를 반환합니다.
// 성공한 경우 응답은 이미 w 에 쓰여 있습니다.
func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request) (string, *Error) {
	ctx := r.Context()
	username, path := ResolvePath(r.URL.Path)

	// 1. 사용자
	if username == "" {
		return "none", newError(KindUserNotFound)
	}
	user, err := d.store.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "none", newError(KindUserNotFound)
		}
		return "none", d.internal("find user", err)
	}
	if !user.IsActivated {
		return "none", newError(KindUserNotActivated)
	}

	// 2. 엔드포인트 매칭
	eps, err := d.endpoints.ListPublishedEndpoints(ctx, user.ID)
	if err != nil {
		return "none", d.internal("list endpoints", err)
	}
	ep := MatchEndpoint(eps, path)
	if ep == nil {
		return "none", newError(KindEndpointNotFound)
	}
	epType := string(ep.Type)
	if !ep.Type.Valid() {
		epType = "unknown"
	}

	// 3. 게이트
	if !ep.IsPublished {
		return epType, newError(KindEndpointNotPublished)
	}
	if !ep.Enabled {
		return epType, newError(KindEndpointDisabled)
	}

	// 4. 접근 제어
	if ep.AccessControl == store.AccessAuthenticated {
		if derr := d.authorize(ctx, r, ep); derr != nil {
			return epType, derr
		}
	}

	// 5. 실행
	switch ep.Type {
	case store.EndpointStatic:
		return epType, d.serveStatic(w, ep)
	case store.EndpointProxy:
		return epType, d.serveProxy(w, r, ep)
	case store.EndpointDynamicProxy:
		return epType, d.serveDynamicProxy(w, r, ep, path)
	case store.EndpointScript:
		return epType, newError(KindNotYetSupported)
	default:
		return epType, newError(KindUnknownEndpointType)
	}
}

func (d *Dispatcher) internal(op string, err error) *Error {
	d.logger.Error("store call failed", logging.Fields{
		"op":    op,
		"error": err.Error(),
	})
	return newError(KindInternalError)
}

// ResolvePath 는 /e/{username}{rest} 에서 username 과 엔드포인트 경로를 분리합니다.
// 경로는 항상 "/" 로 시작하며, 비어 있으면 "/" 입니다.
func ResolvePath(urlPath string) (username, path string) {
	rest, ok := strings.CutPrefix(urlPath, MountPrefix)
	if !ok {
		return "", "/"
	}
	username, sub, _ := strings.Cut(rest, "/")
	return username, "/" + sub
}

// MatchEndpoint 는 path 에 해당하는 엔드포인트를 고릅니다.
//   - dynamicProxy 가 아닌 타입은 정확히 일치해야 하며, 일치하면 그 엔드포인트가 선택됩니다.
//   - dynamicProxy 는 path == mount 또는 path 가 mount+"/" 로 시작하면 후보가 되고,
//     가장 긴 mount 가 선택됩니다.
//   - 정확 일치는 목록 순서와 관계없이 prefix 일치보다 우선합니다.
func MatchEndpoint(eps []store.Endpoint, path string) *store.Endpoint {
	var prefixMatch *store.Endpoint
	for i := range eps {
		ep := &eps[i]
		if ep.Type != store.EndpointDynamicProxy {
			if path == ep.Path {
				return ep
			}
			continue
		}
		if path == ep.Path || strings.HasPrefix(path, ep.Path+"/") {
			if prefixMatch == nil || len(ep.Path) > len(prefixMatch.Path) {
				prefixMatch = ep
			}
		}
	}
	return prefixMatch
}

// accessKeyFromRequest 는 X-Access-Key 헤더, 없으면 access_key 쿼리에서 키를 읽습니다.
func accessKeyFromRequest(r *http.Request) string {
	if k := r.Header.Get("X-Access-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("access_key")
}

// ParsePermissionGroups 는 requiredPermissionGroups JSON 배열을 해석합니다.
func ParsePermissionGroups(raw *string) ([]string, *Error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, newError(KindMisconfiguredPermissions).withMessage("No permission groups configured")
	}
	var groups []string
	if err := json.Unmarshal([]byte(*raw), &groups); err != nil {
		return nil, newError(KindMisconfiguredPermissions)
	}
	if len(groups) == 0 {
		return nil, newError(KindMisconfiguredPermissions).withMessage("No permission groups configured")
	}
	return groups, nil
}

// authorize 는 authenticated 엔드포인트의 access key 를 검증하고 사용량을 기록합니다.
func (d *Dispatcher) authorize(ctx context.Context, r *http.Request, ep *store.Endpoint) *Error {
	supplied := accessKeyFromRequest(r)
	if supplied == "" {
		observability.AccessKeyAuthTotal.WithLabelValues("missing").Inc()
		return newError(KindAccessKeyRequired)
	}

	groups, derr := ParsePermissionGroups(ep.RequiredPermissionGroups)
	if derr != nil {
		return derr
	}

	keys, err := d.store.ListActiveAccessKeys(ctx, groups)
	if err != nil {
		return d.internal("list access keys", err)
	}

	now := d.now()
	var matched *store.AccessKey
	for i := range keys {
		k := &keys[i]
		if !k.IsActive || !slices.Contains(groups, k.PermissionGroupID) || k.Expired(now) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(k.KeyValue)) == 1 {
			matched = k
			break
		}
	}
	if matched == nil {
		observability.AccessKeyAuthTotal.WithLabelValues("denied").Inc()
		return newError(KindInvalidOrExpiredKey)
	}
	observability.AccessKeyAuthTotal.WithLabelValues("granted").Inc()

	// 사용량 기록은 best-effort: 실패해도 요청은 계속 진행합니다.
	if err := d.store.IncrementAccessKeyUsage(ctx, matched.ID, now); err != nil {
		d.logger.Warn("failed to record access key usage", logging.Fields{
			"access_key_id": matched.ID,
			"error":         err.Error(),
		})
	}
	return nil
}

// statusRecorder 는 메트릭용으로 최종 상태 코드를 기록합니다.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
