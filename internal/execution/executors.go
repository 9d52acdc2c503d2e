package execution

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/observability"
	"github.com/dalbodeule/hop-endpoints/internal/proxy"
	"github.com/dalbodeule/hop-endpoints/internal/security"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

// ValidateEndpointConfig 는 타입별로 config 가 디코딩 가능한지, dynamicProxy 라면
// baseUrl / allowedPaths 가 안전한지 확인합니다. 프로비저닝 단계에서 사용합니다.
func ValidateEndpointConfig(t store.EndpointType, raw string) error {
	switch t {
	case store.EndpointStatic:
		cfg := defaultStaticConfig()
		return DecodeConfig(raw, &cfg)
	case store.EndpointProxy:
		cfg := defaultProxyConfig()
		return DecodeConfig(raw, &cfg)
	case store.EndpointDynamicProxy:
		cfg := defaultDynamicProxyConfig()
		if err := DecodeConfig(raw, &cfg); err != nil {
			return err
		}
		return security.ValidateDynamicProxyConfig(security.DynamicProxyConfig{
			BaseURL:      cfg.BaseURL,
			AllowedPaths: cfg.AllowedPaths,
		})
	case store.EndpointScript:
		return nil
	default:
		return fmt.Errorf("unknown endpoint type %q", t)
	}
}

func (d *Dispatcher) invalidConfig(ep *store.Endpoint, err error) *Error {
	d.logger.Warn("invalid endpoint configuration", logging.Fields{
		"endpoint_id": ep.ID,
		"type":        string(ep.Type),
		"error":       err.Error(),
	})
	return newError(KindInvalidEndpointConfiguration)
}

// serveStatic 은 설정된 content 를 그대로 응답합니다.
// Content-Type 에 charset 이 없으면 "; charset=utf-8" 을 붙입니다.
func (d *Dispatcher) serveStatic(w http.ResponseWriter, ep *store.Endpoint) *Error {
	cfg := defaultStaticConfig()
	if err := DecodeConfig(ep.Config, &cfg); err != nil {
		return d.invalidConfig(ep, err)
	}

	for k, v := range cfg.Headers {
		w.Header().Set(k, v)
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = defaultStaticContentType
	}
	if !strings.Contains(strings.ToLower(contentType), "charset") {
		contentType += "; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(cfg.Content)); err != nil {
		d.logger.Debug("failed to write static body", logging.Fields{"error": err.Error()})
	}
	return nil
}

// serveProxy 는 고정 targetUrl 로 요청을 전달하고 응답을 스트리밍합니다.
func (d *Dispatcher) serveProxy(w http.ResponseWriter, r *http.Request, ep *store.Endpoint) *Error {
	cfg := defaultProxyConfig()
	if err := DecodeConfig(ep.Config, &cfg); err != nil {
		return d.invalidConfig(ep, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProxyTimeoutMS
	}

	resp, err := d.proxy.Do(r.Context(), r, cfg.TargetURL, proxy.Options{
		Headers:       cfg.Headers,
		RemoveHeaders: cfg.RemoveHeaders,
		Timeout:       millis(cfg.Timeout),
	})
	if err != nil {
		return d.upstreamError(ep, err)
	}
	observability.UpstreamRequestsTotal.WithLabelValues(string(ep.Type), "success").Inc()

	if err := proxy.Stream(w, resp); err != nil {
		// 헤더는 이미 나갔으므로 상태 코드는 바꿀 수 없습니다.
		d.logger.Warn("proxy stream interrupted", logging.Fields{
			"endpoint_id": ep.ID,
			"error":       err.Error(),
		})
	}
	return nil
}

// serveDynamicProxy 는 mount 이후의 sub-path 를 baseUrl 아래로 매핑해 전달하고,
// upstream 응답을 버퍼링해서 돌려줍니다.
func (d *Dispatcher) serveDynamicProxy(w http.ResponseWriter, r *http.Request, ep *store.Endpoint, path string) *Error {
	cfg := defaultDynamicProxyConfig()
	if err := DecodeConfig(ep.Config, &cfg); err != nil {
		return d.invalidConfig(ep, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDynamicProxyTimeout
	}

	if !d.isTargetSafe(cfg.BaseURL) {
		return newError(KindBaseURLNotAllowed)
	}

	subPath := security.SanitizePath(strings.TrimPrefix(path, ep.Path))
	checkPath := subPath
	if checkPath == "" {
		checkPath = "/"
	}
	if !security.IsPathAllowed(checkPath, cfg.AllowedPaths) {
		return newError(KindPathNotAllowed)
	}

	target, err := BuildTargetURL(cfg.BaseURL, cfg.AutoAppendSlash, subPath, r.URL.Query())
	if err != nil {
		return d.invalidConfig(ep, err)
	}

	resp, err := d.dynamic.Do(r.Context(), r, target.String(), proxy.Options{
		Headers:       cfg.Headers,
		RemoveHeaders: cfg.RemoveHeaders,
		Timeout:       millis(cfg.Timeout),
	})
	if err != nil {
		return d.upstreamError(ep, err)
	}

	body, err := proxy.ReadBody(resp, d.maxBodyBytes)
	if err != nil {
		return d.upstreamError(ep, err)
	}
	observability.UpstreamRequestsTotal.WithLabelValues(string(ep.Type), "success").Inc()

	if err := proxy.WriteBuffered(w, resp, body); err != nil {
		d.logger.Debug("failed to write dynamic proxy body", logging.Fields{"error": err.Error()})
	}
	return nil
}

// upstreamError 는 forwarder 에러를 ProxyTimeout / BaseUrlNotAllowed / ProxyError 로 분류합니다.
func (d *Dispatcher) upstreamError(ep *store.Endpoint, err error) *Error {
	switch {
	case errors.Is(err, proxy.ErrTimeout):
		observability.UpstreamRequestsTotal.WithLabelValues(string(ep.Type), "timeout").Inc()
		return newError(KindProxyTimeout)
	case errors.Is(err, security.ErrBlockedAddress):
		// DNS 해석 결과가 내부망 주소인 경우
		observability.UpstreamRequestsTotal.WithLabelValues(string(ep.Type), "blocked").Inc()
		return newError(KindBaseURLNotAllowed)
	default:
		observability.UpstreamRequestsTotal.WithLabelValues(string(ep.Type), "error").Inc()
		return newError(KindProxyError).withDetails(err.Error())
	}
}

// BuildTargetURL 은 dynamicProxy 의 upstream URL 을 만듭니다.
//   - autoAppendSlash 이고 baseURL 이 "/" 로 끝나지 않으면 "/" 를 붙입니다.
//   - subPath 의 선행 "/" 하나를 제거한 뒤 base 기준 상대 URL 로 해석합니다.
//   - inbound 쿼리는 access_key 를 제외하고 모두 덮어씁니다. (같은 키는 마지막 값)
func BuildTargetURL(baseURL string, autoAppendSlash bool, subPath string, query url.Values) (*url.URL, error) {
	if autoAppendSlash && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	target := base.ResolveReference(&url.URL{Path: strings.TrimPrefix(subPath, "/")})

	target.RawQuery = setQueryParams(target.RawQuery, query)
	return target, nil
}

// setQueryParams 는 query 의 각 키를 rawQuery 에 설정합니다. (access_key 제외, 마지막 값 사용)
// 이미 있는 키는 첫 위치의 값을 바꾸고 나머지 중복은 지우며, 새 키는 이름순으로 뒤에 붙입니다.
// 기존 쿼리의 순서와 인코딩은 그대로 유지됩니다.
func setQueryParams(rawQuery string, query url.Values) string {
	keys := make([]string, 0, len(query))
	for k, vs := range query {
		if k == "access_key" || len(vs) == 0 {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return rawQuery
	}
	sort.Strings(keys)

	var segments []string
	if rawQuery != "" {
		segments = strings.Split(rawQuery, "&")
	}
	for _, k := range keys {
		vs := query[k]
		pair := url.QueryEscape(k) + "=" + url.QueryEscape(vs[len(vs)-1])

		replaced := false
		kept := segments[:0]
		for _, seg := range segments {
			if queryKey(seg) != k {
				kept = append(kept, seg)
				continue
			}
			if !replaced {
				kept = append(kept, pair)
				replaced = true
			}
		}
		segments = kept
		if !replaced {
			segments = append(segments, pair)
		}
	}
	return strings.Join(segments, "&")
}

func queryKey(segment string) string {
	key, _, _ := strings.Cut(segment, "=")
	if unescaped, err := url.QueryUnescape(key); err == nil {
		return unescaped
	}
	return key
}
