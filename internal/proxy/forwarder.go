package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/security"
)

// ErrTimeout 는 upstream 이 제한 시간 안에 응답 헤더를 돌려주지 않은 경우입니다. (ko)
// ErrTimeout reports that the upstream did not answer with headers in time. (en)
var ErrTimeout = errors.New("upstream timeout")

// ErrBodyTooLarge 는 버퍼링 모드에서 upstream 응답 본문이 상한을 넘은 경우입니다.
var ErrBodyTooLarge = errors.New("upstream response body too large")

// hopHeaders 는 프록시가 전달하지 않는 hop-by-hop 헤더 목록입니다. (RFC 7230 6.1)
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options 는 엔드포인트 설정에서 온 요청별 프록시 옵션입니다.
type Options struct {
	Headers       map[string]string // upstream 으로 보낼 때 덮어쓸 헤더
	RemoveHeaders []string          // upstream 으로 보내지 않을 헤더 (대소문자 무시)
	Timeout       time.Duration     // 응답 헤더까지의 제한 시간, 0 이면 제한 없음
}

// Forwarder 는 엔드포인트로 들어온 요청을 upstream HTTP 서비스로 전달합니다. (ko)
// Forwarder forwards endpoint requests to upstream HTTP services. (en)
type Forwarder struct {
	HTTPClient *http.Client
	Logger     logging.Logger
}

// NewForwarder 는 기본 HTTP 클라이언트로 Forwarder 를 생성합니다.
// guarded 가 true 이면 DNS 해석 후 내부망 주소로의 연결을 dial 단계에서 거부하고,
// 환경변수 프록시 설정도 사용하지 않습니다. (dynamicProxy 전용)
func NewForwarder(logger logging.Logger, guarded bool) *Forwarder {
	if logger == nil {
		logger = logging.NewStdJSONLogger("forwarder")
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// upstream 응답 바이트를 그대로 돌려주기 위해 자동 gzip 처리를 끕니다.
		DisableCompression: true,
	}
	if guarded {
		dialer.Control = security.DialControl
		transport.Proxy = nil
	}

	return &Forwarder{
		HTTPClient: &http.Client{
			Transport: transport,
			// 3xx 는 따라가지 않고 그대로 호출자에게 돌려줍니다.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Logger: logger.With(logging.Fields{"component": "forwarder", "guarded": guarded}),
	}
}

// BuildHeaders 는 inbound 헤더에 설정 헤더를 덮어쓴 뒤, removeHeaders 와
// Host / X-Access-Key / hop-by-hop 헤더를 제거한 upstream 용 헤더를 만듭니다.
// 호출자의 access key 와 원래 Host 는 절대 upstream 으로 전달되지 않습니다.
func BuildHeaders(in http.Header, overrides map[string]string, remove []string) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for k, v := range overrides {
		out.Set(k, v)
	}
	for _, h := range remove {
		out.Del(strings.TrimSpace(h))
	}
	out.Del("Host")
	out.Del("X-Access-Key")
	for _, h := range hopHeaders {
		out.Del(h)
	}
	return out
}

// Do 는 inbound 요청을 target URL 로 전달하고 upstream 응답을 반환합니다.
//   - 메서드는 그대로 사용하고, GET/HEAD 가 아니면 본문도 전달합니다.
//   - opts.Timeout 은 응답 헤더를 받을 때까지만 적용되고, 이후 본문 스트리밍은 제한하지 않습니다.
//   - 제한 시간 초과 시 ErrTimeout 을 감싼 에러를 반환합니다.
//
// 호출자는 반환된 resp.Body 를 반드시 닫아야 합니다.
func (f *Forwarder) Do(ctx context.Context, in *http.Request, target string, opts Options) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	var body io.Reader
	if in.Method != http.MethodGet && in.Method != http.MethodHead && in.Body != nil {
		body = in.Body
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create http request: %w", err)
	}
	if body != nil {
		req.ContentLength = in.ContentLength
	}
	req.Header = BuildHeaders(in.Header, opts.Headers, opts.RemoveHeaders)

	var timedOut atomic.Bool
	timer := time.AfterFunc(maxDuration(opts.Timeout), func() {
		timedOut.Store(true)
		cancel()
	})

	start := time.Now()
	resp, err := f.HTTPClient.Do(req)
	stopped := timer.Stop()
	if err != nil {
		cancel()
		if timedOut.Load() || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
		}
		return nil, err
	}
	if !stopped {
		// 헤더 수신과 타이머 만료가 겹친 경우: 타임아웃으로 취급합니다.
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
	}

	f.Logger.Debug("upstream responded", logging.Fields{
		"method":     in.Method,
		"status":     resp.StatusCode,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// maxDuration 은 0 이하의 timeout 을 "제한 없음"으로 바꿉니다.
func maxDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return d
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// copyResponseHeader 는 upstream 응답 헤더를 hop-by-hop 헤더만 빼고 복사합니다.
func copyResponseHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// Stream 은 upstream 상태 코드/헤더를 쓰고 본문을 그대로 스트리밍합니다.
// 헤더를 쓴 뒤의 복사 실패는 상태 코드를 바꿀 수 없으므로 에러로만 반환합니다.
func Stream(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	copyResponseHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("stream upstream body: %w", err)
	}
	return nil
}

// ReadBody 는 upstream 본문을 최대 limit 바이트까지 읽어 버퍼로 반환합니다.
// limit 을 넘으면 ErrBodyTooLarge 를 반환합니다. limit <= 0 이면 제한이 없습니다.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()

	r := io.Reader(resp.Body)
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if limit > 0 && int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

// WriteBuffered 는 미리 읽어 둔 본문과 upstream 상태 코드/헤더를 응답으로 씁니다.
func WriteBuffered(w http.ResponseWriter, resp *http.Response, body []byte) error {
	copyResponseHeader(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write buffered body: %w", err)
	}
	return nil
}
