package proxy

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// NewHTTPServer 는 H1/H2 를 지원하는 기본 HTTP 서버를 생성합니다.
// TLS 는 앞단(로드밸런서 등)에서 종료한다고 가정하고, 평문 HTTP/2(h2c)도 받습니다.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	h2s := &http2.Server{}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, h2s),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	_ = http2.ConfigureServer(srv, h2s)
	return srv
}
