package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 전역 레지스트리에 등록할 hop-endpoints 메트릭들을 정의합니다.
// Prometheus 기본 네임스페이스를 사용하며, 메트릭 이름에 hop_ 접두어를 붙입니다.

var (
	// /e/{username}/... 로 들어온 요청 수 (엔드포인트 타입/상태 코드 라벨 포함).
	// 엔드포인트가 결정되기 전에 실패한 요청은 type="none" 입니다.
	EndpointRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hop_endpoint_requests_total",
			Help: "Total number of endpoint execution requests, labeled by endpoint type and status code.",
		},
		[]string{"type", "status"},
	)

	// 요청 처리 시간 분포 (엔드포인트 타입 라벨 포함).
	EndpointRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hop_endpoint_request_duration_seconds",
			Help:    "Histogram of endpoint execution latencies in seconds, labeled by endpoint type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// 디스패치 실패 카운터 (에러 종류 라벨 포함).
	DispatchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hop_dispatch_errors_total",
			Help: "Total number of dispatch failures, labeled by error kind.",
		},
		[]string{"kind"}, // e.g. EndpointNotFound, ProxyTimeout
	)

	// upstream 호출 결과 카운터.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hop_upstream_requests_total",
			Help: "Total number of upstream proxy calls, labeled by endpoint type and result.",
		},
		[]string{"type", "result"}, // success, timeout, error
	)

	// access key 인증 결과 카운터.
	AccessKeyAuthTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hop_access_key_auth_total",
			Help: "Total number of access key checks on authenticated endpoints, labeled by result.",
		},
		[]string{"result"}, // granted, missing, denied
	)

	// published endpoint 캐시 조회 결과.
	EndpointCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hop_endpoint_cache_lookups_total",
			Help: "Total number of published endpoint cache lookups, labeled by result.",
		},
		[]string{"result"}, // hit, miss, error
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 주어진 레지스트리에 등록합니다.
// reg 가 nil 이면 전역 Prometheus 레지스트리를 사용합니다.
// 서버 시작 시 한 번만 호출해야 합니다.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		EndpointRequestsTotal,
		EndpointRequestDurationSeconds,
		DispatchErrorsTotal,
		UpstreamRequestsTotal,
		AccessKeyAuthTotal,
		EndpointCacheLookupsTotal,
	)
}
