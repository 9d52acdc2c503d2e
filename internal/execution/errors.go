package execution

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind 는 디스패치 실패의 분류입니다. 메트릭 라벨로도 사용됩니다.
type Kind string

const (
	KindUserNotFound                 Kind = "UserNotFound"
	KindUserNotActivated             Kind = "UserNotActivated"
	KindEndpointNotFound             Kind = "EndpointNotFound"
	KindEndpointNotPublished         Kind = "EndpointNotPublished"
	KindEndpointDisabled             Kind = "EndpointDisabled"
	KindAccessKeyRequired            Kind = "AccessKeyRequired"
	KindMisconfiguredPermissions     Kind = "MisconfiguredPermissions"
	KindInvalidOrExpiredKey          Kind = "InvalidOrExpiredKey"
	KindInvalidEndpointConfiguration Kind = "InvalidEndpointConfiguration"
	KindBaseURLNotAllowed            Kind = "BaseUrlNotAllowed"
	KindPathNotAllowed               Kind = "PathNotAllowed"
	KindProxyTimeout                 Kind = "ProxyTimeout"
	KindProxyError                   Kind = "ProxyError"
	KindNotYetSupported              Kind = "NotYetSupported"
	KindUnknownEndpointType          Kind = "UnknownEndpointType"
	KindInternalError                Kind = "InternalError"
)

type kindInfo struct {
	status  int
	message string
}

var kinds = map[Kind]kindInfo{
	KindUserNotFound:                 {http.StatusNotFound, "User not found"},
	KindUserNotActivated:             {http.StatusForbidden, "User not activated"},
	KindEndpointNotFound:             {http.StatusNotFound, "Endpoint not found"},
	KindEndpointNotPublished:         {http.StatusForbidden, "Endpoint not published"},
	KindEndpointDisabled:             {http.StatusServiceUnavailable, "Endpoint disabled"},
	KindAccessKeyRequired:            {http.StatusUnauthorized, "Access key required"},
	KindMisconfiguredPermissions:     {http.StatusInternalServerError, "Invalid permission configuration"},
	KindInvalidOrExpiredKey:          {http.StatusForbidden, "Invalid or expired access key"},
	KindInvalidEndpointConfiguration: {http.StatusInternalServerError, "Invalid endpoint configuration"},
	KindBaseURLNotAllowed:            {http.StatusForbidden, "Base URL not allowed"},
	KindPathNotAllowed:               {http.StatusForbidden, "Path not allowed"},
	KindProxyTimeout:                 {http.StatusGatewayTimeout, "Proxy timeout"},
	KindProxyError:                   {http.StatusBadGateway, "Proxy error"},
	KindNotYetSupported:              {http.StatusNotImplemented, "Script endpoints not yet supported"},
	KindUnknownEndpointType:          {http.StatusInternalServerError, "Unknown endpoint type"},
	KindInternalError:                {http.StatusInternalServerError, "Internal server error"},
}

// Error 는 요청을 종료시키는 디스패치 실패입니다. (ko)
// Error is a terminal dispatch failure rendered as {"error", "details"} JSON. (en)
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// newError 는 kind 의 기본 상태 코드와 메시지로 Error 를 만듭니다.
func newError(kind Kind) *Error {
	info, ok := kinds[kind]
	if !ok {
		info = kinds[KindInternalError]
	}
	return &Error{Kind: kind, Status: info.status, Message: info.message}
}

func (e *Error) withMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) withDetails(details string) *Error {
	e.Details = details
	return e
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, e *Error) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	return json.NewEncoder(w).Encode(errorBody{Error: e.Message, Details: e.Details})
}
