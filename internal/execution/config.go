package execution

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mitchellh/mapstructure"
)

// 엔드포인트 config 는 작성자가 자유롭게 저장한 JSON 문자열입니다.
// 숫자/문자열이 섞여 들어와도 받아들일 수 있도록 WeaklyTypedInput 으로 디코딩합니다.

type staticConfig struct {
	Content     string            `json:"content"`
	ContentType string            `json:"contentType"`
	Headers     map[string]string `json:"headers"`
}

type proxyConfig struct {
	TargetURL     string            `json:"targetUrl"`
	Headers       map[string]string `json:"headers"`
	RemoveHeaders []string          `json:"removeHeaders"`
	Timeout       int64             `json:"timeout"` // ms
}

type dynamicProxyConfig struct {
	BaseURL         string            `json:"baseUrl"`
	AutoAppendSlash bool              `json:"autoAppendSlash"`
	Headers         map[string]string `json:"headers"`
	RemoveHeaders   []string          `json:"removeHeaders"`
	Timeout         int64             `json:"timeout"` // ms
	AllowedPaths    []string          `json:"allowedPaths"`
}

const (
	defaultStaticContentType   = "text/plain"
	defaultProxyTimeoutMS      = 10000
	defaultDynamicProxyTimeout = 15000
)

var errConfigNotObject = errors.New("endpoint config must be a JSON object")

func defaultStaticConfig() staticConfig {
	return staticConfig{ContentType: defaultStaticContentType}
}

func defaultProxyConfig() proxyConfig {
	return proxyConfig{Timeout: defaultProxyTimeoutMS}
}

func defaultDynamicProxyConfig() dynamicProxyConfig {
	return dynamicProxyConfig{AutoAppendSlash: true, Timeout: defaultDynamicProxyTimeout}
}

// DecodeConfig 는 config JSON 을 out 에 디코딩합니다. out 에 미리 채운 값은
// JSON 에 해당 키가 없을 때의 기본값으로 남습니다.
func DecodeConfig(raw string, out any) error {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	if m == nil {
		return errConfigNotObject
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
