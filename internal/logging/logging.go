package logging

import (
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level 은 로그의 심각도 레벨을 나타냅니다.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Fields 는 구조적 로그의 key/value 필드를 표현합니다.
// Loki/Promtail 에서 라벨/필드로 활용할 수 있습니다.
type Fields map[string]any

// Logger 는 Loki/Grafana 스택에 적합한 구조적 로그 인터페이스입니다.
//
// - 모든 구현체는 단일 라인 JSON 을 stdout 으로 출력하는 것을 목표로 합니다.
// - 실제 인코딩은 zap 의 JSON encoder 가 담당합니다.
type Logger interface {
	// Debug 는 디버그 레벨 로그를 기록합니다.
	Debug(msg string, fields Fields)

	// Info 는 정보 레벨 로그를 기록합니다.
	Info(msg string, fields Fields)

	// Warn 는 경고 레벨 로그를 기록합니다.
	Warn(msg string, fields Fields)

	// Error 는 에러 레벨 로그를 기록합니다.
	Error(msg string, fields Fields)

	// With 는 추가 필드를 항상 포함하는 child logger 를 생성합니다.
	// 같은 키가 이미 있으면 새 값으로 덮어씁니다.
	With(fields Fields) Logger
}

// zapLogger 는 zap.Logger 를 감싼 구현체입니다.
// 공통 필드는 zap 에 바로 붙이지 않고 map 으로 들고 있다가 기록 시점에 병합합니다.
// (zap.With 는 중복 키를 허용하므로 "component" 덮어쓰기가 동작하지 않습니다.)
type zapLogger struct {
	l      *zap.Logger
	fields Fields
}

func (z *zapLogger) log(level Level, msg string, fields Fields) {
	merged := make(Fields, len(z.fields)+len(fields))
	// 공통 필드 병합
	for k, v := range z.fields {
		merged[k] = v
	}
	// 호출 시 전달된 필드 병합(우선순위 높음)
	for k, v := range fields {
		merged[k] = v
	}
	zfs := toZapFields(merged)

	switch level {
	case DebugLevel:
		z.l.Debug(msg, zfs...)
	case WarnLevel:
		z.l.Warn(msg, zfs...)
	case ErrorLevel:
		z.l.Error(msg, zfs...)
	default:
		z.l.Info(msg, zfs...)
	}
}

func (z *zapLogger) Debug(msg string, fields Fields) { z.log(DebugLevel, msg, fields) }
func (z *zapLogger) Info(msg string, fields Fields)  { z.log(InfoLevel, msg, fields) }
func (z *zapLogger) Warn(msg string, fields Fields)  { z.log(WarnLevel, msg, fields) }
func (z *zapLogger) Error(msg string, fields Fields) { z.log(ErrorLevel, msg, fields) }

func (z *zapLogger) With(fields Fields) Logger {
	merged := Fields{}
	for k, v := range z.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &zapLogger{
		l:      z.l,
		fields: merged,
	}
}

// toZapFields 는 Fields 를 키 순서대로 정렬된 zap.Field 슬라이스로 변환합니다.
func toZapFields(fields Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// ParseLevel 은 "debug", "info", "warn", "error" 문자열을 zap 레벨로 변환합니다.
// 알 수 없는 값은 info 로 취급합니다.
func ParseLevel(s string) zapcore.Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel, "warning":
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newWithCore(core zapcore.Core, fields Fields) Logger {
	return &zapLogger{
		l:      zap.New(core),
		fields: fields,
	}
}

// NewJSONLogger 는 stdout 으로 단일 라인 JSON 로그를 출력하는 Logger 를 생성합니다.
// Promtail 이 stdout 을 Loki 로 수집하는 전형적인 구성에 적합합니다.
//
// component, endpoint_type, request_id 같은 필드를 With 로 미리 설정해 두면
// Grafana 에서 필터링/그룹핑에 활용할 수 있습니다.
func NewJSONLogger(component, level string) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.LevelKey = "level"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		ParseLevel(level),
	)
	return newWithCore(core, Fields{"component": component})
}

// NewStdJSONLogger 는 info 레벨의 기본 JSON Logger 를 생성합니다.
// 설정을 읽기 전(부트스트랩 단계)에 주로 사용합니다.
func NewStdJSONLogger(component string) Logger {
	return NewJSONLogger(component, string(InfoLevel))
}

// NewNop 은 아무것도 기록하지 않는 Logger 를 반환합니다. 테스트용입니다.
func NewNop() Logger {
	return &zapLogger{l: zap.NewNop(), fields: Fields{}}
}
