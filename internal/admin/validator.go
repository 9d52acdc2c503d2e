package admin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dalbodeule/hop-endpoints/internal/execution"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

// EndpointInput 은 PUT /users/{username}/endpoints 요청 본문입니다.
// config 는 JSON 객체 또는 JSON 문자열(이미 직렬화된 config) 모두 받습니다.
type EndpointInput struct {
	Path                     string          `json:"path"`
	Name                     string          `json:"name"`
	Type                     string          `json:"type"`
	Config                   json.RawMessage `json:"config"`
	AccessControl            string          `json:"accessControl"`
	RequiredPermissionGroups []string        `json:"requiredPermissionGroups"`
	Enabled                  *bool           `json:"enabled"`
	IsPublished              bool            `json:"isPublished"`
}

// validateUsername 은 /e/{username} 세그먼트로 쓸 수 있는 이름인지 확인합니다.
func validateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if strings.ContainsAny(name, "/ \t\r\n?#%") {
		return fmt.Errorf("%w: username contains invalid characters", ErrInvalidInput)
	}
	return nil
}

// normalizeEndpointPath 는 경로 앞에 "/" 를 보장하고 허용 문자([A-Za-z0-9-_/.])만 있는지 검사합니다.
// 빈 경로는 "/" 입니다.
func normalizeEndpointPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/", nil
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, c := range p {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '/' || c == '.':
		default:
			return "", fmt.Errorf("%w: path may only contain letters, digits, '-', '_', '/' and '.'", ErrInvalidInput)
		}
	}
	return p, nil
}

// configString 은 RawMessage 를 저장할 config 문자열로 바꿉니다.
func configString(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "{}", nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return trimmed, nil
}

// toEndpoint 는 입력을 검증하고 저장할 store.Endpoint 를 만듭니다.
func (in EndpointInput) toEndpoint(ownerID string) (store.Endpoint, error) {
	path, err := normalizeEndpointPath(in.Path)
	if err != nil {
		return store.Endpoint{}, err
	}

	typ := store.EndpointType(strings.TrimSpace(in.Type))
	if !typ.Valid() {
		return store.Endpoint{}, fmt.Errorf("%w: unknown endpoint type %q", ErrInvalidInput, in.Type)
	}

	access := store.AccessControl(strings.TrimSpace(in.AccessControl))
	if access == "" {
		access = store.AccessPublic
	}
	if !access.Valid() {
		return store.Endpoint{}, fmt.Errorf("%w: unknown access control %q", ErrInvalidInput, in.AccessControl)
	}

	cfg, err := configString(in.Config)
	if err != nil {
		return store.Endpoint{}, fmt.Errorf("%w: config: %v", ErrInvalidInput, err)
	}
	if err := execution.ValidateEndpointConfig(typ, cfg); err != nil {
		return store.Endpoint{}, fmt.Errorf("%w: config: %v", ErrInvalidInput, err)
	}

	var required *string
	if access == store.AccessAuthenticated {
		if len(in.RequiredPermissionGroups) == 0 {
			return store.Endpoint{}, fmt.Errorf("%w: authenticated endpoints need at least one permission group", ErrInvalidInput)
		}
		b, err := json.Marshal(in.RequiredPermissionGroups)
		if err != nil {
			return store.Endpoint{}, err
		}
		s := string(b)
		required = &s
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = path
	}

	return store.Endpoint{
		OwnerUserID:              ownerID,
		Path:                     path,
		Name:                     name,
		Type:                     typ,
		Config:                   cfg,
		AccessControl:            access,
		RequiredPermissionGroups: required,
		Enabled:                  enabled,
		IsPublished:              in.IsPublished,
	}, nil
}
