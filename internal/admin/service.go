package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

// Store 는 프로비저닝 서비스가 사용하는 저장소 메서드 집합입니다. (*store.SQLStore 가 구현)
type Store interface {
	CreateUser(ctx context.Context, username string, activated bool) (*store.User, error)
	FindUserByUsername(ctx context.Context, username string) (*store.User, error)
	SetUserActivation(ctx context.Context, username string, activated bool) (*store.User, error)

	UpsertEndpoint(ctx context.Context, ep store.Endpoint) (*store.Endpoint, error)
	DeleteEndpoint(ctx context.Context, ownerID, path string) error

	CreatePermissionGroup(ctx context.Context, ownerID, name, description string) (*store.PermissionGroup, error)
	GetPermissionGroup(ctx context.Context, id string) (*store.PermissionGroup, error)

	CreateAccessKey(ctx context.Context, groupID, name, keyValue string, expiresAt *time.Time) (*store.AccessKey, error)
	GetAccessKey(ctx context.Context, id string) (*store.AccessKey, error)
	RevokeAccessKey(ctx context.Context, id string) error
}

// Invalidator 는 owner 의 published 엔드포인트 캐시를 비웁니다.
type Invalidator interface {
	Invalidate(ctx context.Context, ownerID string) error
}

// ProvisioningService 는 사용자/엔드포인트/권한 그룹/access key 를 관리하는 비즈니스 로직 인터페이스입니다.
type ProvisioningService interface {
	// CreateUser 는 새 사용자를 만듭니다. 이름이 이미 있으면 store.ErrConflict.
	CreateUser(ctx context.Context, username string, activated bool) (*store.User, error)

	// SetUserActivation 은 사용자 활성화 여부를 바꾸고 캐시를 무효화합니다.
	SetUserActivation(ctx context.Context, username string, activated bool) (*store.User, error)

	// UpsertEndpoint 는 (owner, path) 기준으로 엔드포인트를 생성하거나 덮어씁니다.
	UpsertEndpoint(ctx context.Context, username string, in EndpointInput) (*store.Endpoint, error)

	// DeleteEndpoint 는 owner 의 path 엔드포인트를 삭제합니다.
	DeleteEndpoint(ctx context.Context, username, path string) error

	// CreatePermissionGroup 은 owner 소유의 권한 그룹을 만듭니다.
	CreatePermissionGroup(ctx context.Context, username, name, description string) (*store.PermissionGroup, error)

	// IssueAccessKey 는 랜덤 64자 access key 를 발급합니다. 평문 값은 이때 한 번만 반환됩니다.
	IssueAccessKey(ctx context.Context, groupID, name string, expiresAt *time.Time) (*store.AccessKey, string, error)

	// RevokeAccessKey 는 키를 비활성화합니다.
	RevokeAccessKey(ctx context.Context, keyID string) error

	// GetAccessKey 는 키 메타데이터를 반환합니다.
	GetAccessKey(ctx context.Context, keyID string) (*store.AccessKey, error)
}

// ProvisioningServiceImpl 는 Store 를 사용해 ProvisioningService 를 구현한 구조체입니다.
type ProvisioningServiceImpl struct {
	logger logging.Logger
	store  Store
	cache  Invalidator
}

// NewProvisioningService 는 기본 ProvisioningService 구현체를 생성합니다.
// cache 가 nil 이면 무효화를 건너뜁니다.
func NewProvisioningService(logger logging.Logger, st Store, cache Invalidator) ProvisioningService {
	return &ProvisioningServiceImpl{
		logger: logger.With(logging.Fields{"component": "provisioning_service"}),
		store:  st,
		cache:  cache,
	}
}

func (s *ProvisioningServiceImpl) CreateUser(ctx context.Context, username string, activated bool) (*store.User, error) {
	name := strings.TrimSpace(username)
	if err := validateUsername(name); err != nil {
		return nil, err
	}
	u, err := s.store.CreateUser(ctx, name, activated)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user created", logging.Fields{
		"username":  u.Username,
		"user_id":   u.ID,
		"activated": u.IsActivated,
	})
	return u, nil
}

func (s *ProvisioningServiceImpl) SetUserActivation(ctx context.Context, username string, activated bool) (*store.User, error) {
	u, err := s.store.SetUserActivation(ctx, strings.TrimSpace(username), activated)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, u.ID)
	s.logger.Info("user activation changed", logging.Fields{
		"username":  u.Username,
		"activated": u.IsActivated,
	})
	return u, nil
}

func (s *ProvisioningServiceImpl) UpsertEndpoint(ctx context.Context, username string, in EndpointInput) (*store.Endpoint, error) {
	owner, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}

	ep, err := in.toEndpoint(owner.ID)
	if err != nil {
		return nil, err
	}
	if ep.AccessControl == store.AccessAuthenticated {
		if err := s.checkGroupsOwnedBy(ctx, owner.ID, in.RequiredPermissionGroups); err != nil {
			return nil, err
		}
	}

	saved, err := s.store.UpsertEndpoint(ctx, ep)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, owner.ID)
	s.logger.Info("endpoint saved", logging.Fields{
		"username":     owner.Username,
		"endpoint_id":  saved.ID,
		"path":         saved.Path,
		"type":         string(saved.Type),
		"is_published": saved.IsPublished,
	})
	return saved, nil
}

// checkGroupsOwnedBy 는 requiredPermissionGroups 의 모든 그룹이 owner 소유인지 확인합니다.
func (s *ProvisioningServiceImpl) checkGroupsOwnedBy(ctx context.Context, ownerID string, groupIDs []string) error {
	for _, id := range groupIDs {
		g, err := s.store.GetPermissionGroup(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && g.OwnerUserID != ownerID) {
			return fmt.Errorf("%w: permission group %q not found for this user", ErrInvalidInput, id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *ProvisioningServiceImpl) DeleteEndpoint(ctx context.Context, username, path string) error {
	owner, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return err
	}
	if err := s.store.DeleteEndpoint(ctx, owner.ID, path); err != nil {
		return err
	}
	s.invalidate(ctx, owner.ID)
	s.logger.Info("endpoint deleted", logging.Fields{
		"username": owner.Username,
		"path":     path,
	})
	return nil
}

func (s *ProvisioningServiceImpl) CreatePermissionGroup(ctx context.Context, username, name, description string) (*store.PermissionGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	owner, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	return s.store.CreatePermissionGroup(ctx, owner.ID, name, description)
}

func (s *ProvisioningServiceImpl) IssueAccessKey(ctx context.Context, groupID, name string, expiresAt *time.Time) (*store.AccessKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := s.store.GetPermissionGroup(ctx, groupID); err != nil {
		return nil, "", err
	}

	value, err := generateAccessKey(64)
	if err != nil {
		return nil, "", fmt.Errorf("generate access key: %w", err)
	}
	k, err := s.store.CreateAccessKey(ctx, groupID, name, value, expiresAt)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("access key issued", logging.Fields{
		"access_key_id":     k.ID,
		"group_id":          groupID,
		"access_key_masked": maskKey(value),
	})
	return k, value, nil
}

func (s *ProvisioningServiceImpl) RevokeAccessKey(ctx context.Context, keyID string) error {
	if err := s.store.RevokeAccessKey(ctx, keyID); err != nil {
		return err
	}
	s.logger.Info("access key revoked", logging.Fields{"access_key_id": keyID})
	return nil
}

func (s *ProvisioningServiceImpl) GetAccessKey(ctx context.Context, keyID string) (*store.AccessKey, error) {
	return s.store.GetAccessKey(ctx, keyID)
}

// invalidate 는 캐시 무효화 실패를 로그로만 남깁니다. 캐시 TTL 이 지나면 다시 일관됩니다.
func (s *ProvisioningServiceImpl) invalidate(ctx context.Context, ownerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, ownerID); err != nil {
		s.logger.Warn("failed to invalidate endpoint cache", logging.Fields{
			"owner_id": ownerID,
			"error":    err.Error(),
		})
	}
}

// generateAccessKey 는 랜덤 바이트를 생성하여 hex 문자열로 인코딩합니다.
func generateAccessKey(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid key length: %d", length)
	}

	// hex 인코딩 결과 길이가 length 이상이 되도록 필요한 바이트 수 계산
	byteLen := (length + 1) / 2
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	s := hex.EncodeToString(b)
	if len(s) > length {
		s = s[:length]
	}
	return s, nil
}

// maskKey 는 로그/응답에 사용할 수 있도록 access key 를 마스킹합니다.
func maskKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// ErrInvalidInput 은 요청 값이 검증을 통과하지 못한 경우를 나타냅니다. 메시지는 그대로 응답에 실립니다.
var ErrInvalidInput = errors.New("invalid input")
