package store

import (
	"errors"
	"time"
)

// EndpointType is the behaviour tag stored on an endpoint.
type EndpointType string

const (
	EndpointStatic       EndpointType = "static"
	EndpointProxy        EndpointType = "proxy"
	EndpointDynamicProxy EndpointType = "dynamicProxy"
	EndpointScript       EndpointType = "script"
)

// Valid reports whether t is one of the known endpoint types.
func (t EndpointType) Valid() bool {
	switch t {
	case EndpointStatic, EndpointProxy, EndpointDynamicProxy, EndpointScript:
		return true
	}
	return false
}

// AccessControl is the access mode of an endpoint.
type AccessControl string

const (
	AccessPublic        AccessControl = "public"
	AccessAuthenticated AccessControl = "authenticated"
)

// Valid reports whether a is a known access mode.
func (a AccessControl) Valid() bool {
	return a == AccessPublic || a == AccessAuthenticated
}

// User is the owner of endpoints. Only the activation flag matters at dispatch time.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	IsActivated bool      `json:"isActivated"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Endpoint is an addressable resource under /e/{username}{path}.
//
// Config and RequiredPermissionGroups are JSON strings owned by whoever writes the
// endpoint; they are decoded at dispatch time.
type Endpoint struct {
	ID                       string        `json:"id"`
	OwnerUserID              string        `json:"ownerUserId"`
	Path                     string        `json:"path"`
	Name                     string        `json:"name"`
	Type                     EndpointType  `json:"type"`
	Config                   string        `json:"config"`
	AccessControl            AccessControl `json:"accessControl"`
	RequiredPermissionGroups *string       `json:"requiredPermissionGroups,omitempty"`
	Enabled                  bool          `json:"enabled"`
	IsPublished              bool          `json:"isPublished"`
	CreatedAt                time.Time     `json:"createdAt"`
	UpdatedAt                time.Time     `json:"updatedAt"`
}

// PermissionGroup groups access keys of one owner.
type PermissionGroup struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"ownerUserId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AccessKey authenticates callers of endpoints that require one of its group.
type AccessKey struct {
	ID                string     `json:"id"`
	PermissionGroupID string     `json:"permissionGroupId"`
	Name              string     `json:"name"`
	KeyValue          string     `json:"-"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	IsActive          bool       `json:"isActive"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	UsageCount        int64      `json:"usageCount"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Expired reports whether the key has an expiry that lies before now.
func (k *AccessKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("conflict")
)
