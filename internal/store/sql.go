package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/sqlgraph"
	"github.com/google/uuid"

	"github.com/dalbodeule/hop-endpoints/internal/logging"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	userColumns = []string{"id", "username", "is_activated", "created_at", "updated_at"}

	endpointColumns = []string{
		"id", "owner_user_id", "path", "name", "type", "config", "access_control",
		"required_permission_groups", "enabled", "is_published", "created_at", "updated_at",
	}

	groupColumns = []string{"id", "owner_user_id", "name", "description", "created_at"}

	accessKeyColumns = []string{
		"id", "permission_group_id", "name", "key_value", "expires_at", "is_active",
		"last_used_at", "usage_count", "created_at",
	}
)

// SQLStore persists users, endpoints, permission groups and access keys through
// ent's SQL dialect layer. It works against PostgreSQL and SQLite.
type SQLStore struct {
	drv     *entsql.Driver
	dialect string
	logger  logging.Logger
	now     func() time.Time
}

// NewSQLStore wraps an already opened ent SQL driver. The schema is not migrated.
func NewSQLStore(logger logging.Logger, drv *entsql.Driver) *SQLStore {
	return &SQLStore{
		drv:     drv,
		dialect: drv.Dialect(),
		logger:  logger.With(logging.Fields{"component": "store"}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.drv.Close()
}

func (s *SQLStore) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.dialect)
}

func (s *SQLStore) exec(ctx context.Context, b entsql.Querier) (int64, error) {
	query, args := b.Query()
	var res sql.Result
	if err := s.drv.Exec(ctx, query, args, &res); err != nil {
		if sqlgraph.IsUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) query(ctx context.Context, b entsql.Querier, scan func(*entsql.Rows) error) error {
	query, args := b.Query()
	rows := &entsql.Rows{}
	if err := s.drv.Query(ctx, query, args, rows); err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ---- users ----

func scanUser(rows *entsql.Rows) (User, error) {
	var u User
	err := rows.Scan(&u.ID, &u.Username, &u.IsActivated, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// CreateUser inserts a new user. A taken username yields ErrConflict.
func (s *SQLStore) CreateUser(ctx context.Context, username string, activated bool) (*User, error) {
	now := s.now()
	u := &User{
		ID:          uuid.NewString(),
		Username:    username,
		IsActivated: activated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ins := s.builder().Insert(usersTable).
		Columns(userColumns...).
		Values(u.ID, u.Username, u.IsActivated, u.CreatedAt, u.UpdatedAt)
	if _, err := s.exec(ctx, ins); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// FindUserByUsername looks a user up by exact, case-sensitive username.
func (s *SQLStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	sel := s.builder().Select(userColumns...).
		From(entsql.Table(usersTable)).
		Where(entsql.EQ("username", username)).
		Limit(1)

	var found *User
	err := s.query(ctx, sel, func(rows *entsql.Rows) error {
		u, err := scanUser(rows)
		if err != nil {
			return err
		}
		found = &u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// SetUserActivation flips the activation flag and returns the updated user.
func (s *SQLStore) SetUserActivation(ctx context.Context, username string, activated bool) (*User, error) {
	upd := s.builder().Update(usersTable).
		Set("is_activated", activated).
		Set("updated_at", s.now()).
		Where(entsql.EQ("username", username))
	n, err := s.exec(ctx, upd)
	if err != nil {
		return nil, fmt.Errorf("set user activation: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.FindUserByUsername(ctx, username)
}

// ---- endpoints ----

func scanEndpoint(rows *entsql.Rows) (Endpoint, error) {
	var (
		ep       Endpoint
		typ      string
		access   string
		required sql.NullString
	)
	err := rows.Scan(
		&ep.ID, &ep.OwnerUserID, &ep.Path, &ep.Name, &typ, &ep.Config, &access,
		&required, &ep.Enabled, &ep.IsPublished, &ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		return ep, err
	}
	ep.Type = EndpointType(typ)
	ep.AccessControl = AccessControl(access)
	if required.Valid {
		ep.RequiredPermissionGroups = &required.String
	}
	return ep, nil
}

// UpsertEndpoint inserts the endpoint or, when (owner, path) already exists,
// overwrites every mutable column. The stored row is returned.
func (s *SQLStore) UpsertEndpoint(ctx context.Context, ep Endpoint) (*Endpoint, error) {
	now := s.now()
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	var required any
	if ep.RequiredPermissionGroups != nil {
		required = *ep.RequiredPermissionGroups
	}

	ins := s.builder().Insert(endpointsTable).
		Columns(endpointColumns...).
		Values(
			ep.ID, ep.OwnerUserID, ep.Path, ep.Name, string(ep.Type), ep.Config,
			string(ep.AccessControl), required, ep.Enabled, ep.IsPublished, now, now,
		).
		OnConflict(
			entsql.ConflictColumns("owner_user_id", "path"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				for _, c := range []string{
					"name", "type", "config", "access_control", "required_permission_groups",
					"enabled", "is_published", "updated_at",
				} {
					u.SetExcluded(c)
				}
			}),
		)
	if _, err := s.exec(ctx, ins); err != nil {
		return nil, fmt.Errorf("upsert endpoint: %w", err)
	}
	return s.GetEndpoint(ctx, ep.OwnerUserID, ep.Path)
}

// GetEndpoint returns the endpoint of owner at path, published or not.
func (s *SQLStore) GetEndpoint(ctx context.Context, ownerID, path string) (*Endpoint, error) {
	sel := s.builder().Select(endpointColumns...).
		From(entsql.Table(endpointsTable)).
		Where(entsql.And(
			entsql.EQ("owner_user_id", ownerID),
			entsql.EQ("path", path),
		)).
		Limit(1)

	var found *Endpoint
	err := s.query(ctx, sel, func(rows *entsql.Rows) error {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return err
		}
		found = &ep
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// DeleteEndpoint removes the endpoint of owner at path.
func (s *SQLStore) DeleteEndpoint(ctx context.Context, ownerID, path string) error {
	del := s.builder().Delete(endpointsTable).
		Where(entsql.And(
			entsql.EQ("owner_user_id", ownerID),
			entsql.EQ("path", path),
		))
	n, err := s.exec(ctx, del)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPublishedEndpoints returns every published endpoint of the owner ordered by path.
func (s *SQLStore) ListPublishedEndpoints(ctx context.Context, ownerID string) ([]Endpoint, error) {
	sel := s.builder().Select(endpointColumns...).
		From(entsql.Table(endpointsTable)).
		Where(entsql.And(
			entsql.EQ("owner_user_id", ownerID),
			entsql.EQ("is_published", true),
		)).
		OrderBy("path")

	var out []Endpoint
	err := s.query(ctx, sel, func(rows *entsql.Rows) error {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return err
		}
		out = append(out, ep)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list published endpoints: %w", err)
	}
	return out, nil
}

// ---- permission groups ----

// CreatePermissionGroup inserts a permission group owned by ownerID.
func (s *SQLStore) CreatePermissionGroup(ctx context.Context, ownerID, name, description string) (*PermissionGroup, error) {
	g := &PermissionGroup{
		ID:          uuid.NewString(),
		OwnerUserID: ownerID,
		Name:        name,
		Description: description,
		CreatedAt:   s.now(),
	}
	ins := s.builder().Insert(permissionGroupsTable).
		Columns(groupColumns...).
		Values(g.ID, g.OwnerUserID, g.Name, g.Description, g.CreatedAt)
	if _, err := s.exec(ctx, ins); err != nil {
		return nil, fmt.Errorf("create permission group: %w", err)
	}
	return g, nil
}

// GetPermissionGroup returns the group with the given id.
func (s *SQLStore) GetPermissionGroup(ctx context.Context, id string) (*PermissionGroup, error) {
	sel := s.builder().Select(groupColumns...).
		From(entsql.Table(permissionGroupsTable)).
		Where(entsql.EQ("id", id)).
		Limit(1)

	var found *PermissionGroup
	err := s.query(ctx, sel, func(rows *entsql.Rows) error {
		var g PermissionGroup
		if err := rows.Scan(&g.ID, &g.OwnerUserID, &g.Name, &g.Description, &g.CreatedAt); err != nil {
			return err
		}
		found = &g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get permission group: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ---- access keys ----

func scanAccessKey(rows *entsql.Rows) (AccessKey, error) {
	var (
		k         AccessKey
		expiresAt sql.NullTime
		lastUsed  sql.NullTime
	)
	err := rows.Scan(
		&k.ID, &k.PermissionGroupID, &k.Name, &k.KeyValue, &expiresAt, &k.IsActive,
		&lastUsed, &k.UsageCount, &k.CreatedAt,
	)
	if err != nil {
		return k, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return k, nil
}

// CreateAccessKey stores a new active key in the group. A duplicate key value yields ErrConflict.
func (s *SQLStore) CreateAccessKey(ctx context.Context, groupID, name, keyValue string, expiresAt *time.Time) (*AccessKey, error) {
	k := &AccessKey{
		ID:                uuid.NewString(),
		PermissionGroupID: groupID,
		Name:              name,
		KeyValue:          keyValue,
		IsActive:          true,
		CreatedAt:         s.now(),
	}
	var expires any
	if expiresAt != nil {
		t := expiresAt.UTC()
		k.ExpiresAt = &t
		expires = t
	}
	ins := s.builder().Insert(accessKeysTable).
		Columns(accessKeyColumns...).
		Values(k.ID, k.PermissionGroupID, k.Name, k.KeyValue, expires, k.IsActive, nil, int64(0), k.CreatedAt)
	if _, err := s.exec(ctx, ins); err != nil {
		return nil, fmt.Errorf("create access key: %w", err)
	}
	return k, nil
}

// GetAccessKey returns the key with the given id, including inactive ones.
func (s *SQLStore) GetAccessKey(ctx context.Context, id string) (*AccessKey, error) {
	sel := s.builder().Select(accessKeyColumns...).
		From(entsql.Table(accessKeysTable)).
		Where(entsql.EQ("id", id)).
		Limit(1)

	var found *AccessKey
	err := s.query(ctx, sel, func(rows *entsql.Rows) error {
		k, err := scanAccessKey(rows)
		if err != nil {
			return err
		}
		found = &k
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get access key: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// RevokeAccessKey marks the key inactive. Revoked keys never authenticate again.
func (s *SQLStore) RevokeAccessKey(ctx context.Context, id string) error {
	upd := s.builder().Update(accessKeysTable).
		Set("is_active", false).
		Where(entsql.EQ("id", id))
	n, err := s.exec(ctx, upd)
	if err != nil {
		return fmt.Errorf("revoke access key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveAccessKeys returns active keys. When groupIDs is non-empty only keys of those
// groups are returned; the (permission_group_id, is_active) index serves that lookup.
// Expiry is not filtered here.
func (s *SQLStore) ListActiveAccessKeys(ctx context.Context, groupIDs []string) ([]AccessKey, error) {
	pred := entsql.EQ("is_active", true)
	if len(groupIDs) > 0 {
		args := make([]any, len(groupIDs))
		for i, id := range groupIDs {
			args[i] = id
		}
		pred = entsql.And(entsql.In("permission_group_id", args...), pred)
	}
	sel := s.builder().Select(accessKeyColumns...).
		From(entsql.Table(accessKeysTable)).
		Where(pred)

	var out []AccessKey
	err := s.query(ctx, sel, func(rows *entsql.Rows) error {
		k, err := scanAccessKey(rows)
		if err != nil {
			return err
		}
		out = append(out, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list active access keys: %w", err)
	}
	return out, nil
}

// IncrementAccessKeyUsage sets last_used_at and bumps usage_count in one statement,
// so concurrent uses of the same key are all counted.
func (s *SQLStore) IncrementAccessKeyUsage(ctx context.Context, keyID string, now time.Time) error {
	upd := s.builder().Update(accessKeysTable).
		Set("last_used_at", now.UTC()).
		Add("usage_count", 1).
		Where(entsql.EQ("id", keyID))
	n, err := s.exec(ctx, upd)
	if err != nil {
		return fmt.Errorf("increment access key usage: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// driverName maps the configured driver to the database/sql driver and ent dialect.
func driverName(driver string) (sqlDriver, entDialect string, err error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql":
		return "postgres", dialect.Postgres, nil
	case "sqlite", "sqlite3":
		return "sqlite", dialect.SQLite, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", driver)
	}
}
