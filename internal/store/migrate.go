package store

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	usersTable            = "users"
	endpointsTable        = "endpoints"
	permissionGroupsTable = "permission_groups"
	accessKeysTable       = "access_keys"

	textSize = 2147483647
)

var (
	usersColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "username", Type: field.TypeString, Unique: true},
		{Name: "is_activated", Type: field.TypeBool, Default: false},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	usersSchema = &schema.Table{
		Name:       usersTable,
		Columns:    usersColumns,
		PrimaryKey: []*schema.Column{usersColumns[0]},
	}

	endpointsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "owner_user_id", Type: field.TypeString},
		{Name: "path", Type: field.TypeString, Size: 255},
		{Name: "name", Type: field.TypeString, Size: 100, Default: ""},
		{Name: "type", Type: field.TypeString},
		{Name: "config", Type: field.TypeString, Size: textSize},
		{Name: "access_control", Type: field.TypeString, Default: string(AccessPublic)},
		{Name: "required_permission_groups", Type: field.TypeString, Size: textSize, Nullable: true},
		{Name: "enabled", Type: field.TypeBool, Default: true},
		{Name: "is_published", Type: field.TypeBool, Default: false},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	endpointsSchema = &schema.Table{
		Name:       endpointsTable,
		Columns:    endpointsColumns,
		PrimaryKey: []*schema.Column{endpointsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "endpoints_users_endpoints",
				Columns:    []*schema.Column{endpointsColumns[1]},
				RefColumns: []*schema.Column{usersColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "endpoint_owner_user_id_path",
				Unique:  true,
				Columns: []*schema.Column{endpointsColumns[1], endpointsColumns[2]},
			},
			{
				Name:    "endpoint_owner_user_id_is_published",
				Unique:  false,
				Columns: []*schema.Column{endpointsColumns[1], endpointsColumns[9]},
			},
		},
	}

	permissionGroupsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "owner_user_id", Type: field.TypeString},
		{Name: "name", Type: field.TypeString, Size: 100},
		{Name: "description", Type: field.TypeString, Default: ""},
		{Name: "created_at", Type: field.TypeTime},
	}
	permissionGroupsSchema = &schema.Table{
		Name:       permissionGroupsTable,
		Columns:    permissionGroupsColumns,
		PrimaryKey: []*schema.Column{permissionGroupsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "permission_groups_users_permission_groups",
				Columns:    []*schema.Column{permissionGroupsColumns[1]},
				RefColumns: []*schema.Column{usersColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
	}

	accessKeysColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "permission_group_id", Type: field.TypeString},
		{Name: "name", Type: field.TypeString, Default: ""},
		{Name: "key_value", Type: field.TypeString, Unique: true},
		{Name: "expires_at", Type: field.TypeTime, Nullable: true},
		{Name: "is_active", Type: field.TypeBool, Default: true},
		{Name: "last_used_at", Type: field.TypeTime, Nullable: true},
		{Name: "usage_count", Type: field.TypeInt64, Default: 0},
		{Name: "created_at", Type: field.TypeTime},
	}
	accessKeysSchema = &schema.Table{
		Name:       accessKeysTable,
		Columns:    accessKeysColumns,
		PrimaryKey: []*schema.Column{accessKeysColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "access_keys_permission_groups_access_keys",
				Columns:    []*schema.Column{accessKeysColumns[1]},
				RefColumns: []*schema.Column{permissionGroupsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "accesskey_permission_group_id_is_active",
				Unique:  false,
				Columns: []*schema.Column{accessKeysColumns[1], accessKeysColumns[5]},
			},
		},
	}

	// tables is the full schema in dependency order.
	tables = []*schema.Table{
		usersSchema,
		endpointsSchema,
		permissionGroupsSchema,
		accessKeysSchema,
	}
)

func init() {
	endpointsSchema.ForeignKeys[0].RefTable = usersSchema
	permissionGroupsSchema.ForeignKeys[0].RefTable = usersSchema
	accessKeysSchema.ForeignKeys[0].RefTable = permissionGroupsSchema
}

// migrate creates missing tables, columns and indexes. Existing data is never dropped.
func migrate(ctx context.Context, drv dialect.Driver) error {
	m, err := schema.NewMigrate(drv, schema.WithForeignKeys(true))
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}
	if err := m.Create(ctx, tables...); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
