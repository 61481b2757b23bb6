package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"go.uber.org/zap"
)

// PostgreSQL error codes
const (
	codeDuplicateDatabase = "42P04"
	codeDuplicateObject   = "42710"
)

// TenantDBAdmin creates and drops per-tenant databases on the shared
// tenant database server.
type TenantDBAdmin struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewTenantDBAdmin(pool *pgxpool.Pool, log *zap.Logger) *TenantDBAdmin {
	return &TenantDBAdmin{pool: pool, log: log}
}

// CreateDatabase ensures the owner role and the database exist.
func (a *TenantDBAdmin) CreateDatabase(ctx context.Context, spec infra.DatabaseSpec) (infra.Result, error) {
	roleCreated, err := a.ensureRole(ctx, spec.Owner, spec.Password)
	if err != nil {
		return infra.Unverified, err
	}

	exists, err := a.DatabaseExists(ctx, spec.Name)
	if err != nil {
		return infra.Unverified, err
	}
	if exists {
		if roleCreated {
			return infra.Applied, nil
		}
		return infra.AlreadyDone, nil
	}

	sql := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
		pgx.Identifier{spec.Name}.Sanitize(), pgx.Identifier{spec.Owner}.Sanitize())
	if _, err := a.pool.Exec(ctx, sql); err != nil {
		if pgCode(err) == codeDuplicateDatabase {
			return infra.AlreadyDone, nil
		}
		return infra.Unverified, classifyPg(fmt.Errorf("create database %s: %w", spec.Name, err))
	}
	a.log.Info("tenant database created", zap.String("database", spec.Name))
	return infra.Applied, nil
}

func (a *TenantDBAdmin) ensureRole(ctx context.Context, role, password string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", role).Scan(&exists)
	if err != nil {
		return false, classifyPg(fmt.Errorf("lookup role %s: %w", role, err))
	}
	if exists {
		return false, nil
	}

	sql := fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s", pgx.Identifier{role}.Sanitize(), quoteLiteral(password))
	if _, err := a.pool.Exec(ctx, sql); err != nil {
		if pgCode(err) == codeDuplicateObject {
			return false, nil
		}
		return false, classifyPg(fmt.Errorf("create role %s: %w", role, err))
	}
	return true, nil
}

// DropDatabase removes the database, terminating open sessions, then its owner role.
func (a *TenantDBAdmin) DropDatabase(ctx context.Context, name, owner string) (infra.Result, error) {
	exists, err := a.DatabaseExists(ctx, name)
	if err != nil {
		return infra.Unverified, err
	}
	if exists {
		sql := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgx.Identifier{name}.Sanitize())
		if _, err := a.pool.Exec(ctx, sql); err != nil {
			return infra.Unverified, classifyPg(fmt.Errorf("drop database %s: %w", name, err))
		}
	}
	if owner != "" {
		if _, err := a.pool.Exec(ctx, "DROP ROLE IF EXISTS "+pgx.Identifier{owner}.Sanitize()); err != nil {
			return infra.Unverified, classifyPg(fmt.Errorf("drop role %s: %w", owner, err))
		}
	}
	if !exists {
		return infra.AlreadyDone, nil
	}
	a.log.Info("tenant database dropped", zap.String("database", name))
	return infra.Applied, nil
}

func (a *TenantDBAdmin) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
	if err != nil {
		return false, classifyPg(fmt.Errorf("lookup database %s: %w", name, err))
	}
	return exists, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classifyPg marks syntax, privilege and definition errors permanent.
// Connection and resource errors stay transient.
func classifyPg(err error) error {
	code := pgCode(err)
	switch {
	case code == "":
		return infra.Transient(err)
	case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "28"), strings.HasPrefix(code, "22"):
		return infra.Permanent(err)
	}
	return infra.Transient(err)
}
