package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CompanyScope wraps a connection bound to one company and ensures cleanup.
// The connection has app.current_company_id set for RLS policy evaluation, so
// audit queries can never cross tenants even with a buggy WHERE clause.
type CompanyScope struct {
	Conn      *pgxpool.Conn
	CompanyID uuid.UUID
}

// Close resets the company context and releases the connection to the pool.
// This MUST be called to prevent company context from leaking to the next
// request.
func (s *CompanyScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_company_id")
	s.Conn.Release()
}

// WithCompany acquires a connection and sets the company context for RLS.
// The returned CompanyScope MUST be closed with defer scope.Close().
func (db *DB) WithCompany(ctx context.Context, companyID uuid.UUID) (*CompanyScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_company_id', $1, false)", companyID.String())
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &CompanyScope{Conn: conn, CompanyID: companyID}, nil
}
