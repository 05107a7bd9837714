package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// CompanyScopeKey is the context key for the company-scoped connection.
	CompanyScopeKey contextKey = "companyScope"
)

// GetCompanyScope retrieves the company-scoped database connection from
// context. Returns nil and false if not present.
func GetCompanyScope(ctx context.Context) (*CompanyScope, bool) {
	scope, ok := ctx.Value(CompanyScopeKey).(*CompanyScope)
	return scope, ok
}

// SetCompanyScope stores the company-scoped database connection in context.
func SetCompanyScope(ctx context.Context, scope *CompanyScope) context.Context {
	return context.WithValue(ctx, CompanyScopeKey, scope)
}

// CompanyScopeProvider creates company-scoped contexts for database
// operations.
type CompanyScopeProvider struct {
	db *DB
}

// NewCompanyScopeProvider creates a CompanyScopeProvider for the database.
func NewCompanyScopeProvider(db *DB) *CompanyScopeProvider {
	return &CompanyScopeProvider{db: db}
}

// WithCompanyScope returns a context with the company scope set. The cleanup
// function must be called when the scope is no longer needed.
func (p *CompanyScopeProvider) WithCompanyScope(ctx context.Context, companyID uuid.UUID) (context.Context, func(), error) {
	scope, err := p.db.WithCompany(ctx, companyID)
	if err != nil {
		return nil, nil, err
	}
	scopedCtx := SetCompanyScope(ctx, scope)
	return scopedCtx, func() { scope.Close() }, nil
}
