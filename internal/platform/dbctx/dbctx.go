// Package dbctx carries a request-scoped context.Context alongside an
// optional *gorm.DB transaction handle, so repository methods can be called
// either standalone or nested inside a caller's transaction without a
// separate signature for each case.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles the Go context with the *gorm.DB to use for the call. Tx
// is nil when the caller has no open transaction, in which case repository
// implementations fall back to their own root *gorm.DB.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// DB returns the transaction handle bound to ctx.Ctx, or root if c.Tx is nil.
func (c Context) DB(root *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx.WithContext(c.Ctx)
	}
	return root.WithContext(c.Ctx)
}

// Background returns a Context with no open transaction, suitable for
// top-level calls outside of an incoming request or message handler.
func Background() Context {
	return Context{Ctx: context.Background()}
}
