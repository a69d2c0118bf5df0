package model

import (
	"context"
	"errors"
	"fmt"
)

// Scope is the (account, engagement) pair isolating one customer's data from
// another's. Every store query and mutation is filtered by it; a flow id that
// exists under a different scope behaves identically to an absent id.
type Scope struct {
	AccountID    string `json:"account_id"`
	EngagementID string `json:"engagement_id"`
}

// Validate checks that both scope components are present.
func (s Scope) Validate() error {
	var errs []error
	if s.AccountID == "" {
		errs = append(errs, fmt.Errorf("AccountID is required"))
	}
	if s.EngagementID == "" {
		errs = append(errs, fmt.Errorf("EngagementID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RequestContext carries identity, tenancy, and tracing information for the
// lifetime of one request. It is immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	SubjectID     string
	AccountID     string
	EngagementID  string
	Roles         []string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Scope returns the tenant scope of the request.
func (rc *RequestContext) Scope() Scope {
	return Scope{AccountID: rc.AccountID, EngagementID: rc.EngagementID}
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if err := rc.Scope().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking
// if it is not present. Safe to call in handlers that are guaranteed to run
// behind the scope middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
