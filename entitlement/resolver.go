// Package entitlement decides whether a user holds a membership that grants
// access to this product.
//
// The user's own memberships are consulted first; when none qualifies, the
// legacy API is queried with the server credential, once per configured
// product. Any failure along the way counts as "no access": the resolver
// fails closed and never returns an error.
package entitlement

import (
	"context"
	"slices"

	"github.com/mnehpets/accessgate/provider"
	"github.com/rs/zerolog/log"
)

// Statuses that qualify a membership by default.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
)

// Source is where memberships come from; *provider.Client implements it.
type Source interface {
	UserMemberships(ctx context.Context, accessToken string) ([]provider.Membership, error)
	ProductMemberships(ctx context.Context, userID, productID string) ([]provider.Membership, error)
}

// Policy names the products, plans and statuses that grant access.
type Policy struct {
	ProductIDs []string
	PlanIDs    []string
	Statuses   []string
}

// NewPolicy returns a policy accepting active and trialing memberships, and
// past_due ones when allowPastDue is set.
func NewPolicy(productIDs, planIDs []string, allowPastDue bool) Policy {
	statuses := []string{StatusActive, StatusTrialing}
	if allowPastDue {
		statuses = append(statuses, StatusPastDue)
	}
	return Policy{ProductIDs: productIDs, PlanIDs: planIDs, Statuses: statuses}
}

// Qualifies reports whether m grants access under p.
func (p Policy) Qualifies(m provider.Membership) bool {
	if !slices.Contains(p.Statuses, m.Status) {
		return false
	}
	if m.ProductID != "" && slices.Contains(p.ProductIDs, m.ProductID) {
		return true
	}
	return m.PlanID != "" && slices.Contains(p.PlanIDs, m.PlanID)
}

// MatchSource records which path produced the match.
type MatchSource string

const (
	MatchNone   MatchSource = ""
	MatchUser   MatchSource = "user"
	MatchServer MatchSource = "server"
)

// Record is the outcome of one resolution. It is recomputed per check and
// never stored.
type Record struct {
	UserID            string
	HasAccess         bool
	MatchedMembership string
	Source            MatchSource
}

// Resolver applies a Policy to memberships from a Source.
type Resolver struct {
	source Source
	policy Policy
}

// NewResolver returns a Resolver.
func NewResolver(source Source, policy Policy) *Resolver {
	return &Resolver{source: source, policy: policy}
}

// Resolve determines the entitlement of userID holding accessToken. Either
// argument may be empty, in which case the corresponding lookup is skipped.
func (r *Resolver) Resolve(ctx context.Context, accessToken, userID string) Record {
	logger := log.Ctx(ctx)
	rec := Record{UserID: userID}

	if accessToken != "" {
		ms, err := r.source.UserMemberships(ctx, accessToken)
		if err != nil {
			logger.Warn().Err(err).Msg("user memberships lookup failed")
		}
		if m, ok := r.first(ms); ok {
			return r.granted(rec, m, MatchUser)
		}
	}

	if userID == "" {
		return rec
	}
	for _, productID := range r.policy.ProductIDs {
		ms, err := r.source.ProductMemberships(ctx, userID, productID)
		if err != nil {
			logger.Warn().Err(err).Str("product_id", productID).Msg("product memberships lookup failed")
			continue
		}
		if m, ok := r.first(ms); ok {
			return r.granted(rec, m, MatchServer)
		}
	}
	return rec
}

func (r *Resolver) first(ms []provider.Membership) (provider.Membership, bool) {
	for _, m := range ms {
		if r.policy.Qualifies(m) {
			return m, true
		}
	}
	return provider.Membership{}, false
}

func (r *Resolver) granted(rec Record, m provider.Membership, src MatchSource) Record {
	rec.HasAccess = true
	rec.MatchedMembership = m.ID
	rec.Source = src
	if rec.UserID == "" {
		rec.UserID = m.UserID
	}
	return rec
}
