// Package domain holds the enrollment request and the business errors the
// saga steps can produce.
package domain

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/jcmexdev/enrollment-sagas/internal/idempotency"
)

// Operation names the workflow for idempotency fingerprints.
const Operation = "create_enrollment"

// Request asks to enroll one requester in one or more groups of a period.
type Request struct {
	RequesterID string   `json:"requester_id"`
	PeriodID    string   `json:"period_id"`
	GroupIDs    []string `json:"group_ids"`
}

// Normalize trims identifiers and puts them in Unicode NFC in place, the
// same form the idempotency key is computed over.
func (r *Request) Normalize() {
	r.RequesterID = normalizeID(r.RequesterID)
	r.PeriodID = normalizeID(r.PeriodID)
	groups := make([]string, 0, len(r.GroupIDs))
	for _, g := range r.GroupIDs {
		if g = normalizeID(g); g != "" {
			groups = append(groups, g)
		}
	}
	r.GroupIDs = groups
}

func normalizeID(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Validate checks the request shape. It does not touch any store.
func (r Request) Validate() error {
	if r.RequesterID == "" {
		return InvalidRequest("requester_id is required")
	}
	if r.PeriodID == "" {
		return InvalidRequest("period_id is required")
	}
	if len(r.GroupIDs) == 0 {
		return InvalidRequest("at least one group is required")
	}
	seen := make(map[string]struct{}, len(r.GroupIDs))
	for _, g := range r.GroupIDs {
		if _, dup := seen[g]; dup {
			return InvalidRequest("group %s is listed more than once", g)
		}
		seen[g] = struct{}{}
	}
	return nil
}

// IdempotencyFields returns the business-identifying fields of r.
func (r Request) IdempotencyFields() idempotency.Fields {
	return idempotency.Fields{
		Operation:   Operation,
		RequesterID: r.RequesterID,
		PeriodID:    r.PeriodID,
		Groups:      r.GroupIDs,
	}
}

// IdempotencyKey is idempotency.ComputeKey over r.
func (r Request) IdempotencyKey() string {
	return idempotency.ComputeKey(r.IdempotencyFields())
}
