package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// keyDomain separates these digests from any other SHA-256 use.
const keyDomain = "enrollment-sagas/idempotency/v1"

// Fields are the business-identifying parts of a request. Anything else
// (correlation ids, timestamps, client metadata) must stay out.
type Fields struct {
	Operation   string
	RequesterID string
	PeriodID    string
	Groups      []string
}

// canonicalForm has its fields in lexical order so encoding/json emits
// sorted keys.
type canonicalForm struct {
	Groups      []string `json:"groups"`
	Operation   string   `json:"operation"`
	PeriodID    string   `json:"period_id"`
	RequesterID string   `json:"requester_id"`
}

func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Canonical returns the order-independent JSON form of f.
func Canonical(f Fields) []byte {
	groups := make([]string, 0, len(f.Groups))
	for _, g := range f.Groups {
		groups = append(groups, clean(g))
	}
	sort.Strings(groups)

	// Marshal cannot fail for strings and string slices.
	out, _ := json.Marshal(canonicalForm{
		Groups:      groups,
		Operation:   clean(f.Operation),
		PeriodID:    clean(f.PeriodID),
		RequesterID: clean(f.RequesterID),
	})
	return out
}

// ComputeKey returns the 64-char hex digest identifying f.
func ComputeKey(f Fields) string {
	h := sha256.New()
	h.Write([]byte(keyDomain))
	h.Write([]byte{0x00})
	h.Write(Canonical(f))
	return hex.EncodeToString(h.Sum(nil))
}
