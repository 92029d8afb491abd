// key_record.go defines KeyRecord, the persisted credential state of one account
// for one tier, and the Tier namespace enum.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is one of the independent key namespaces. An account holds at most one
// KeyRecord per tier.
type Tier string

const (
	TierStable Tier = "stable"
	TierBeta   Tier = "beta"
)

// Tiers lists every tier in display order.
var Tiers = []Tier{TierStable, TierBeta}

// ParseTier converts a path or config value into a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierStable:
		return TierStable, nil
	case TierBeta:
		return TierBeta, nil
	default:
		return "", fmt.Errorf("unknown tier %q (must be stable or beta)", s)
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierStable || t == TierBeta
}

// Table returns the store table holding records of this tier.
func (t Tier) Table() string {
	if t == TierBeta {
		return "beta_api_keys"
	}
	return "stable_api_keys"
}

// KeyRecord is one account's credential for one tier.
//
// PartialKey is generated once at issuance and never regenerated. CompleteKey is
// written later by the completion bot; once set it is never cleared or replaced.
type KeyRecord struct {
	Tier        Tier      `db:"-"`
	ID          string    `db:"id"` // normalized owner UID (beta) or surrogate UUID (stable)
	UserEmail   string    `db:"user_email"`
	Name        string    `db:"name"`
	PartialKey  string    `db:"api_key"`
	CompleteKey *string   `db:"complete_api_key"`
	CreatedAt   time.Time `db:"created_at"`
}

// OwnerUIDMaxLength bounds the normalized identity-provider subject used as the
// beta-tier primary key.
const OwnerUIDMaxLength = 32

// NormalizeOwnerUID strips hyphens from a provider subject and truncates it to
// OwnerUIDMaxLength characters.
func NormalizeOwnerUID(accountID string) string {
	uid := strings.ReplaceAll(accountID, "-", "")
	if len(uid) > OwnerUIDMaxLength {
		uid = uid[:OwnerUIDMaxLength]
	}
	return uid
}
