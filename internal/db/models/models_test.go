package models

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseTier / Tier.Valid / Tier.Table
// ---------------------------------------------------------------------------

func TestParseTier_Known(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{"stable", TierStable},
		{"beta", TierBeta},
		{"  Beta ", TierBeta},
		{"STABLE", TierStable},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if err != nil {
			t.Errorf("ParseTier(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTier_Unknown(t *testing.T) {
	for _, in := range []string{"", "nightly", "stable-beta"} {
		if _, err := ParseTier(in); err == nil {
			t.Errorf("ParseTier(%q) should fail", in)
		}
	}
}

func TestTier_Valid(t *testing.T) {
	if !TierStable.Valid() || !TierBeta.Valid() {
		t.Error("known tiers should be valid")
	}
	if Tier("nightly").Valid() {
		t.Error("unknown tier should not be valid")
	}
}

func TestTier_Table(t *testing.T) {
	if got := TierStable.Table(); got != "stable_api_keys" {
		t.Errorf("TierStable.Table() = %q", got)
	}
	if got := TierBeta.Table(); got != "beta_api_keys" {
		t.Errorf("TierBeta.Table() = %q", got)
	}
}

func TestTiers_DisplayOrder(t *testing.T) {
	if len(Tiers) != 2 || Tiers[0] != TierStable || Tiers[1] != TierBeta {
		t.Errorf("Tiers = %v, want [stable beta]", Tiers)
	}
}

// ---------------------------------------------------------------------------
// NormalizeOwnerUID
// ---------------------------------------------------------------------------

func TestNormalizeOwnerUID_StripsHyphens(t *testing.T) {
	got := NormalizeOwnerUID("a1b2-c3d4-e5f6")
	if got != "a1b2c3d4e5f6" {
		t.Errorf("NormalizeOwnerUID = %q", got)
	}
}

func TestNormalizeOwnerUID_Truncates(t *testing.T) {
	in := strings.Repeat("ab-", 20)
	got := NormalizeOwnerUID(in)
	if len(got) != OwnerUIDMaxLength {
		t.Errorf("len = %d, want %d", len(got), OwnerUIDMaxLength)
	}
	if strings.Contains(got, "-") {
		t.Errorf("NormalizeOwnerUID = %q still contains a hyphen", got)
	}
}

func TestNormalizeOwnerUID_ShortUnchanged(t *testing.T) {
	if got := NormalizeOwnerUID("1234567890"); got != "1234567890" {
		t.Errorf("NormalizeOwnerUID = %q", got)
	}
}
