// Package tier holds the shared tier-definition table used by both the
// license authority and the client enforcement library. Keeping a single
// versioned table prevents the server and client feature lists from drifting.
package tier

import (
	"fmt"
	"sort"
	"strings"
)

// Tier identifies a license tier. Tiers are strictly nested: every FREE
// feature is a PRO feature, and every PRO feature is an ENTERPRISE feature.
type Tier string

const (
	Free       Tier = "FREE"
	Pro        Tier = "PRO"
	Enterprise Tier = "ENTERPRISE"
)

// Unlimited marks a limit with no cap.
const Unlimited = -1

// order is the nesting order from smallest to largest feature set.
var order = []Tier{Free, Pro, Enterprise}

// Limits are the numeric caps attached to a tier. A value of Unlimited (-1)
// means no cap is enforced for that dimension.
type Limits struct {
	DailyCalls         int `json:"daily_calls" yaml:"daily_calls"`
	MaxMachines        int `json:"max_machines" yaml:"max_machines"`
	ConcurrentSessions int `json:"concurrent_sessions" yaml:"concurrent_sessions"`
}

// Definition is the feature set and limits for one tier.
type Definition struct {
	Features []string `json:"features" yaml:"features"`
	Limits   Limits   `json:"limits" yaml:"limits"`
}

// Table is a versioned set of tier definitions. The version is bumped
// whenever features move between tiers so cached client state can be
// recognized as stale.
type Table struct {
	Version int
	defs    map[Tier]Definition
}

// Default returns the built-in tier table.
func Default() *Table {
	t, err := New(1, map[Tier]Definition{
		Free: {
			Features: []string{
				"core",
				"export_basic",
				"reports_daily",
			},
			Limits: Limits{DailyCalls: 50, MaxMachines: 1, ConcurrentSessions: 1},
		},
		Pro: {
			Features: []string{
				"core",
				"export_basic",
				"reports_daily",
				"export_advanced",
				"api_access",
				"priority_support",
			},
			Limits: Limits{DailyCalls: Unlimited, MaxMachines: 3, ConcurrentSessions: 5},
		},
		Enterprise: {
			Features: []string{
				"core",
				"export_basic",
				"reports_daily",
				"export_advanced",
				"api_access",
				"priority_support",
				"sso",
				"audit_log",
				"custom_integrations",
			},
			Limits: Limits{DailyCalls: Unlimited, MaxMachines: 10, ConcurrentSessions: Unlimited},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("tier: built-in table invalid: %v", err))
	}
	return t
}

// New builds a Table and verifies the nesting invariant. Every tier must be
// defined and each tier's feature set must contain the previous tier's.
func New(version int, defs map[Tier]Definition) (*Table, error) {
	for _, tr := range order {
		if _, ok := defs[tr]; !ok {
			return nil, fmt.Errorf("tier: missing definition for %s", tr)
		}
	}
	for i := 1; i < len(order); i++ {
		lower, higher := defs[order[i-1]], defs[order[i]]
		for _, f := range lower.Features {
			if !contains(higher.Features, f) {
				return nil, fmt.Errorf("tier: %s feature %q not present in %s", order[i-1], f, order[i])
			}
		}
	}
	copied := make(map[Tier]Definition, len(defs))
	for tr, d := range defs {
		features := append([]string(nil), d.Features...)
		sort.Strings(features)
		copied[tr] = Definition{Features: features, Limits: d.Limits}
	}
	return &Table{Version: version, defs: copied}, nil
}

// Parse normalizes a tier name. Unknown names return an error rather than
// defaulting, so a typo in configuration cannot silently grant a tier.
func Parse(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case Free:
		return Free, nil
	case Pro:
		return Pro, nil
	case Enterprise:
		return Enterprise, nil
	default:
		return "", fmt.Errorf("tier: unknown tier %q", s)
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, err := Parse(string(t))
	return err == nil
}

// Includes reports whether t's feature set contains other's, i.e. t is the
// same tier or a superset of other in the nesting order.
func (t Tier) Includes(other Tier) bool {
	return rank(t) >= rank(other)
}

func rank(t Tier) int {
	for i, tr := range order {
		if tr == t {
			return i
		}
	}
	return -1
}

func contains(features []string, f string) bool {
	for _, have := range features {
		if have == f {
			return true
		}
	}
	return false
}

// Definition returns the definition for t, falling back to FREE for unknown
// tiers so a corrupt stored tier never grants more than the free set.
func (tb *Table) Definition(t Tier) Definition {
	if d, ok := tb.defs[t]; ok {
		return d
	}
	return tb.defs[Free]
}

// Features returns a copy of the feature list for t.
func (tb *Table) Features(t Tier) []string {
	return append([]string(nil), tb.Definition(t).Features...)
}

// Limits returns the limits for t.
func (tb *Table) Limits(t Tier) Limits {
	return tb.Definition(t).Limits
}

// Has reports whether feature is within tier t.
func (tb *Table) Has(t Tier, feature string) bool {
	return contains(tb.Definition(t).Features, feature)
}

// RequiredTier returns the smallest tier whose feature set contains feature.
// The second return is false when no tier offers the feature.
func (tb *Table) RequiredTier(feature string) (Tier, bool) {
	for _, tr := range order {
		if contains(tb.defs[tr].Features, feature) {
			return tr, true
		}
	}
	return "", false
}

// Tiers returns all tiers from smallest to largest feature set.
func (tb *Table) Tiers() []Tier {
	return append([]Tier(nil), order...)
}
