// Package moderation screens request text against a key's banned-keyword
// rules before it can reach the cache or the upstream provider.
package moderation

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/tokenguard/gateway/internal/models"
)

// Result of screening one text against one rule set.
type Result struct {
	Pass    bool
	Matched string
	RuleID  int
}

// Normalize case-folds the text and collapses runs of whitespace to single
// spaces. Both request text and stored keywords go through it, so matching
// is insensitive to case and spacing. A Caser is stateful, so each call
// gets its own.
func Normalize(text string) string {
	return strings.Join(strings.Fields(cases.Fold().String(text)), " ")
}

// Screen checks text against the rules in insertion order and reports the
// first match. Matching is substring over the normalized text, uniformly
// for every rule of a key; an empty rule set always passes. Pure function,
// no side effects.
func Screen(text string, rules []models.BannedKeyword) Result {
	if len(rules) == 0 || text == "" {
		return Result{Pass: true}
	}

	normalized := Normalize(text)
	for _, rule := range rules {
		keyword := Normalize(rule.Keyword)
		if keyword == "" {
			continue
		}
		if strings.Contains(normalized, keyword) {
			return Result{Matched: rule.Keyword, RuleID: rule.ID}
		}
	}

	return Result{Pass: true}
}
