package suppression

import (
	"sort"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/rules"
)

// Subject is the part of a candidate or alert a predicate looks at
type Subject struct {
	RuleID   string
	Source   string
	Severity database.Severity
	Tags     map[string]string
}

// SubjectOfCandidate extracts the matchable fields of a candidate
func SubjectOfCandidate(c *rules.Candidate) Subject {
	return Subject{RuleID: c.RuleID, Source: c.Source, Severity: c.Severity, Tags: c.Tags}
}

// SubjectOfAlert extracts the matchable fields of an alert
func SubjectOfAlert(a *database.Alert) Subject {
	return Subject{RuleID: a.RuleID, Source: a.Source, Severity: a.Severity, Tags: a.Tags}
}

// Matches reports whether every non-empty field of p matches s.
// A tag value of "*" only requires the tag to be present.
func Matches(p database.MatchPredicate, s Subject) bool {
	if p.IsEmpty() {
		return false
	}
	if len(p.Sources) > 0 && !containsString(p.Sources, s.Source) {
		return false
	}
	if len(p.RuleIDs) > 0 && !containsString(p.RuleIDs, s.RuleID) {
		return false
	}
	if len(p.Severities) > 0 {
		found := false
		for _, sev := range p.Severities {
			if sev == s.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, want := range p.Tags {
		got, ok := s.Tags[k]
		if !ok || (want != "*" && got != want) {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// moreRestrictive reports whether a outlasts b: an indefinite window wins,
// otherwise the later active_until wins; ties go to the smaller id.
func moreRestrictive(a, b *database.SuppressionRule) bool {
	switch {
	case a.ActiveUntil == nil && b.ActiveUntil != nil:
		return true
	case a.ActiveUntil != nil && b.ActiveUntil == nil:
		return false
	case a.ActiveUntil != nil && b.ActiveUntil != nil && !a.ActiveUntil.Equal(*b.ActiveUntil):
		return a.ActiveUntil.After(*b.ActiveUntil)
	}
	return a.ID < b.ID
}

// sortByRestrictiveness orders rules most restrictive first
func sortByRestrictiveness(rs []*database.SuppressionRule) {
	sort.Slice(rs, func(i, j int) bool { return moreRestrictive(rs[i], rs[j]) })
}
