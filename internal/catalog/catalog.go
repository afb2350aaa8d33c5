// Package catalog turns internal board group titles into customer-facing
// product names and orders them for presentation.
package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"activationdesk/internal/domain"
)

// DefaultPriority sorts unknown products last.
const DefaultPriority = 99

// Rule maps a group title prefix to a base product name.
type Rule struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Base   string `yaml:"base" json:"base"`
}

// DefaultRules lists prefixes in match order. Longer tokens precede the
// shorter tokens they contain.
var DefaultRules = []Rule{
	{Prefix: "DFP", Base: "FilmPack"},
	{Prefix: "DVP", Base: "ViewPoint"},
	{Prefix: "PR", Base: "PureRaw"},
	{Prefix: "PL", Base: "PhotoLab"},
	{Prefix: "NIK", Base: "Nik Collection"},
	{Prefix: "VP", Base: "ViewPoint"},
	{Prefix: "FP", Base: "FilmPack"},
}

// DefaultPriorities orders base product names; lower comes first.
var DefaultPriorities = map[string]int{
	"PhotoLab":       1,
	"Nik":            2,
	"Nik Collection": 2,
	"PureRaw":        3,
	"FilmPack":       4,
	"ViewPoint":      5,
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Mapper applies rules in order; the first match wins.
type Mapper struct {
	rules []compiledRule
}

// NewMapper compiles rules. It fails on empty prefixes or bases and on an
// order where a prefix shadows a longer prefix containing it.
func NewMapper(rules []Rule) (*Mapper, error) {
	if err := CheckOrder(rules); err != nil {
		return nil, err
	}
	m := &Mapper{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(`(?i)\b(` + regexp.QuoteMeta(r.Prefix) + `)\s?-?(\d+)\b`)
		if err != nil {
			return nil, fmt.Errorf("compile prefix %s: %w", r.Prefix, err)
		}
		m.rules = append(m.rules, compiledRule{Rule: r, re: re})
	}
	return m, nil
}

// CheckOrder validates a rule list without compiling it.
func CheckOrder(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		prefix := strings.ToUpper(strings.TrimSpace(r.Prefix))
		if prefix == "" {
			return fmt.Errorf("rule %d has empty prefix", i)
		}
		if strings.TrimSpace(r.Base) == "" {
			return fmt.Errorf("prefix %s has empty base name", r.Prefix)
		}
		if seen[prefix] {
			return fmt.Errorf("prefix %s listed twice", r.Prefix)
		}
		seen[prefix] = true
		for _, later := range rules[i+1:] {
			lp := strings.ToUpper(strings.TrimSpace(later.Prefix))
			if len(lp) > len(prefix) && strings.Contains(lp, prefix) {
				return fmt.Errorf("prefix %s must be listed before %s", later.Prefix, r.Prefix)
			}
		}
	}
	return nil
}

// DisplayName returns "<base> <version>" for the first matching rule, or the
// title unchanged.
func (m *Mapper) DisplayName(title string) string {
	for _, r := range m.rules {
		match := r.re.FindStringSubmatch(title)
		if match == nil {
			continue
		}
		return r.Base + " " + match[2]
	}
	return title
}

// Label is the selection label shown for a group.
func (m *Mapper) Label(title string) string {
	name := m.DisplayName(title)
	if name == title {
		return title
	}
	return fmt.Sprintf("%s (%s)", title, name)
}

// Ordering assigns sort priorities to display names.
type Ordering struct {
	Priorities map[string]int
	Default    int
}

// NewOrdering returns an Ordering; a zero fallback means DefaultPriority.
func NewOrdering(priorities map[string]int, fallback int) Ordering {
	if fallback == 0 {
		fallback = DefaultPriority
	}
	return Ordering{Priorities: priorities, Default: fallback}
}

// BaseName is the run of words before the first purely numeric word.
func BaseName(displayName string) string {
	var parts []string
	for _, word := range strings.Fields(displayName) {
		if isDigits(word) {
			break
		}
		parts = append(parts, word)
	}
	return strings.Join(parts, " ")
}

// Priority returns the sort key for displayName.
func (o Ordering) Priority(displayName string) int {
	base := BaseName(displayName)
	if p, ok := o.Priorities[base]; ok {
		return p
	}
	if first, _, multi := strings.Cut(base, " "); multi {
		if p, ok := o.Priorities[first]; ok {
			return p
		}
	}
	return o.Default
}

// SortFound orders items by priority, keeping discovery order on ties.
func (o Ordering) SortFound(items []domain.FoundItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return o.Priority(items[i].DisplayName) < o.Priority(items[j].DisplayName)
	})
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
