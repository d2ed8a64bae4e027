// Package filter implements the listing matching engine.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"market_watch/internal/model"
)

// Criteria is the client-side part of a monitor's search parameters.
type Criteria struct {
	Keywords   []string
	Excluded   []string
	MinPrice   *float64
	MaxPrice   *float64
	Conditions []string
	Sellers    []string
}

// ExcludeByTitle drops items whose title matches any excluded keyword.
// Items keep their relative order.
func ExcludeByTitle(items []model.Item, excluded []string) []model.Item {
	if len(excluded) == 0 {
		return items
	}
	m := newMatcher(excluded)
	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if !m.match(it.Title) {
			out = append(out, it)
		}
	}
	return out
}

// Apply keeps the items that pass every criterion in c.
// Keywords use OR logic (at least one must occur in the title).
// Excluded keywords use AND logic (none may match the title).
// Empty conditions or sellers accept any value.
func Apply(items []model.Item, c Criteria) []model.Item {
	include := newMatcher(c.Keywords)
	exclude := newMatcher(c.Excluded)
	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if len(c.Keywords) > 0 && !include.match(it.Title) {
			continue
		}
		if exclude.match(it.Title) {
			continue
		}
		if !InPriceRange(it.Price, c.MinPrice, c.MaxPrice) {
			continue
		}
		if !oneOf(it.Condition, c.Conditions) || !oneOf(it.Seller, c.Sellers) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// InPriceRange reports whether price lies within the optional bounds, inclusive.
func InPriceRange(price float64, min, max *float64) bool {
	if min != nil && price < *min {
		return false
	}
	if max != nil && price > *max {
		return false
	}
	return true
}

// matcher tests text against keywords case-insensitively. A keyword that
// compiles as a regular expression is matched as one; otherwise it is a
// plain substring.
type matcher struct {
	res   []*regexp.Regexp
	plain []string
}

func newMatcher(keywords []string) matcher {
	var m matcher
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + kw)
		if err != nil {
			m.plain = append(m.plain, strings.ToLower(kw))
			continue
		}
		m.res = append(m.res, re)
	}
	return m
}

func (m matcher) match(text string) bool {
	for _, re := range m.res {
		if re.MatchString(text) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, p := range m.plain {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func oneOf(v string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// ValidateKeyword checks that a keyword is usable in a search.
func ValidateKeyword(kw string) error {
	kw = strings.TrimSpace(kw)
	if kw == "" {
		return fmt.Errorf("%w: empty keyword", model.ErrInvalidArgument)
	}
	if len(kw) > 100 {
		return fmt.Errorf("%w: keyword longer than 100 characters", model.ErrInvalidArgument)
	}
	return nil
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}
