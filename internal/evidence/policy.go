package evidence

import (
	"fmt"
	"regexp"
	"strings"
)

// AttributionPolicy decides whether a source text attributes its claims to an authority.
type AttributionPolicy interface {
	Matches(text string) bool
}

// DefaultAttributionPhrases covers English, Danish, and German authority phrasing.
// Each entry is a regular expression matched case-insensitively on letter boundaries.
var DefaultAttributionPhrases = []string{
	`police (said|say|says|confirmed|confirms|confirm|stated|reported)`,
	`according to (the )?(police|authorities|military|armed forces|ministry of defen[cs]e|defen[cs]e ministry|airport operator)`,
	`(police|military|ministry|airport) spokes(man|woman|person)`,
	`officials? (said|confirmed|stated)`,
	`authorities (said|confirmed|stated)`,
	`politiet (oplyser|bekræfter|siger|meddeler|skriver)`,
	`ifølge (politiet|forsvaret|myndighederne)`,
	`forsvaret (oplyser|bekræfter|siger)`,
	`vagtchef`,
	`laut (polizei|bundeswehr|behörden)`,
	`(die )?polizei (bestätigt|bestätigte|teilte mit|meldet)`,
	`polizeisprecher(in)?`,
	`bundeswehr (bestätigt|bestätigte|teilte mit)`,
}

// KeywordPolicy matches a configurable set of phrase patterns.
type KeywordPolicy struct {
	patterns []*regexp.Regexp
}

// NewKeywordPolicy compiles phrases. Empty entries are ignored.
func NewKeywordPolicy(phrases []string) (*KeywordPolicy, error) {
	p := &KeywordPolicy{}
	for _, phrase := range phrases {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}
		// RE2's \b is ASCII-only, which breaks on "bekræfter" and friends.
		re, err := regexp.Compile(`(?i)(?:^|[^\p{L}])(?:` + phrase + `)(?:$|[^\p{L}])`)
		if err != nil {
			return nil, fmt.Errorf("invalid attribution phrase %q: %w", phrase, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// DefaultKeywordPolicy returns a policy over DefaultAttributionPhrases.
func DefaultKeywordPolicy() *KeywordPolicy {
	p, err := NewKeywordPolicy(DefaultAttributionPhrases)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether text contains any attribution phrase.
func (p *KeywordPolicy) Matches(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range p.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (p *KeywordPolicy) Len() int {
	return len(p.patterns)
}
