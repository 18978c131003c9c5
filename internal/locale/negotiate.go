// Package locale negotiates a BCP-47 language tag per RFC 9110 §12.5.4,
// honouring an explicit override before falling back to Accept-Language.
package locale

import (
	"golang.org/x/text/language"
)

// Default is used when nothing supported can be matched.
const Default = "en-US"

// Negotiator picks a supported locale for a request.
type Negotiator struct {
	supported []language.Tag
	tags      []string
	matcher   language.Matcher
}

// NewNegotiator builds a negotiator over the given supported BCP-47 tags.
// The first tag is the fallback if nothing else matches. Invalid tags are
// dropped (silently, as spec'd — "invalid tags are ignored").
func NewNegotiator(supportedTags []string) *Negotiator {
	if len(supportedTags) == 0 {
		supportedTags = []string{Default}
	}

	var tags []language.Tag
	var valid []string
	for _, t := range supportedTags {
		parsed, err := language.Parse(t)
		if err != nil {
			continue
		}
		tags = append(tags, parsed)
		valid = append(valid, t)
	}
	if len(tags) == 0 {
		tags = []language.Tag{language.AmericanEnglish}
		valid = []string{Default}
	}

	return &Negotiator{
		supported: tags,
		tags:      valid,
		matcher:   language.NewMatcher(tags),
	}
}

// Supported reports whether tag (as written by a client, e.g. "fr-CA") is in
// the supported set.
func (n *Negotiator) Supported(tag string) bool {
	parsed, err := language.Parse(tag)
	if err != nil {
		return false
	}
	for _, s := range n.supported {
		if s == parsed {
			return true
		}
	}
	return false
}

// Negotiate resolves the effective locale for a request: an explicit
// override (X-User-Locale or ?locale=) wins when it's in the supported set;
// otherwise Accept-Language is parsed and the highest-q supported match is
// used; otherwise the fallback (first supported tag, default en-US).
func (n *Negotiator) Negotiate(acceptLanguage, override string) string {
	if override != "" && n.Supported(override) {
		return canonical(override)
	}

	if acceptLanguage != "" {
		if tag, ok := n.bestAcceptLanguageMatch(acceptLanguage); ok {
			return tag
		}
	}

	return n.tags[0]
}

func (n *Negotiator) bestAcceptLanguageMatch(acceptLanguage string) (string, bool) {
	parsed, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(parsed) == 0 {
		return "", false
	}

	_, index, confidence := n.matcher.Match(parsed...)
	if confidence == language.No {
		return "", false
	}
	return n.tags[index], true
}

func canonical(tag string) string {
	parsed, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	return parsed.String()
}
