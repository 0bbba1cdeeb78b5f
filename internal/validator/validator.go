// Package validator scores fetched HTML with structural and vocabulary checks.
//
// Every check is boolean and carries equal weight; the score is their mean
// and a page is accepted when the score reaches the configured threshold.
package validator

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
)

// Check names reported in crawler.Validation.Checks.
const (
	CheckMinSize          = "min_size"
	CheckHasTitle         = "has_title"
	CheckHasDomainContent = "has_domain_content"
	CheckNotBlocked       = "not_blocked"
	CheckNotErrorPage     = "not_error_page"
	CheckHasStructure     = "has_structure"
	CheckReasonableSize   = "reasonable_size"
	CheckHasTextContent   = "has_text_content"
)

// Config tunes thresholds and vocabularies. The set of checks is fixed.
type Config struct {
	AcceptThreshold float64
	DomainKeywords  []string
	BlockTokens     []string
	ErrorTokens     []string
	MinBytes        int
	MaxBytes        int
	MinTextChars    int
}

// DefaultConfig returns the stock thresholds and vocabularies.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold: 0.75,
		DomainKeywords:  []string{"strain", "cannabis", "thc", "cbd", "seed"},
		BlockTokens:     []string{"blocked", "captcha", "access denied", "forbidden"},
		ErrorTokens:     []string{"404", "403", "500", "error"},
		MinBytes:        5000,
		MaxBytes:        5000000,
		MinTextChars:    500,
	}
}

// Validator implements crawler.Validator. It holds no mutable state.
type Validator struct {
	threshold    float64
	keywords     [][]byte
	blockTokens  [][]byte
	errorTokens  [][]byte
	minBytes     int
	maxBytes     int
	minTextChars int
}

var _ crawler.Validator = (*Validator)(nil)

// New constructs a Validator. Domain and block vocabularies are matched
// case-insensitively; error tokens are matched verbatim.
func New(cfg Config) *Validator {
	return &Validator{
		threshold:    cfg.AcceptThreshold,
		keywords:     lowerAll(cfg.DomainKeywords),
		blockTokens:  lowerAll(cfg.BlockTokens),
		errorTokens:  verbatim(cfg.ErrorTokens),
		minBytes:     cfg.MinBytes,
		maxBytes:     cfg.MaxBytes,
		minTextChars: cfg.MinTextChars,
	}
}

// Validate runs every check against body. url is accepted for symmetry with
// the provider contract and does not influence the verdict.
func (v *Validator) Validate(body []byte, _ string) crawler.Validation {
	lower := bytes.ToLower(body)
	checks := map[string]bool{
		CheckMinSize:          len(body) > v.minBytes,
		CheckHasTitle:         bytes.Contains(lower, []byte("<title")),
		CheckHasDomainContent: containsAny(lower, v.keywords),
		CheckNotBlocked:       !containsAny(lower, v.blockTokens),
		CheckNotErrorPage:     !containsAny(body, v.errorTokens),
		CheckHasStructure: bytes.Contains(lower, []byte("<html")) &&
			bytes.Contains(lower, []byte("<body")) &&
			bytes.Contains(lower, []byte("</html>")),
		CheckReasonableSize: len(body) < v.maxBytes,
		CheckHasTextContent: textChars(body) > v.minTextChars,
	}

	passed := 0
	for _, ok := range checks {
		if ok {
			passed++
		}
	}
	score := float64(passed) / float64(len(checks))
	return crawler.Validation{
		Accepted: score >= v.threshold,
		Score:    score,
		Checks:   checks,
	}
}

// textChars counts non-whitespace runes outside of markup.
func textChars(body []byte) int {
	z := html.NewTokenizer(bytes.NewReader(body))
	n := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return n
		case html.TextToken:
			for text := z.Text(); len(text) > 0; {
				r, size := utf8.DecodeRune(text)
				if !unicode.IsSpace(r) {
					n++
				}
				text = text[size:]
			}
		}
	}
}

func containsAny(haystack []byte, needles [][]byte) bool {
	for _, n := range needles {
		if bytes.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func lowerAll(words []string) [][]byte {
	out := make([][]byte, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(w)))
	}
	return out
}

func verbatim(words []string) [][]byte {
	out := make([][]byte, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		out = append(out, []byte(w))
	}
	return out
}
