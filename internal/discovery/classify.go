package discovery

import "strings"

// Default URL markers used to tell product pages from listings and account pages.
var (
	DefaultIncludeMarkers = []string{"/product/", "/products/", "/seeds/", "/strain/", "-strain-", ".html"}
	DefaultExcludeMarkers = []string{"/category/", "/collection/", "/page/", "?page=", "/cart", "/checkout", "/account"}
)

// Classifier decides whether an href names a product page.
type Classifier struct {
	include []string
	exclude []string
}

// NewClassifier builds a Classifier; empty lists fall back to the defaults.
func NewClassifier(include, exclude []string) Classifier {
	if len(include) == 0 {
		include = DefaultIncludeMarkers
	}
	if len(exclude) == 0 {
		exclude = DefaultExcludeMarkers
	}
	return Classifier{include: lowered(include), exclude: lowered(exclude)}
}

// IsProduct reports whether href contains an include marker and no exclude marker.
func (c Classifier) IsProduct(href string) bool {
	h := strings.ToLower(href)
	if !containsAny(h, c.include) {
		return false
	}
	return !containsAny(h, c.exclude)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lowered(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
