package result

import (
	"regexp"

	"github.com/msageha/aispire/internal/model"
)

type keywordGroup struct {
	category model.Category
	pattern  *regexp.Regexp
}

// Keyword groups in match order. Patterns anchor on a leading word boundary
// only, so "connect" also matches "connection" but "full" never matches
// "successfully".
var keywordGroups = []keywordGroup{
	{model.CategorySyntax, regexp.MustCompile(`(?i)\b(syntax|parse error|unexpected (symbol|token)|malformed|unfinished (string|long)|'end' expected|near '.+')`)},
	{model.CategoryConnection, regexp.MustCompile(`(?i)\b(connect|disconnect|socket|network|broken pipe|unreachable|reset by peer)`)},
	{model.CategoryAuthentication, regexp.MustCompile(`(?i)\b(authenticat|unauthori[sz]ed|auth token|invalid token|credential)`)},
	{model.CategoryPermission, regexp.MustCompile(`(?i)\b(permission|access denied|forbidden|not allowed|not permitted)`)},
	{model.CategoryTimeout, regexp.MustCompile(`(?i)\b(time ?out|timed out|deadline)`)},
	{model.CategoryValidation, regexp.MustCompile(`(?i)\b(invalid|validation|argument|missing (parameter|field)|required|out of range)`)},
	{model.CategoryResource, regexp.MustCompile(`(?i)\b(memory|resource|disk space|quota|capacity|queue is full|too many)`)},
	{model.CategoryRuntime, regexp.MustCompile(`(?i)\b(runtime|exception|attempt to|nil value|stack overflow|panic)`)},
}

// Categorize maps free-form error text to a category. The first matching
// keyword group wins; no match yields CategoryUnknown.
func Categorize(message string) model.Category {
	for _, g := range keywordGroups {
		if g.pattern.MatchString(message) {
			return g.category
		}
	}
	return model.CategoryUnknown
}
