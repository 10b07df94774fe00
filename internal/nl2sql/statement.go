package nl2sql

import (
	"fmt"
	"strings"

	"github.com/duckmesh/sqlrag/internal/llm"
)

// CheckStatement strips markdown fences from a generated statement and, when
// enforceSelect is set, rejects anything that is not a SELECT or WITH query.
func CheckStatement(statement string, enforceSelect bool) (string, error) {
	statement = llm.StripMarkdown(statement)
	if statement == "" {
		return "", fmt.Errorf("%w: empty sql statement", llm.ErrParse)
	}
	if !enforceSelect {
		return statement, nil
	}
	keyword := leadingKeyword(statement)
	if keyword != "SELECT" && keyword != "WITH" {
		return "", fmt.Errorf("%w: statement must start with SELECT or WITH, got %q", llm.ErrParse, keyword)
	}
	return statement, nil
}

func leadingKeyword(statement string) string {
	rest := strings.TrimSpace(statement)
	for {
		switch {
		case strings.HasPrefix(rest, "--"):
			_, after, found := strings.Cut(rest, "\n")
			if !found {
				return ""
			}
			rest = strings.TrimSpace(after)
		case strings.HasPrefix(rest, "/*"):
			_, after, found := strings.Cut(rest, "*/")
			if !found {
				return ""
			}
			rest = strings.TrimSpace(after)
		case strings.HasPrefix(rest, "("):
			rest = strings.TrimSpace(rest[1:])
		default:
			end := strings.IndexFunc(rest, func(r rune) bool {
				return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
			})
			if end < 0 {
				end = len(rest)
			}
			return strings.ToUpper(rest[:end])
		}
	}
}
