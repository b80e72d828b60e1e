package shellcmd

import (
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Render joins argv into a single bash-quoted command line.
func Render(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			q = strconv.Quote(a)
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}
