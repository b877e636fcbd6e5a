package rtp

import (
	"strconv"
	"strings"
)

// Vars are the placeholder values for message templates, keyed without the
// surrounding percent signs.
type Vars map[string]int

// Expand replaces %name% placeholders in tmpl. Unknown placeholders are kept.
func Expand(tmpl string, vars Vars) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "%") {
		return tmpl
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "%"+k+"%", strconv.Itoa(v))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
