package performance

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// expand replaces {{name}} with a VU or scenario variable and {{env.NAME}}
// with a named override. Unknown variables are left in place; an unknown
// env name expands to "" so a Set default can take over.
func expand(input string, lookup func(string) (string, bool), env map[string]string) string {
	if !strings.Contains(input, "{{") {
		return input
	}
	return placeholderRe.ReplaceAllStringFunc(input, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if envName, ok := strings.CutPrefix(name, "env."); ok {
			return env[envName]
		}
		if v, ok := lookup(name); ok {
			return v
		}
		return m
	})
}
