package command

import "strings"

// Render substitutes "{name}" placeholders in an argv template. Unknown
// placeholders are left as-is; the external tool will complain louder than
// we can.
func Render(argv []string, vars map[string]string) []string {
	if len(vars) == 0 {
		return append([]string(nil), argv...)
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
