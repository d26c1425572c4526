package campaign

import (
	"math/rand"
	"strings"
	"time"
)

// Spin expands {a|b|c} groups by picking one option each. Braces without a
// '|' inside, like {name}, are left untouched.
func Spin(text string, rnd *rand.Rand) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.IndexByte(rest, '{')
		if start == -1 {
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end == -1 {
			break
		}
		end += start

		inner := rest[start+1 : end]
		b.WriteString(rest[:start])
		if strings.Contains(inner, "|") {
			options := strings.Split(inner, "|")
			b.WriteString(options[rnd.Intn(len(options))])
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
	b.WriteString(rest)
	return b.String()
}

// Jitter spreads d uniformly by up to ±fraction of itself.
func Jitter(d time.Duration, fraction float64, rnd *rand.Rand) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	offset := (rnd.Float64()*2 - 1) * fraction * float64(d)
	return d + time.Duration(offset)
}
