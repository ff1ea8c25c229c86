package bus

import "strings"

// pattern is a compiled subscription pattern. Patterns are dotted
// segments; "*" matches exactly one segment, "**" matches one or more
// trailing segments and must appear last.
type pattern struct {
	raw      string
	segments []string
	suffix   bool // true when the pattern ends in "**"
}

func compilePattern(raw string) pattern {
	segs := strings.Split(raw, ".")
	suffix := false
	if len(segs) > 0 && segs[len(segs)-1] == "**" {
		suffix = true
		segs = segs[:len(segs)-1]
	}
	return pattern{raw: raw, segments: segs, suffix: suffix}
}

// matches reports whether topic satisfies the compiled pattern.
func (p pattern) matches(topic string) bool {
	topicSegs := strings.Split(topic, ".")

	if p.suffix {
		if len(topicSegs) < len(p.segments)+1 {
			return false
		}
	} else if len(topicSegs) != len(p.segments) {
		return false
	}

	for i, seg := range p.segments {
		if seg == "*" {
			continue
		}
		if seg != topicSegs[i] {
			return false
		}
	}
	return true
}
