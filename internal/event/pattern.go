package event

import "strings"

// MatchPattern reports whether a dotted event type satisfies a subscription
// pattern. "*" as a segment matches exactly one segment; "**" (or a bare
// top-level "*") matches any remainder including none.
//
// Examples:
//
//	MatchPattern("resource.*", "resource.cpu_spike")  == true
//	MatchPattern("resource.*", "resource.cpu.spike")  == false
//	MatchPattern("resource.**", "resource.cpu.spike") == true
//	MatchPattern("*", "anything.at.all")              == true
func MatchPattern(pattern, typ string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(typ, "."))
}

func matchSegments(pat, segs []string) bool {
	for i, p := range pat {
		if p == "**" {
			// Only supported as the final pattern segment.
			return i == len(pat)-1
		}
		if i >= len(segs) {
			return false
		}
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return len(pat) == len(segs)
}
