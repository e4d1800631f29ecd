package scriptengine

import (
	"fmt"
	"regexp"
	"strings"
)

// dangerousPatterns are substring checks run against the raw snippet.
// A match rejects the snippet before anything is executed.
var dangerousPatterns = []string{
	"child_process",
	"require('fs",
	`require("fs`,
	"require('net",
	`require("net`,
	"require('http",
	`require("http`,
	"require('dgram",
	`require("dgram`,
	"require('tls",
	`require("tls`,
	"require('vm",
	`require("vm`,
	"require('worker_threads",
	`require("worker_threads`,
	"process.binding",
	"process.dlopen",
	"process.mainModule",
	"new Function",
	"Function(",
	"eval(",
	"__proto__",
	"constructor[",
	"prototype[",
	"Buffer.allocUnsafe",
	"import(",
}

// blockedGlobals may not be referenced outside string or regex literals.
var blockedGlobals = []string{
	"process", "require", "module", "exports", "global", "globalThis",
	"fetch", "XMLHttpRequest", "WebSocket", "Deno", "Bun", "window",
}

var identifierRes = buildGlobalRes()

func buildGlobalRes() map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp, len(blockedGlobals))
	for _, g := range blockedGlobals {
		res[g] = regexp.MustCompile(`\b` + g + `\b`)
	}
	return res
}

// Prevalidate rejects snippets that match a dangerous pattern or reference a
// blocked global identifier. String and regex literals are blanked out
// before the identifier scan, so 'process' inside a quoted literal is fine.
func Prevalidate(code string) error {
	for _, pattern := range dangerousPatterns {
		if strings.Contains(code, pattern) {
			return fmt.Errorf("snippet contains forbidden pattern %q", pattern)
		}
	}

	blanked := blankLiterals(code)
	for _, g := range blockedGlobals {
		if identifierRes[g].MatchString(blanked) {
			return fmt.Errorf("snippet references blocked global %q", g)
		}
	}
	return nil
}

// blankLiterals replaces the contents of string literals (single, double,
// template) and regex literals with spaces, preserving length and line
// structure so any later diagnostics still point at the right place.
func blankLiterals(code string) string {
	runes := []rune(code)
	out := make([]rune, len(runes))
	copy(out, runes)

	i := 0
	// prevSignificant is the last non-space rune outside literals, used to
	// decide whether a '/' starts a regex literal or is a division operator.
	var prevSignificant rune
	for i < len(runes) {
		r := runes[i]
		switch r {
		case '\'', '"', '`':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				if runes[j] == '\\' && j+1 < len(runes) {
					out[j] = ' '
					j++
				}
				if runes[j] != '\n' {
					out[j] = ' '
				}
				j++
			}
			if j < len(runes) {
				j++
			}
			i = j
			prevSignificant = quote

		case '/':
			if i+1 < len(runes) && runes[i+1] == '/' {
				// line comment: leave as-is, identifiers in comments are
				// still scanned (comments can be un-commented by templates)
				i += 2
				prevSignificant = '/'
				continue
			}
			if i+1 < len(runes) && runes[i+1] == '*' {
				i += 2
				prevSignificant = '/'
				continue
			}
			if regexCanStart(prevSignificant) {
				j := i + 1
				inClass := false
				for j < len(runes) {
					c := runes[j]
					if c == '\\' && j+1 < len(runes) {
						out[j] = ' '
						j += 2
						continue
					}
					if c == '[' {
						inClass = true
					} else if c == ']' {
						inClass = false
					} else if c == '/' && !inClass {
						break
					} else if c == '\n' {
						break
					}
					out[j] = ' '
					j++
				}
				if j < len(runes) && runes[j] == '/' {
					j++
				}
				i = j
				prevSignificant = '/'
				continue
			}
			prevSignificant = r
			i++

		default:
			if r != ' ' && r != '\t' && r != '\n' {
				prevSignificant = r
			}
			i++
		}
	}
	return string(out)
}

// regexCanStart reports whether a '/' after the given rune can begin a regex
// literal rather than a division.
func regexCanStart(prev rune) bool {
	switch prev {
	case 0, '=', '(', ',', ':', '!', '&', '|', '?', '{', ';', '[', '+', '-', '*', '%', '<', '>':
		return true
	}
	return false
}
