// Package auth implements identity-to-PSK resolution and authorization
// pattern matching: every submitted command must match at least one
// pattern registered for the presenting identity (or the "*" wildcard
// identity) before a receiver forwards it to the sink.
//
// Grounded on original_source/src/server/auth.c for the identity table
// shape and the three-step is_authorized validation, and
// original_source/src/server/hash.c for the duplicate-identity-rejected-
// at-load semantics.
package auth

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Record is one identity's credential and authorization patterns.
type Record struct {
	Password string
	Patterns []*regexp.Regexp
}

// Table maps identity to Record, with "*" reserved as the wildcard
// fallback identity consulted when no exact match exists.
type Table struct {
	records map[string]*Record
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{records: make(map[string]*Record)}
}

// Add registers identity's record. It returns an error if identity was
// already registered, matching the original hash table's
// duplicate-identity rejection instead of silently overwriting.
func (t *Table) Add(identity string, rec *Record) error {
	if _, exists := t.records[identity]; exists {
		return fmt.Errorf("auth: duplicate identity %q", identity)
	}
	t.records[identity] = rec
	return nil
}

// lookup resolves identity, falling back to the "*" wildcard record.
func (t *Table) lookup(identity string) (*Record, bool) {
	if rec, ok := t.records[identity]; ok {
		return rec, true
	}
	rec, ok := t.records["*"]
	return rec, ok
}

// CheckPSK implements pskconn.CheckPSK against this table.
func (t *Table) CheckPSK(identity string) ([]byte, bool) {
	rec, ok := t.lookup(identity)
	if !ok {
		return nil, false
	}
	return []byte(rec.Password), true
}

// IsAuthorized reports whether identity may submit line, a complete
// "[<epoch>] <command>\n" record. It validates, in order:
//  1. line ends in a newline;
//  2. line begins with a bracketed timestamp prefix;
//  3. the body following the closing bracket matches at least one of
//     identity's (or the wildcard's) compiled patterns.
func (t *Table) IsAuthorized(identity string, line []byte) bool {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		return false
	}

	if len(line) == 0 || line[0] != '[' {
		return false
	}
	end := bytes.IndexByte(line, ']')
	if end < 0 {
		return false
	}
	body := line[end+1:]
	if len(body) > 0 && body[0] == ' ' {
		body = body[1:]
	}

	rec, ok := t.lookup(identity)
	if !ok {
		return false
	}

	for _, pat := range rec.Patterns {
		if pat.Match(body) {
			return true
		}
	}
	return false
}

// CompilePatterns wraps an authorize block's commands/hosts/services
// pattern strings (already split out of configuration) into the anchored
// regexes a submitted command body is OR-matched against. The three lists
// are independent, not nested: commands patterns are matched verbatim
// against the whole body, hosts patterns are each wrapped for
// PROCESS_HOST_CHECK_RESULT, and services patterns are each wrapped for
// PROCESS_SERVICE_CHECK_RESULT, with an optional "<service>@<host>"
// suffix selecting the host pattern instead of matching any host. This
// mirrors original_source/src/server/auth.c's three independent pattern
// loops over the same identity record. Compiling the raw pattern-string
// grammar itself (quoting, list expansion) is internal/config's job; this
// function only performs the wrapping transformation into an
// authorization regex.
func CompilePatterns(commands, hosts, services []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp

	for _, c := range commands {
		re, err := compileAnchored(c)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}

	for _, h := range hosts {
		pat := fmt.Sprintf(`PROCESS_HOST_CHECK_RESULT;%s;.+`, h)
		re, err := compileAnchored(pat)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}

	for _, s := range services {
		svcPat, hostPat := s, `[^;]+`
		if i := strings.LastIndex(s, "@"); i >= 0 {
			svcPat, hostPat = s[:i], s[i+1:]
		}
		pat := fmt.Sprintf(`PROCESS_SERVICE_CHECK_RESULT;%s;%s;.+;.+`, hostPat, svcPat)
		re, err := compileAnchored(pat)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}

	return out, nil
}

// compileAnchored wraps pat the way every authorization pattern is
// matched: anchored at the start, with an optional trailing newline
// allowed before the end (the body IsAuthorized matches still carries the
// line's trailing '\n'; the optional newline keeps the regex matching
// either form).
func compileAnchored(pat string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^" + pat + `\n?$`)
	if err != nil {
		return nil, fmt.Errorf("auth: compile pattern %q: %w", pat, err)
	}
	return re, nil
}
