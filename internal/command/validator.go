// Package command renders Lua command templates and validates generated
// script text before it is queued for the downstream executor.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/msageha/aispire/internal/model"
)

// Denylisted calls. Patterns run against code with string literals and
// comments blanked out.
var harmfulPatterns = []string{
	`\bos\s*\.\s*(execute|remove|rename|exit|tmpname|getenv)\b`,
	`\bio\s*\.\s*(open|popen|lines|input|output|tmpfile|read|write)\b`,
	`\bloadfile\b`,
	`\bdofile\b`,
	`\bloadstring\b`,
	`\bload\s*\(`,
	`\bpackage\s*\.\s*(loadlib|cpath|path)\b`,
	`\brequire\b`,
	`\bdebug\s*\.\s*\w+`,
	`\b(setfenv|getfenv|rawset|rawget|setmetatable)\b`,
}

// Names that may not be reached through a string-keyed index such as
// _G["dofile"] or _ENV['os'].
var deniedGlobals = map[string]bool{
	"os": true, "io": true, "dofile": true, "loadfile": true, "loadstring": true,
	"load": true, "require": true, "package": true, "debug": true,
	"setfenv": true, "getfenv": true, "rawset": true, "rawget": true, "setmetatable": true,
}

var globalIndex = regexp.MustCompile(`\b(_G|_ENV)\s*\[`)

// Validator checks Lua script text for bracket/string balance and for
// denylisted operations.
type Validator struct {
	patterns []*regexp.Regexp
}

// NewValidator compiles the default denylist plus any extra patterns.
func NewValidator(extra ...string) (*Validator, error) {
	v := &Validator{}
	for _, p := range append(append([]string{}, harmfulPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, re)
	}
	return v, nil
}

// MustNewValidator is NewValidator for the default denylist.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate runs the syntax check and then the denylist. Errors carry
// syntax_error or permission_error categories.
func (v *Validator) Validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return model.Errorf(model.CategoryValidation, "empty command")
	}
	s, err := scan(code)
	if err != nil {
		return err
	}
	if err := v.checkHarmful(string(s.out)); err != nil {
		return err
	}
	return checkIndexing(s)
}

func (v *Validator) checkHarmful(masked string) error {
	for _, re := range v.patterns {
		if m := re.FindString(masked); m != "" {
			return model.Errorf(model.CategoryPermission, "potentially harmful operation found: %q", m)
		}
	}
	return nil
}

// checkIndexing rejects t["name"] for any denylisted name, and any _G or
// _ENV index whose key is not a single string literal.
func checkIndexing(s *luaScanner) error {
	masked := s.out
	byStart := make(map[int]literal, len(s.literals))
	for _, lit := range s.literals {
		byStart[lit.start] = lit
	}

	for _, lit := range s.literals {
		open := skipSpaceBack(masked, lit.start-1)
		if open < 0 || masked[open] != '[' {
			continue
		}
		closeAt := skipSpace(masked, lit.end)
		if closeAt >= len(masked) || masked[closeAt] != ']' {
			continue
		}
		if deniedGlobals[lit.value] {
			return model.Errorf(model.CategoryPermission, "potentially harmful operation found: %q", s.src[open:closeAt+1])
		}
	}

	for _, m := range globalIndex.FindAllIndex(masked, -1) {
		bracketAt := m[1] - 1
		if _, ok := byStart[bracketAt]; ok {
			// _G[[...]] is a call with a long string, not an index.
			continue
		}
		keyAt := skipSpace(masked, m[1])
		lit, ok := byStart[keyAt]
		if ok {
			if closeAt := skipSpace(masked, lit.end); closeAt < len(masked) && masked[closeAt] == ']' {
				continue
			}
		}
		return model.Errorf(model.CategoryPermission, "potentially harmful operation found: %q (dynamic global lookup)",
			s.src[m[0]:m[1]])
	}
	return nil
}

func skipSpace(b []byte, i int) int {
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	return i
}

func skipSpaceBack(b []byte, i int) int {
	for i >= 0 && isSpace(b[i]) {
		i--
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

type bracket struct {
	char      byte
	line, col int
}

var closing = map[byte]byte{')': '(', ']': '[', '}': '{'}

// literal is one string literal: [start, end) covers its delimiters and
// value is its decoded content.
type literal struct {
	start, end int
	value      string
}

// luaScanner walks Lua source tracking line and column. out is a copy of the
// source where string contents and comments are replaced by spaces.
type luaScanner struct {
	src      string
	out      []byte
	pos      int
	line     int
	col      int
	literals []literal
}

func (s *luaScanner) next() byte {
	c := s.src[s.pos]
	s.pos++
	if c == '\n' {
		s.line++
		s.col = 1
	} else {
		s.col++
	}
	return c
}

func (s *luaScanner) mask(from, to int) {
	for i := from; i < to; i++ {
		if s.out[i] != '\n' {
			s.out[i] = ' '
		}
	}
}

// longBracket reports the level of a Lua long bracket ("[[", "[=[", ...)
// opening at p.
func (s *luaScanner) longBracket(p int) (int, bool) {
	if p >= len(s.src) || s.src[p] != '[' {
		return 0, false
	}
	level := 0
	for i := p + 1; i < len(s.src); i++ {
		switch s.src[i] {
		case '=':
			level++
		case '[':
			return level, true
		default:
			return 0, false
		}
	}
	return 0, false
}

// skipLong consumes an opened long bracket through its closing bracket.
func (s *luaScanner) skipLong(level int) bool {
	closeSeq := "]" + strings.Repeat("=", level) + "]"
	idx := strings.Index(s.src[s.pos:], closeSeq)
	if idx < 0 {
		return false
	}
	end := s.pos + idx + len(closeSeq)
	for s.pos < end {
		s.next()
	}
	return true
}

// CheckSyntax verifies that brackets, strings and long comments are balanced.
// It returns the code with string contents and comments blanked.
func CheckSyntax(code string) (string, error) {
	s, err := scan(code)
	if err != nil {
		return "", err
	}
	return string(s.out), nil
}

func scan(code string) (*luaScanner, error) {
	s := &luaScanner{src: code, out: []byte(code), line: 1, col: 1}
	var stack []bracket

	for s.pos < len(s.src) {
		c := s.src[s.pos]
		line, col := s.line, s.col

		switch {
		case c == '-' && s.pos+1 < len(s.src) && s.src[s.pos+1] == '-':
			start := s.pos
			s.next()
			s.next()
			if level, ok := s.longBracket(s.pos); ok {
				for i := 0; i < level+2; i++ {
					s.next()
				}
				if !s.skipLong(level) {
					return nil, model.Errorf(model.CategorySyntax, "unclosed long comment at line %d, column %d", line, col)
				}
			} else {
				for s.pos < len(s.src) && s.src[s.pos] != '\n' {
					s.next()
				}
			}
			s.mask(start, s.pos)

		case c == '"' || c == '\'':
			quote := s.pos
			s.next()
			start := s.pos
			closed := false
			for s.pos < len(s.src) {
				ch := s.next()
				if ch == '\\' {
					if s.pos < len(s.src) && s.next() == 'z' {
						for s.pos < len(s.src) && isSpace(s.src[s.pos]) {
							s.next()
						}
					}
					continue
				}
				if ch == '\n' {
					break
				}
				if ch == c {
					closed = true
					break
				}
			}
			if !closed {
				return nil, model.Errorf(model.CategorySyntax, "unclosed string starting with %c at line %d, column %d", c, line, col)
			}
			s.mask(start, s.pos-1)
			s.literals = append(s.literals, literal{quote, s.pos, unescape(s.src[start : s.pos-1])})

		case c == '[':
			if level, ok := s.longBracket(s.pos); ok {
				open := s.pos
				for i := 0; i < level+2; i++ {
					s.next()
				}
				start := s.pos
				if !s.skipLong(level) {
					return nil, model.Errorf(model.CategorySyntax, "unclosed long string at line %d, column %d", line, col)
				}
				s.mask(start, s.pos-level-2)
				s.literals = append(s.literals, literal{open, s.pos, longValue(s.src[start : s.pos-level-2])})
				continue
			}
			stack = append(stack, bracket{c, line, col})
			s.next()

		case c == '(' || c == '{':
			stack = append(stack, bracket{c, line, col})
			s.next()

		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 {
				return nil, model.Errorf(model.CategorySyntax, "unmatched closing bracket '%c' at line %d, column %d", c, line, col)
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if closing[c] != open.char {
				return nil, model.Errorf(model.CategorySyntax,
					"mismatched brackets: '%c' at line %d, column %d and '%c' at line %d, column %d",
					open.char, open.line, open.col, c, line, col)
			}
			s.next()

		default:
			s.next()
		}
	}

	if len(stack) > 0 {
		open := stack[len(stack)-1]
		return nil, model.Errorf(model.CategorySyntax, "unclosed bracket '%c' at line %d, column %d", open.char, open.line, open.col)
	}
	return s, nil
}

// longValue drops the newline Lua skips right after a long bracket opens.
func longValue(s string) string {
	if strings.HasPrefix(s, "\r\n") {
		return s[2:]
	}
	return strings.TrimPrefix(s, "\n")
}

// unescape decodes the escape sequences of a quoted Lua string. Malformed
// escapes are kept as written.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n', '\n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case 'z':
			for i+1 < len(s) && isSpace(s[i+1]) {
				i++
			}
		case 'x':
			if i+2 < len(s) {
				if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					b.WriteByte(byte(n))
					i += 2
					continue
				}
			}
			b.WriteString(`\x`)
		case 'u':
			if end := strings.IndexByte(s[i:], '}'); i+1 < len(s) && s[i+1] == '{' && end > 2 {
				if n, err := strconv.ParseUint(s[i+2:i+end], 16, 32); err == nil && n <= utf8.MaxRune {
					b.WriteRune(rune(n))
					i += end
					continue
				}
			}
			b.WriteString(`\u`)
		default:
			if e >= '0' && e <= '9' {
				j := i
				for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '9' {
					j++
				}
				if n, err := strconv.Atoi(s[i:j]); err == nil && n <= 255 {
					b.WriteByte(byte(n))
					i = j - 1
					continue
				}
			}
			b.WriteByte(e)
		}
	}
	return b.String()
}
