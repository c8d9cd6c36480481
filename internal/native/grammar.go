package native

import (
	"fmt"
	"strconv"
)

// GBNF grammars constrain generation to a formal language. The notation is
// the one used by llama.cpp:
//
//	root   ::= answer
//	answer ::= "yes" | "no" | [0-9]+
//
// Rules are built from literals, character classes ([a-z], [^"]), the any
// character (.), rule references, groups and the repetition operators
// * + ? {m} {m,} {m,n}. Comments start with #.

type elemType uint8

const (
	elemEnd          elemType = iota // end of rule
	elemAlt                          // start of an alternate
	elemRuleRef                      // non-terminal
	elemChar                         // terminal code point
	elemCharNot                      // inverse class, [^...]
	elemCharRngUpper                 // upper bound of a range started by the previous char element
	elemCharAlt                      // additional char in a class
	elemCharAny                      // any code point
)

type element struct {
	typ   elemType
	value uint32
}

func (e element) endOfSequence() bool { return e.typ == elemEnd || e.typ == elemAlt }

type grammarRule []element

// Grammar is a parsed GBNF grammar. It is immutable and may be shared by
// several samplers.
type Grammar struct {
	rules []grammarRule
	names []string
	root  uint32
}

// ParseGrammar parses GBNF source. root names the start rule; empty means
// "root". Syntax errors, undefined rules and left recursion are reported as
// ErrGrammar.
func ParseGrammar(src, root string) (*Grammar, error) {
	if root == "" {
		root = "root"
	}
	p := &grammarParser{src: []rune(src), ids: make(map[string]uint32)}
	if err := p.parse(); err != nil {
		return nil, err
	}

	for id, r := range p.rules {
		if len(r) == 0 {
			return nil, newError(ErrGrammar, "parse grammar", "undefined rule identifier '%s'", p.names[id])
		}
		for _, e := range r {
			if e.typ == elemRuleRef && (int(e.value) >= len(p.rules) || len(p.rules[e.value]) == 0) {
				return nil, newError(ErrGrammar, "parse grammar", "undefined rule identifier '%s'", p.names[e.value])
			}
		}
	}

	rootID, ok := p.ids[root]
	if !ok {
		return nil, newError(ErrGrammar, "parse grammar", "grammar does not contain a %q rule", root)
	}

	g := &Grammar{rules: p.rules, names: p.names, root: rootID}
	if name, ok := g.leftRecursive(); ok {
		return nil, newError(ErrGrammar, "parse grammar", "unsupported left recursion in rule '%s'", name)
	}
	return g, nil
}

// MustParseGrammar is like ParseGrammar but panics on error.
func MustParseGrammar(src string) *Grammar {
	g, err := ParseGrammar(src, "")
	if err != nil {
		panic(err)
	}
	return g
}

// Rules returns the number of rules after expansion of groups and
// repetitions.
func (g *Grammar) Rules() int { return len(g.rules) }

// Match reports whether the grammar accepts the whole of text.
func (g *Grammar) Match(text string) bool {
	stacks := g.initialStacks()
	for _, r := range text {
		stacks = g.acceptRune(stacks, uint32(r))
		if len(stacks) == 0 {
			return false
		}
	}
	return stacksAccepting(stacks)
}

// leftRecursive reports the first rule that can reach itself without
// consuming input.
func (g *Grammar) leftRecursive() (string, bool) {
	n := len(g.rules)
	visited := make([]bool, n)
	inProgress := make([]bool, n)
	mayBeEmpty := make([]bool, n)

	var detect func(i uint32) bool
	detect = func(i uint32) bool {
		if inProgress[i] {
			return true
		}
		inProgress[i] = true
		r := g.rules[i]

		atStart := true
		for _, e := range r {
			if e.endOfSequence() {
				if atStart {
					mayBeEmpty[i] = true
					break
				}
				atStart = true
			} else {
				atStart = false
			}
		}

		recurse := true
		for _, e := range r {
			switch {
			case e.typ == elemRuleRef && recurse:
				if detect(e.value) {
					return true
				}
				if !mayBeEmpty[e.value] {
					recurse = false
				}
			case e.endOfSequence():
				recurse = true
			default:
				recurse = false
			}
		}

		inProgress[i] = false
		visited[i] = true
		return false
	}

	for i := range n {
		if visited[i] {
			continue
		}
		if detect(uint32(i)) {
			return g.names[i], true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type grammarParser struct {
	src   []rune
	ids   map[string]uint32
	names []string
	rules []grammarRule
}

type grammarSyntaxError struct {
	line, col int
	msg       string
}

func (e *grammarSyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.line, e.col, e.msg)
}

func (p *grammarParser) fail(pos int, format string, args ...any) error {
	line, col := 1, 1
	for i := 0; i < pos && i < len(p.src); i++ {
		if p.src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return &Error{
		Kind: ErrGrammar,
		Op:   "parse grammar",
		Err:  &grammarSyntaxError{line: line, col: col, msg: fmt.Sprintf(format, args...)},
	}
}

func (p *grammarParser) at(pos int) rune {
	if pos < len(p.src) {
		return p.src[pos]
	}
	return 0
}

func (p *grammarParser) symbolID(name string) uint32 {
	if id, ok := p.ids[name]; ok {
		return id
	}
	id := uint32(len(p.names))
	p.ids[name] = id
	p.names = append(p.names, name)
	p.rules = append(p.rules, nil)
	return id
}

func (p *grammarParser) generateSymbolID(base string) uint32 {
	id := uint32(len(p.names))
	name := base + "_" + strconv.Itoa(int(id))
	p.ids[name] = id
	p.names = append(p.names, name)
	p.rules = append(p.rules, nil)
	return id
}

func (p *grammarParser) addRule(id uint32, r grammarRule) {
	p.rules[id] = r
}

func (p *grammarParser) parse() error {
	pos := p.space(0, true)
	for pos < len(p.src) {
		next, err := p.rule(pos)
		if err != nil {
			return err
		}
		pos = next
	}
	if len(p.rules) == 0 {
		return p.fail(pos, "empty grammar")
	}
	return nil
}

func (p *grammarParser) rule(pos int) (int, error) {
	nameEnd, err := p.name(pos)
	if err != nil {
		return 0, err
	}
	name := string(p.src[pos:nameEnd])
	pos = p.space(nameEnd, false)
	id := p.symbolID(name)

	if p.at(pos) != ':' || p.at(pos+1) != ':' || p.at(pos+2) != '=' {
		return 0, p.fail(pos, "expecting ::=")
	}
	pos = p.space(pos+3, true)

	pos, err = p.alternates(pos, name, id, false)
	if err != nil {
		return 0, err
	}

	if p.at(pos) == '\r' {
		pos++
	}
	if p.at(pos) == '\n' {
		pos++
	} else if pos < len(p.src) {
		return 0, p.fail(pos, "expecting newline or end")
	}
	return p.space(pos, true), nil
}

func (p *grammarParser) alternates(pos int, ruleName string, id uint32, nested bool) (int, error) {
	var r grammarRule
	pos, err := p.sequence(pos, ruleName, &r, nested)
	if err != nil {
		return 0, err
	}
	for p.at(pos) == '|' {
		r = append(r, element{typ: elemAlt})
		pos = p.space(pos+1, true)
		if pos, err = p.sequence(pos, ruleName, &r, nested); err != nil {
			return 0, err
		}
	}
	r = append(r, element{typ: elemEnd})
	p.addRule(id, r)
	return pos, nil
}

func (p *grammarParser) sequence(pos int, ruleName string, out *grammarRule, nested bool) (int, error) {
	lastSymStart := len(*out)

	// repeat rewrites the last symbol S as S{min,max} using generated rules:
	//
	//	S{m,n} --> S S S (m times) S'(n-m)
	//	           S'(n) ::= S S'(n-1) |
	//	S*     --> S'    where S' ::= S S' |
	repeat := func(at, minTimes, maxTimes int) error {
		if lastSymStart == len(*out) {
			return p.fail(at, "expecting preceding item to */+/?/{")
		}
		prev := append(grammarRule(nil), (*out)[lastSymStart:]...)
		if minTimes == 0 {
			*out = (*out)[:lastSymStart]
		} else {
			for i := 1; i < minTimes; i++ {
				*out = append(*out, prev...)
			}
		}

		var lastRecID uint32
		nOpt := 1
		if maxTimes >= 0 {
			nOpt = maxTimes - minTimes
		}
		for i := 0; i < nOpt; i++ {
			rec := append(grammarRule(nil), prev...)
			recID := p.generateSymbolID(ruleName)
			if i > 0 || maxTimes < 0 {
				ref := lastRecID
				if maxTimes < 0 {
					ref = recID
				}
				rec = append(rec, element{typ: elemRuleRef, value: ref})
			}
			rec = append(rec, element{typ: elemAlt}, element{typ: elemEnd})
			p.addRule(recID, rec)
			lastRecID = recID
		}
		if nOpt > 0 {
			*out = append(*out, element{typ: elemRuleRef, value: lastRecID})
		}
		return nil
	}

	for pos < len(p.src) {
		c := p.src[pos]
		switch {
		case c == '"':
			pos++
			lastSymStart = len(*out)
			for p.at(pos) != '"' {
				if pos >= len(p.src) {
					return 0, p.fail(pos, "unexpected end of input")
				}
				ch, next, err := p.char(pos)
				if err != nil {
					return 0, err
				}
				*out = append(*out, element{typ: elemChar, value: ch})
				pos = next
			}
			pos = p.space(pos+1, nested)

		case c == '[':
			pos++
			startType := elemChar
			if p.at(pos) == '^' {
				pos++
				startType = elemCharNot
			}
			lastSymStart = len(*out)
			for p.at(pos) != ']' {
				if pos >= len(p.src) {
					return 0, p.fail(pos, "unexpected end of input")
				}
				ch, next, err := p.char(pos)
				if err != nil {
					return 0, err
				}
				typ := startType
				if lastSymStart < len(*out) {
					typ = elemCharAlt
				}
				*out = append(*out, element{typ: typ, value: ch})
				pos = next
				if p.at(pos) == '-' && p.at(pos+1) != ']' {
					if pos+1 >= len(p.src) {
						return 0, p.fail(pos, "unexpected end of input")
					}
					upper, next, err := p.char(pos + 1)
					if err != nil {
						return 0, err
					}
					*out = append(*out, element{typ: elemCharRngUpper, value: upper})
					pos = next
				}
			}
			pos = p.space(pos+1, nested)

		case isWordChar(c):
			nameEnd, err := p.name(pos)
			if err != nil {
				return 0, err
			}
			ref := p.symbolID(string(p.src[pos:nameEnd]))
			pos = p.space(nameEnd, nested)
			lastSymStart = len(*out)
			*out = append(*out, element{typ: elemRuleRef, value: ref})

		case c == '(':
			pos = p.space(pos+1, true)
			sub := p.generateSymbolID(ruleName)
			next, err := p.alternates(pos, ruleName, sub, true)
			if err != nil {
				return 0, err
			}
			pos = next
			lastSymStart = len(*out)
			*out = append(*out, element{typ: elemRuleRef, value: sub})
			if p.at(pos) != ')' {
				return 0, p.fail(pos, "expecting ')'")
			}
			pos = p.space(pos+1, nested)

		case c == '.':
			lastSymStart = len(*out)
			*out = append(*out, element{typ: elemCharAny})
			pos = p.space(pos+1, nested)

		case c == '*' || c == '+' || c == '?':
			at := pos
			pos = p.space(pos+1, nested)
			minTimes, maxTimes := 0, -1
			switch c {
			case '+':
				minTimes = 1
			case '?':
				maxTimes = 1
			}
			if err := repeat(at, minTimes, maxTimes); err != nil {
				return 0, err
			}

		case c == '{':
			at := pos
			pos = p.space(pos+1, nested)
			if !isDigit(p.at(pos)) {
				return 0, p.fail(pos, "expecting an int")
			}
			intEnd := p.integer(pos)
			minTimes, _ := strconv.Atoi(string(p.src[pos:intEnd]))
			pos = p.space(intEnd, nested)

			maxTimes := -1
			switch p.at(pos) {
			case '}':
				maxTimes = minTimes
			case ',':
				pos = p.space(pos+1, nested)
				if isDigit(p.at(pos)) {
					intEnd := p.integer(pos)
					maxTimes, _ = strconv.Atoi(string(p.src[pos:intEnd]))
					pos = p.space(intEnd, nested)
				}
				if p.at(pos) != '}' {
					return 0, p.fail(pos, "expecting '}'")
				}
			default:
				return 0, p.fail(pos, "expecting ',' or '}'")
			}
			if maxTimes >= 0 && maxTimes < minTimes {
				return 0, p.fail(at, "repetition {%d,%d} has max below min", minTimes, maxTimes)
			}
			pos = p.space(pos+1, nested)
			if err := repeat(at, minTimes, maxTimes); err != nil {
				return 0, err
			}

		default:
			return pos, nil
		}
	}
	return pos, nil
}

// space skips blanks and comments, and newlines when newlineOK is set.
func (p *grammarParser) space(pos int, newlineOK bool) int {
	for pos < len(p.src) {
		switch c := p.src[pos]; {
		case c == ' ' || c == '\t':
			pos++
		case c == '#':
			for pos < len(p.src) && p.src[pos] != '\r' && p.src[pos] != '\n' {
				pos++
			}
		case newlineOK && (c == '\r' || c == '\n'):
			pos++
		default:
			return pos
		}
	}
	return pos
}

func (p *grammarParser) name(pos int) (int, error) {
	end := pos
	for end < len(p.src) && isWordChar(p.src[end]) {
		end++
	}
	if end == pos {
		return 0, p.fail(pos, "expecting name")
	}
	return end, nil
}

func (p *grammarParser) integer(pos int) int {
	for pos < len(p.src) && isDigit(p.src[pos]) {
		pos++
	}
	return pos
}

func (p *grammarParser) char(pos int) (uint32, int, error) {
	if p.at(pos) != '\\' {
		if pos >= len(p.src) {
			return 0, 0, p.fail(pos, "unexpected end of input")
		}
		return uint32(p.src[pos]), pos + 1, nil
	}
	switch esc := p.at(pos + 1); esc {
	case 'x':
		return p.hex(pos+2, 2)
	case 'u':
		return p.hex(pos+2, 4)
	case 'U':
		return p.hex(pos+2, 8)
	case 't':
		return '\t', pos + 2, nil
	case 'r':
		return '\r', pos + 2, nil
	case 'n':
		return '\n', pos + 2, nil
	case '\\', '"', '[', ']':
		return uint32(esc), pos + 2, nil
	default:
		return 0, 0, p.fail(pos, "unknown escape at %q", string(p.src[pos:min(pos+2, len(p.src))]))
	}
}

func (p *grammarParser) hex(pos, size int) (uint32, int, error) {
	var v uint32
	end := pos
	for ; end < pos+size && end < len(p.src); end++ {
		c := p.src[end]
		switch {
		case c >= 'a' && c <= 'f':
			v = v<<4 + uint32(c-'a'+10)
		case c >= 'A' && c <= 'F':
			v = v<<4 + uint32(c-'A'+10)
		case c >= '0' && c <= '9':
			v = v<<4 + uint32(c-'0')
		default:
			return 0, 0, p.fail(pos, "expecting %d hex chars", size)
		}
	}
	if end != pos+size {
		return 0, 0, p.fail(pos, "expecting %d hex chars", size)
	}
	return v, end, nil
}

func isWordChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || isDigit(c)
}

func isDigit(c rune) bool { return c >= '0' && c <= '9' }
