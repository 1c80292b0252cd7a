package sieve

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse parses Sieve source into a Script.
func Parse(src string) (*Script, error) {
	p := &parser{src: src}
	script := &Script{}
	p.skipSpace()
	for !p.atEnd() {
		cmd, err := p.command()
		if err != nil {
			return nil, err
		}
		if cmd.Name == "require" {
			script.Requires = append(script.Requires, cmd.Args...)
		}
		script.Commands = append(script.Commands, cmd)
		p.skipSpace()
	}
	return script, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...interface{}) error {
	line := 1 + strings.Count(p.src[:p.pos], "\n")
	return fmt.Errorf("sieve: line %d: %s", line, fmt.Sprintf(format, args...))
}

func (p *parser) atEnd() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte {
	if p.atEnd() {
		return 0
	}
	return p.src[p.pos]
}

// skipSpace passes over whitespace, # line comments and /* */ comments.
func (p *parser) skipSpace() {
	for !p.atEnd() {
		switch c := p.src[p.pos]; {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			p.pos++
		case c == '#':
			for !p.atEnd() && p.src[p.pos] != '\n' {
				p.pos++
			}
		case c == '/' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '*':
			end := strings.Index(p.src[p.pos+2:], "*/")
			if end < 0 {
				p.pos = len(p.src)
				return
			}
			p.pos += 2 + end + 2
		default:
			return
		}
	}
}

func (p *parser) consume(c byte) bool {
	p.skipSpace()
	if p.peek() != c {
		return false
	}
	p.pos++
	return true
}

func (p *parser) require(c byte) error {
	if !p.consume(c) {
		return p.errorf("expected %q", string(c))
	}
	return nil
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_'
}

func (p *parser) identifier() (string, error) {
	p.skipSpace()
	start := p.pos
	for !p.atEnd() && isIdentChar(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", p.errorf("expected identifier")
	}
	return strings.ToLower(p.src[start:p.pos]), nil
}

// tag returns the next :tag, or "" if the next token is not a tag.
func (p *parser) tag() (string, error) {
	p.skipSpace()
	if p.peek() != ':' {
		return "", nil
	}
	p.pos++
	id, err := p.identifier()
	if err != nil {
		return "", err
	}
	return ":" + id, nil
}

func (p *parser) string_() (string, error) {
	p.skipSpace()
	if p.peek() != '"' {
		return "", p.errorf("expected string")
	}
	p.pos++
	var b strings.Builder
	for {
		if p.atEnd() {
			return "", p.errorf("unterminated string")
		}
		c := p.src[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.atEnd() {
				return "", p.errorf("unterminated string")
			}
			b.WriteByte(p.src[p.pos])
			p.pos++
		default:
			b.WriteByte(c)
		}
	}
}

// stringList parses either a single string or a bracketed list.
func (p *parser) stringList() ([]string, error) {
	p.skipSpace()
	if p.peek() == '"' {
		s, err := p.string_()
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	if err := p.require('['); err != nil {
		return nil, err
	}
	var list []string
	for {
		s, err := p.string_()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
		if p.consume(']') {
			return list, nil
		}
		if err := p.require(','); err != nil {
			return nil, err
		}
	}
}

// number parses a decimal with an optional K, M or G suffix.
func (p *parser) number() (int64, error) {
	p.skipSpace()
	start := p.pos
	for !p.atEnd() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, p.errorf("expected number")
	}
	n, err := strconv.ParseInt(p.src[start:p.pos], 10, 64)
	if err != nil {
		return 0, p.errorf("bad number: %v", err)
	}
	if !p.atEnd() {
		switch p.src[p.pos] {
		case 'k', 'K':
			n *= 1 << 10
			p.pos++
		case 'm', 'M':
			n *= 1 << 20
			p.pos++
		case 'g', 'G':
			n *= 1 << 30
			p.pos++
		}
	}
	return n, nil
}

func (p *parser) command() (*Command, error) {
	name, err := p.identifier()
	if err != nil {
		return nil, err
	}
	cmd := &Command{Name: name}

	switch name {
	case "require":
		if cmd.Args, err = p.stringList(); err != nil {
			return nil, err
		}
		return cmd, p.require(';')

	case "if", "elsif":
		if cmd.Test, err = p.test(); err != nil {
			return nil, err
		}
		cmd.Block, err = p.block()
		return cmd, err

	case "else":
		cmd.Block, err = p.block()
		return cmd, err

	case "stop", "keep", "discard":
		return cmd, p.require(';')

	case "reject", "fileinto", "redirect":
		s, err := p.string_()
		if err != nil {
			return nil, err
		}
		cmd.Args = []string{s}
		return cmd, p.require(';')

	case "vacation":
		for {
			tag, err := p.tag()
			if err != nil {
				return nil, err
			}
			if tag == "" {
				break
			}
			switch tag {
			case ":days":
				n, err := p.number()
				if err != nil {
					return nil, err
				}
				cmd.VacationDays = int(n)
			case ":subject":
				if cmd.VacationSubject, err = p.string_(); err != nil {
					return nil, err
				}
			default:
				return nil, p.errorf("vacation: unknown tag %s", tag)
			}
		}
		s, err := p.string_()
		if err != nil {
			return nil, err
		}
		cmd.Args = []string{s}
		return cmd, p.require(';')

	default:
		return nil, p.errorf("unknown command %q", name)
	}
}

func (p *parser) block() ([]*Command, error) {
	if err := p.require('{'); err != nil {
		return nil, err
	}
	var cmds []*Command
	for {
		if p.consume('}') {
			return cmds, nil
		}
		if p.atEnd() {
			return nil, p.errorf("unterminated block")
		}
		cmd, err := p.command()
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
}

func (p *parser) test() (*Test, error) {
	name, err := p.identifier()
	if err != nil {
		return nil, err
	}
	t := &Test{Name: name}

	switch name {
	case "true", "false":
		return t, nil

	case "not":
		inner, err := p.test()
		if err != nil {
			return nil, err
		}
		t.Tests = []*Test{inner}
		return t, nil

	case "allof", "anyof":
		if err := p.require('('); err != nil {
			return nil, err
		}
		for {
			inner, err := p.test()
			if err != nil {
				return nil, err
			}
			t.Tests = append(t.Tests, inner)
			if p.consume(')') {
				return t, nil
			}
			if err := p.require(','); err != nil {
				return nil, err
			}
		}

	case "size":
		tag, err := p.tag()
		if err != nil {
			return nil, err
		}
		switch tag {
		case ":over":
			t.SizeOver = true
		case ":under":
			t.SizeOver = false
		default:
			return nil, p.errorf("size: expected :over or :under, got %q", tag)
		}
		if t.SizeLimit, err = p.number(); err != nil {
			return nil, err
		}
		return t, nil

	case "exists":
		if t.Headers, err = p.stringList(); err != nil {
			return nil, err
		}
		return t, nil

	case "header", "address", "envelope":
		if err := p.testTags(t); err != nil {
			return nil, err
		}
		if t.Headers, err = p.stringList(); err != nil {
			return nil, err
		}
		if t.Keys, err = p.stringList(); err != nil {
			return nil, err
		}
		return t, nil

	default:
		return nil, p.errorf("unknown test %q", name)
	}
}

// testTags parses the optional comparator, match-type and address-part
// tags of header, address and envelope tests, in any order.
func (p *parser) testTags(t *Test) error {
	for {
		tag, err := p.tag()
		if err != nil {
			return err
		}
		switch tag {
		case "":
			return nil
		case ":is":
			t.Match = Is
		case ":contains":
			t.Match = Contains
		case ":matches":
			t.Match = Matches
		case ":all":
			t.Part = All
		case ":localpart":
			t.Part = Localpart
		case ":domain":
			t.Part = Domain
		case ":comparator":
			name, err := p.string_()
			if err != nil {
				return err
			}
			switch strings.ToLower(name) {
			case "i;ascii-casemap":
				t.Comparator = AsciiCasemap
			case "i;octet":
				t.Comparator = Octet
			default:
				return p.errorf("unsupported comparator %q", name)
			}
		default:
			return p.errorf("%s: unknown tag %s", t.Name, tag)
		}
	}
}
