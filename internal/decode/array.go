package decode

import (
	"fmt"
	"strings"
)

// parseArray parses a Postgres array literal such as {1,2,{3,NULL}} or
// {"a b","c\"d"}. Unquoted NULL yields a nil leaf, or ErrNullNotAllowed
// when notNull is set; every other leaf is passed through cast.
func parseArray(s string, cast Caster, notNull bool) ([]any, error) {
	// Arrays with non-default lower bounds carry a dimension prefix: [0:1]={...}
	if strings.HasPrefix(s, "[") {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: dimension prefix without '=' in %q", ErrMalformedArray, s)
		}
		s = s[eq+1:]
	}

	p := &arrayParser{src: s, cast: cast, notNull: notNull}
	out, err := p.array()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing data")
	}
	return out, nil
}

type arrayParser struct {
	src     string
	pos     int
	cast    Caster
	notNull bool
}

func (p *arrayParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d in %q", ErrMalformedArray, fmt.Sprintf(format, args...), p.pos, p.src)
}

func (p *arrayParser) peek() (byte, bool) {
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *arrayParser) array() ([]any, error) {
	if c, ok := p.peek(); !ok || c != '{' {
		return nil, p.errorf("expected '{'")
	}
	p.pos++

	out := []any{}
	if c, ok := p.peek(); ok && c == '}' {
		p.pos++
		return out, nil
	}

	for {
		c, ok := p.peek()
		if !ok {
			return nil, p.errorf("unterminated array")
		}

		var (
			v   any
			err error
		)
		switch c {
		case '{':
			v, err = p.array()
		case '"':
			var s string
			s, err = p.quoted()
			if err == nil {
				v, err = p.leaf(s)
			}
		default:
			var s string
			s, err = p.unquoted()
			switch {
			case err != nil:
			case s == nullSentinel && p.notNull:
				err = ErrNullNotAllowed
			case s != nullSentinel:
				v, err = p.leaf(s)
			}
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)

		c, ok = p.peek()
		if !ok {
			return nil, p.errorf("unterminated array")
		}
		p.pos++
		switch c {
		case ',':
		case '}':
			return out, nil
		default:
			return nil, p.errorf("unexpected %q", c)
		}
	}
}

func (p *arrayParser) quoted() (string, error) {
	p.pos++ // opening quote
	var sb strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return "", p.errorf("dangling escape")
			}
			sb.WriteByte(p.src[p.pos])
		case '"':
			p.pos++
			return sb.String(), nil
		default:
			sb.WriteByte(c)
		}
		p.pos++
	}
	return "", p.errorf("unterminated quoted element")
}

func (p *arrayParser) unquoted() (string, error) {
	start := p.pos
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ',', '}':
			if p.pos == start {
				return "", p.errorf("empty element")
			}
			return p.src[start:p.pos], nil
		case '{', '"':
			return "", p.errorf("unexpected %q", p.src[p.pos])
		}
		p.pos++
	}
	return "", p.errorf("unterminated array")
}

func (p *arrayParser) leaf(s string) (any, error) {
	if p.cast == nil {
		return s, nil
	}
	return p.cast(s)
}
