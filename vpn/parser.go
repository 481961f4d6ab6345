package vpn

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/yllada/ovpn-launcher/common"
)

// Parser turns configuration text into a Profile.
type Parser interface {
	Parse(text string) (*Profile, error)
}

// ParseError describes why a configuration document was rejected.
// It matches common.ErrParse with errors.Is.
type ParseError struct {
	Line   int // 1-based; 0 when the problem is not tied to a line
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error on line %d: %s", e.Line, e.Reason)
	}
	return "parse error: " + e.Reason
}

func (e *ParseError) Is(target error) bool {
	return target == common.ErrParse
}

// OpenVPNParser parses OpenVPN client configuration files.
//
// It understands one directive per line, '#' and ';' comments, quoted
// arguments, and inline <tag>...</tag> blocks. Credentials given in an
// inline <auth-user-pass> block are lifted onto the profile; every other
// auth-user-pass directive is dropped since the engine supplies its own.
type OpenVPNParser struct{}

func (OpenVPNParser) Parse(text string) (*Profile, error) {
	p := &Profile{}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), common.MaxConfigSize)

	var (
		lineNo    int
		block     *Directive
		blockLine int
		body      []string
	)
	for sc.Scan() {
		lineNo++
		raw := strings.TrimRight(sc.Text(), "\r")
		line := strings.TrimSpace(raw)

		if block != nil {
			if line == "</"+block.Name+">" {
				block.Inline = strings.Join(body, "\n")
				if err := p.addBlock(*block, blockLine); err != nil {
					return nil, err
				}
				block, body = nil, nil
				continue
			}
			body = append(body, raw)
			continue
		}

		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if strings.HasPrefix(line, "</") {
			return nil, &ParseError{Line: lineNo, Reason: "unexpected closing tag " + line}
		}
		if strings.HasPrefix(line, "<") {
			if !strings.HasSuffix(line, ">") || len(line) < 3 {
				return nil, &ParseError{Line: lineNo, Reason: "malformed block tag " + line}
			}
			block = &Directive{Name: line[1 : len(line)-1], Block: true}
			blockLine = lineNo
			continue
		}

		args, err := splitArgs(line)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Reason: err.Error()}
		}
		if len(args) == 0 {
			continue
		}
		d := Directive{Name: strings.TrimPrefix(args[0], "--")}
		if len(args) > 1 {
			d.Args = args[1:]
		}
		if err := p.addDirective(d, lineNo); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Line: lineNo + 1, Reason: err.Error()}
	}
	if block != nil {
		return nil, &ParseError{Line: blockLine, Reason: "unterminated <" + block.Name + "> block"}
	}
	if len(p.Directives) == 0 {
		return nil, &ParseError{Reason: "empty configuration"}
	}
	if len(p.Remotes()) == 0 {
		return nil, &ParseError{Reason: "no remote directive"}
	}
	return p, nil
}

func (p *Profile) addDirective(d Directive, line int) error {
	switch d.Name {
	case "auth-user-pass":
		return nil
	case "remote":
		if len(d.Args) == 0 {
			return &ParseError{Line: line, Reason: "remote needs a host"}
		}
		if len(d.Args) > 1 {
			port, err := strconv.Atoi(d.Args[1])
			if err != nil || port < 1 || port > 65535 {
				return &ParseError{Line: line, Reason: fmt.Sprintf("invalid remote port %q", d.Args[1])}
			}
		}
	}
	p.Directives = append(p.Directives, d)
	return nil
}

func (p *Profile) addBlock(d Directive, line int) error {
	switch d.Name {
	case "auth-user-pass":
		creds := strings.Split(strings.TrimSpace(d.Inline), "\n")
		if len(creds) < 2 {
			return &ParseError{Line: line, Reason: "inline auth-user-pass needs a username and a password"}
		}
		p.Username = strings.TrimSpace(creds[0])
		p.Password = strings.TrimSpace(creds[1])
		return nil
	case "connection":
		// A <connection> block carries its own remote; lift it so the
		// profile still has an endpoint list.
		for _, l := range strings.Split(d.Inline, "\n") {
			args, err := splitArgs(strings.TrimSpace(l))
			if err != nil || len(args) < 2 || args[0] != "remote" {
				continue
			}
			p.Directives = append(p.Directives, Directive{Name: "remote", Args: args[1:]})
		}
		return nil
	}
	p.Directives = append(p.Directives, d)
	return nil
}

var errUnterminatedQuote = errors.New("unterminated quote")

// splitArgs splits a directive line into words, honouring quotes and
// stopping at an unquoted comment marker.
func splitArgs(line string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		inArg bool
		esc   bool
	)
loop:
	for _, r := range line {
		switch {
		case esc:
			cur.WriteRune(r)
			esc = false
		case quote != 0:
			switch {
			case r == '\\' && quote == '"':
				esc = true
			case r == quote:
				quote = 0
			default:
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == '\\':
			esc = true
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		case (r == '#' || r == ';') && !inArg:
			break loop
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 || esc {
		return nil, errUnterminatedQuote
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
