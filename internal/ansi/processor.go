// Package ansi turns a raw PTY byte stream into styled text fragments plus
// a small set of line-editing actions. It recognizes SGR attributes, erase
// sequences, and horizontal cursor movement; everything else is consumed
// and dropped so no escape byte ever leaks into block output.
package ansi

import (
	"bytes"
	"strconv"
	"strings"
)

// OpKind discriminates processor outputs.
type OpKind uint8

const (
	// OpText is a run of printable bytes (control characters such as \n,
	// \r, \b and \t pass through inside Text) under one style.
	OpText OpKind = iota + 1
	// OpEraseLine maps CSI K. Mode 0 erases cursor to end, 1 start to
	// cursor, 2 the whole line.
	OpEraseLine
	// OpEraseScreen maps CSI J. Mode 2 and 3 clear the whole screen and
	// are treated downstream as a block-output reset marker.
	OpEraseScreen
	// OpSetColumn maps CSI G; Col is the zero-based target column.
	OpSetColumn
	// OpMoveColumn maps CSI C and D; Delta is positive for right.
	OpMoveColumn
	// OpCwd reports a working directory announced via OSC 7.
	OpCwd
)

// Op is one parsed unit of PTY output.
type Op struct {
	Kind  OpKind
	Text  string
	Style Style
	Mode  int
	Col   int
	Delta int
}

type parseState uint8

const (
	stateGround parseState = iota
	stateEscape
	stateCSI
	stateOSC
	stateOSCEsc
	stateString // DCS, SOS, PM, APC: consumed to ST
	stateStringEsc
	stateCharset
)

// maxEscapeLen bounds a single escape sequence; anything longer is treated
// as garbage and dropped.
const maxEscapeLen = 1024

// Processor is the incremental parser. One processor serves one session;
// style state persists across Feed calls, and incomplete escapes are
// buffered until the rest arrives.
type Processor struct {
	style     Style
	state     parseState
	seq       []byte // CSI parameter bytes or OSC payload
	text      []byte
	ops       []Op
	opened    bool // text run open with style at open time
	openStyle Style
}

// NewProcessor returns a processor in the ground state with default style.
func NewProcessor() *Processor {
	return &Processor{}
}

// Style returns the current attribute state.
func (p *Processor) Style() Style { return p.style }

// Reset drops all parser and style state.
func (p *Processor) Reset() {
	*p = Processor{}
}

// Feed consumes data and returns the ops produced by it. The returned slice
// is only valid until the next call.
func (p *Processor) Feed(data []byte) []Op {
	p.ops = p.ops[:0]
	for _, b := range data {
		switch p.state {
		case stateGround:
			if b == 0x1B {
				p.flushText()
				p.state = stateEscape
				continue
			}
			p.appendText(b)
		case stateEscape:
			switch b {
			case '[':
				p.state = stateCSI
				p.seq = p.seq[:0]
			case ']':
				p.state = stateOSC
				p.seq = p.seq[:0]
			case 'P', 'X', '^', '_':
				p.state = stateString
			case '(', ')':
				p.state = stateCharset
			default:
				// Two-byte escapes (ESC 7, ESC =, ESC M, ...) are dropped.
				p.state = stateGround
			}
		case stateCSI:
			if b >= 0x40 && b <= 0x7E {
				p.dispatchCSI(b)
				p.state = stateGround
				continue
			}
			p.seq = append(p.seq, b)
			if len(p.seq) > maxEscapeLen {
				p.state = stateGround
				p.seq = p.seq[:0]
			}
		case stateOSC:
			if b == 0x07 {
				p.dispatchOSC()
				p.state = stateGround
				continue
			}
			if b == 0x1B {
				p.state = stateOSCEsc
				continue
			}
			p.seq = append(p.seq, b)
			if len(p.seq) > maxEscapeLen {
				p.state = stateGround
				p.seq = p.seq[:0]
			}
		case stateOSCEsc:
			if b == '\\' {
				p.dispatchOSC()
			}
			p.state = stateGround
		case stateString:
			if b == 0x1B {
				p.state = stateStringEsc
			}
		case stateStringEsc:
			if b == '\\' {
				p.state = stateGround
			} else if b != 0x1B {
				p.state = stateString
			}
		case stateCharset:
			p.state = stateGround
		}
	}
	p.flushText()
	return p.ops
}

func (p *Processor) appendText(b byte) {
	if p.opened && p.openStyle != p.style {
		p.flushText()
	}
	if !p.opened {
		p.opened = true
		p.openStyle = p.style
	}
	p.text = append(p.text, b)
}

func (p *Processor) flushText() {
	if len(p.text) == 0 {
		p.opened = false
		return
	}
	p.ops = append(p.ops, Op{Kind: OpText, Text: string(p.text), Style: p.openStyle})
	p.text = p.text[:0]
	p.opened = false
}

func (p *Processor) dispatchCSI(final byte) {
	raw := string(p.seq)
	p.seq = p.seq[:0]
	if strings.HasPrefix(raw, "?") || strings.HasPrefix(raw, ">") || strings.HasPrefix(raw, "<") {
		// Private modes (cursor visibility, alt screen, bracketed paste)
		// do not affect line content.
		return
	}
	switch final {
	case 'm':
		p.style.applySGR(parseParams(raw))
	case 'K':
		p.ops = append(p.ops, Op{Kind: OpEraseLine, Mode: firstParam(raw, 0)})
	case 'J':
		p.ops = append(p.ops, Op{Kind: OpEraseScreen, Mode: firstParam(raw, 0)})
	case 'G':
		col := firstParam(raw, 1)
		if col < 1 {
			col = 1
		}
		p.ops = append(p.ops, Op{Kind: OpSetColumn, Col: col - 1})
	case 'C':
		p.ops = append(p.ops, Op{Kind: OpMoveColumn, Delta: max1(firstParam(raw, 1))})
	case 'D':
		p.ops = append(p.ops, Op{Kind: OpMoveColumn, Delta: -max1(firstParam(raw, 1))})
	default:
		// Cursor addressing, scroll regions, device queries: dropped.
	}
}

func (p *Processor) dispatchOSC() {
	payload := string(p.seq)
	p.seq = p.seq[:0]
	code, rest, ok := strings.Cut(payload, ";")
	if !ok || code != "7" {
		return
	}
	if path, ok := cwdFromFileURL(rest); ok {
		p.ops = append(p.ops, Op{Kind: OpCwd, Text: path})
	}
}

// cwdFromFileURL extracts the path from the file://host/path form shells
// send in OSC 7.
func cwdFromFileURL(s string) (string, bool) {
	const scheme = "file://"
	if !strings.HasPrefix(s, scheme) {
		return "", false
	}
	s = s[len(scheme):]
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return "", false
	}
	path := s[slash:]
	return unescapePercent(path), true
}

func unescapePercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var out bytes.Buffer
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				out.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		out.WriteByte(s[i])
	}
	return out.String()
}

func parseParams(raw string) []int {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		// Colon sub-parameters (38:2:...) appear from some emitters;
		// treat the first segment as the value.
		if c := strings.IndexByte(part, ':'); c >= 0 {
			for _, sub := range strings.Split(part, ":") {
				out = append(out, atoiDefault(sub, 0))
			}
			continue
		}
		out = append(out, atoiDefault(part, 0))
	}
	return out
}

func firstParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return atoiDefault(raw, def)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
