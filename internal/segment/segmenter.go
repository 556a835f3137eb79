// Package segment assembles the styled fragment stream from the ANSI
// processor into finalized output lines. It implements the line-edit
// semantics progress bars and spinners rely on: carriage return rewinds
// the write column, backspace steps back one cell, erase truncates.
package segment

import (
	"time"
	"unicode/utf8"

	"github.com/djdanielsson/mosaicterm-sub001/internal/ansi"
	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
)

type cell struct {
	r     rune
	style ansi.Style
}

// Segmenter buffers one unfinalized line at a time. Callers either take
// only the ready (newline-terminated) lines or flush the partial line too.
type Segmenter struct {
	cells []cell
	col   int
	pend  []byte // bytes of an incomplete utf8 rune split across feeds
	ready []block.Line
	now   func() time.Time

	// maxLineLen bounds cells per line; zero means unlimited. Overflow is
	// dropped and the finalized line gets a truncation suffix.
	maxLineLen int
	overLimit  bool
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithMaxLineLength caps the number of cells retained per line.
func WithMaxLineLength(n int) Option {
	return func(s *Segmenter) { s.maxLineLen = n }
}

// WithClock substitutes the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// New returns an empty segmenter.
func New(opts ...Option) *Segmenter {
	s := &Segmenter{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Feed consumes processor output in order.
func (s *Segmenter) Feed(ops []ansi.Op) {
	for _, op := range ops {
		switch op.Kind {
		case ansi.OpText:
			s.feedText(op.Text, op.Style)
		case ansi.OpEraseLine:
			s.eraseLine(op.Mode)
		case ansi.OpEraseScreen:
			// The correlator reacts to full clears; for the line buffer a
			// screen erase invalidates whatever was pending.
			if op.Mode >= 2 {
				s.cells = s.cells[:0]
				s.col = 0
			}
		case ansi.OpSetColumn:
			s.setCol(op.Col)
		case ansi.OpMoveColumn:
			s.setCol(s.col + op.Delta)
		}
	}
}

func (s *Segmenter) feedText(text string, style ansi.Style) {
	data := text
	if len(s.pend) > 0 {
		data = string(s.pend) + text
		s.pend = s.pend[:0]
	}
	for i := 0; i < len(data); {
		b := data[i]
		switch b {
		case '\n':
			s.finalize()
			i++
			continue
		case '\r':
			s.col = 0
			i++
			continue
		case '\b':
			if s.col > 0 {
				s.col--
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(data[i:])
		if r == utf8.RuneError && size == 1 {
			if !utf8.FullRune([]byte(data[i:])) {
				// Wait for the rest of the rune.
				s.pend = append(s.pend, data[i:]...)
				return
			}
			// Genuinely invalid byte; keep the replacement rune.
		}
		s.writeRune(r, style)
		i += size
	}
}

func (s *Segmenter) writeRune(r rune, style ansi.Style) {
	if s.maxLineLen > 0 && s.col >= s.maxLineLen {
		s.overLimit = true
		return
	}
	c := cell{r: r, style: style}
	if s.col < len(s.cells) {
		s.cells[s.col] = c
	} else {
		for len(s.cells) < s.col {
			s.cells = append(s.cells, cell{r: ' '})
		}
		s.cells = append(s.cells, c)
	}
	s.col++
}

func (s *Segmenter) setCol(col int) {
	if col < 0 {
		col = 0
	}
	if s.maxLineLen > 0 && col > s.maxLineLen {
		col = s.maxLineLen
	}
	s.col = col
}

func (s *Segmenter) eraseLine(mode int) {
	switch mode {
	case 0:
		if s.col < len(s.cells) {
			s.cells = s.cells[:s.col]
		}
	case 1:
		for i := 0; i < s.col && i < len(s.cells); i++ {
			s.cells[i] = cell{r: ' '}
		}
	case 2:
		s.cells = s.cells[:0]
		s.col = 0
	}
}

// finalize converts the buffered cells into a Line and resets the buffer.
func (s *Segmenter) finalize() {
	line := s.buildLine()
	s.cells = s.cells[:0]
	s.col = 0
	s.overLimit = false
	s.ready = append(s.ready, line)
}

func (s *Segmenter) buildLine() block.Line {
	var text []byte
	var spans []block.StyleSpan
	start := 0
	var cur ansi.Style
	for i, c := range s.cells {
		if i == 0 {
			cur = c.style
		} else if c.style != cur {
			if !cur.IsZero() {
				spans = append(spans, block.StyleSpan{Start: start, End: len(text), Style: cur})
			}
			start = len(text)
			cur = c.style
		}
		text = utf8.AppendRune(text, c.r)
	}
	if len(s.cells) > 0 && !cur.IsZero() {
		spans = append(spans, block.StyleSpan{Start: start, End: len(text), Style: cur})
	}
	if s.overLimit {
		text = append(text, "... [truncated]"...)
	}
	return block.Line{
		Text:       string(text),
		Spans:      spans,
		ProducedAt: s.now(),
		Stream:     block.StreamStdout,
	}
}

// TakeReady returns the finalized lines accumulated since the last call and
// leaves any partial line buffered.
func (s *Segmenter) TakeReady() []block.Line {
	if len(s.ready) == 0 {
		return nil
	}
	out := s.ready
	s.ready = nil
	return out
}

// Flush finalizes the partial line (if any) and returns everything ready.
func (s *Segmenter) Flush() []block.Line {
	if len(s.cells) > 0 || s.col > 0 {
		s.finalize()
	}
	return s.TakeReady()
}

// Partial returns the text of the unfinalized line. The boolean is false
// when nothing is buffered.
func (s *Segmenter) Partial() (string, bool) {
	if len(s.cells) == 0 {
		return "", false
	}
	var text []byte
	for _, c := range s.cells {
		text = utf8.AppendRune(text, c.r)
	}
	return string(text), true
}

// Reset drops all buffered state, ready lines included. Used when output is
// drained during mode switches.
func (s *Segmenter) Reset() {
	s.cells = s.cells[:0]
	s.col = 0
	s.pend = s.pend[:0]
	s.ready = nil
	s.overLimit = false
}

// Pending reports whether a partial line is buffered.
func (s *Segmenter) Pending() bool { return len(s.cells) > 0 }
