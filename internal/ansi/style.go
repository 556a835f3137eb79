package ansi

// ColorModel tells which fields of a Color are meaningful.
type ColorModel uint8

const (
	// ColorDefault is the terminal's default foreground or background.
	ColorDefault ColorModel = iota
	// ColorIndexed is a palette color; Index 0-7 are the basic colors,
	// 8-15 the bright variants, 16-255 the extended cube and grays.
	ColorIndexed
	// ColorRGB is a 24-bit color.
	ColorRGB
)

// Color is one foreground or background color.
type Color struct {
	Model ColorModel `json:"model"`
	Index uint8      `json:"index,omitempty"`
	R     uint8      `json:"r,omitempty"`
	G     uint8      `json:"g,omitempty"`
	B     uint8      `json:"b,omitempty"`
}

// IsDefault reports whether the color is the terminal default.
func (c Color) IsDefault() bool { return c.Model == ColorDefault }

// Indexed builds a palette color.
func Indexed(i uint8) Color { return Color{Model: ColorIndexed, Index: i} }

// RGB builds a 24-bit color.
func RGB(r, g, b uint8) Color { return Color{Model: ColorRGB, R: r, G: g, B: b} }

// Style is the attribute state an SGR sequence manipulates. The zero value
// is the fully-reset style, so Style values compare with ==.
type Style struct {
	FG        Color `json:"fg"`
	BG        Color `json:"bg"`
	Bold      bool  `json:"bold,omitempty"`
	Dim       bool  `json:"dim,omitempty"`
	Italic    bool  `json:"italic,omitempty"`
	Underline bool  `json:"underline,omitempty"`
	Blink     bool  `json:"blink,omitempty"`
	Reverse   bool  `json:"reverse,omitempty"`
	Strike    bool  `json:"strike,omitempty"`
}

// IsZero reports whether s carries no attributes.
func (s Style) IsZero() bool { return s == Style{} }

// applySGR mutates s according to one parameter list from a CSI ... m
// sequence. Unknown parameters are skipped.
func (s *Style) applySGR(params []int) {
	if len(params) == 0 {
		params = []int{0}
	}
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			*s = Style{}
		case p == 1:
			s.Bold = true
		case p == 2:
			s.Dim = true
		case p == 3:
			s.Italic = true
		case p == 4:
			s.Underline = true
		case p == 5 || p == 6:
			s.Blink = true
		case p == 7:
			s.Reverse = true
		case p == 9:
			s.Strike = true
		case p == 21:
			// Doubly underlined; fold into underline.
			s.Underline = true
		case p == 22:
			s.Bold = false
			s.Dim = false
		case p == 23:
			s.Italic = false
		case p == 24:
			s.Underline = false
		case p == 25:
			s.Blink = false
		case p == 27:
			s.Reverse = false
		case p == 29:
			s.Strike = false
		case p >= 30 && p <= 37:
			s.FG = Indexed(uint8(p - 30))
		case p == 38:
			c, skip := extendedColor(params[i+1:])
			if skip == 0 {
				return
			}
			s.FG = c
			i += skip
		case p == 39:
			s.FG = Color{}
		case p >= 40 && p <= 47:
			s.BG = Indexed(uint8(p - 40))
		case p == 48:
			c, skip := extendedColor(params[i+1:])
			if skip == 0 {
				return
			}
			s.BG = c
			i += skip
		case p == 49:
			s.BG = Color{}
		case p >= 90 && p <= 97:
			s.FG = Indexed(uint8(p - 90 + 8))
		case p >= 100 && p <= 107:
			s.BG = Indexed(uint8(p - 100 + 8))
		}
	}
}

// extendedColor parses the tail of a 38/48 parameter group. It returns the
// color and how many parameters it consumed; zero means malformed, and the
// caller abandons the rest of the sequence.
func extendedColor(rest []int) (Color, int) {
	if len(rest) == 0 {
		return Color{}, 0
	}
	switch rest[0] {
	case 5:
		if len(rest) < 2 {
			return Color{}, 0
		}
		return Indexed(clampByte(rest[1])), 2
	case 2:
		if len(rest) < 4 {
			return Color{}, 0
		}
		return RGB(clampByte(rest[1]), clampByte(rest[2]), clampByte(rest[3])), 4
	default:
		return Color{}, 0
	}
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
