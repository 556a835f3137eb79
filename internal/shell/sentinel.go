package shell

import (
	"regexp"
	"strconv"
	"strings"
)

// Markers are framed by the ASCII record and unit separators (0x1E,
// 0x1F). Those bytes survive any terminal transport, are never typed by
// users, and never occur in ordinary command output, so matching them
// needs no further disambiguation.
const (
	markerRS = "\x1e"
	markerUS = "\x1f"

	// PromptMarker is printed by the integration precmd hook just
	// before the shell draws its prompt.
	PromptMarker = markerRS + "MP" + markerUS

	// RefreshStartMarker and RefreshEndMarker bracket the output of a
	// state refresh probe. Everything between them is consumed by the
	// session tracker and never surfaces in a block.
	RefreshStartMarker = markerRS + "MRS" + markerUS
	RefreshEndMarker   = markerRS + "MRE" + markerUS
)

// sentinelRe requires the exit code digits to be present. The echoed
// command line still contains the unexpanded "$?" form, which therefore
// cannot match; only the shell's own expansion does.
var sentinelRe = regexp.MustCompile(markerRS + `MT:(\d+):` + markerUS)

// SentinelSuffix returns the text appended to a submitted command line
// so the shell reports the command's exit code inline.
func SentinelSuffix(k Kind) string {
	switch k {
	case KindFish:
		return `; echo "` + markerRS + `MT:$status:` + markerUS + `"`
	case KindPowerShell:
		return `; echo "` + markerRS + `MT:$LASTEXITCODE:` + markerUS + `"`
	case KindCmd:
		return ` & echo ` + markerRS + `MT:%ERRORLEVEL%:` + markerUS
	default:
		return `; echo "` + markerRS + `MT:$?:` + markerUS + `"`
	}
}

// ParseSentinel extracts the exit code from a line containing an
// expanded sentinel. It tolerates the sentinel being glued to trailing
// command output when that output did not end in a newline.
func ParseSentinel(line string) (int, bool) {
	m := sentinelRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// StripSentinel removes any expanded sentinel from line, leaving the
// surrounding output intact.
func StripSentinel(line string) string {
	return sentinelRe.ReplaceAllString(line, "")
}

// StripMarkers removes every integration marker and sentinel from s.
// Applied to partial-line updates before they leave the core.
func StripMarkers(s string) string {
	s = StripSentinel(s)
	s = strings.ReplaceAll(s, PromptMarker, "")
	s = strings.ReplaceAll(s, RefreshStartMarker, "")
	s = strings.ReplaceAll(s, RefreshEndMarker, "")
	return s
}

// RefreshCommand returns a probe that reports the shell's current
// working directory and environment between refresh markers. The first
// line after the start marker is the directory; the remaining lines are
// KEY=VALUE pairs.
func RefreshCommand(k Kind) string {
	switch k {
	case KindPowerShell:
		return `echo "` + RefreshStartMarker + `"; $PWD.Path; Get-ChildItem Env: | ForEach-Object { "$($_.Name)=$($_.Value)" }; echo "` + RefreshEndMarker + `"`
	case KindCmd:
		return `echo ` + RefreshStartMarker + `& cd& set& echo ` + RefreshEndMarker
	default:
		return `echo "` + RefreshStartMarker + `"; pwd; env; echo "` + RefreshEndMarker + `"`
	}
}
