package shell

import "testing"

func TestIsPrompt(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		line string
		want bool
	}{
		{"bash bare", KindBash, "$ ", true},
		{"bash bracket", KindBash, "[user@host tmp]$ ", true},
		{"bash versioned", KindBash, "bash-5.2$ ", true},
		{"zsh bare", KindZsh, "% ", true},
		{"zsh versioned", KindZsh, "zsh-5.9% ", true},
		{"fish bare", KindFish, "> ", true},
		{"fish versioned", KindFish, "fish-3.4> ", true},
		{"powershell", KindPowerShell, `PS C:\Users\dev> `, true},
		{"cmd", KindCmd, `C:\Users\dev>`, true},
		{"unknown kind tries all tables", KindOther, "bash-5.2$ ", true},
		{"unknown kind powershell", KindOther, `PS C:\> `, true},
		{"path prompt", KindBash, "~/projects$ ", true},
		{"path prompt percent", KindZsh, "/var/log% ", true},
		{"custom prompt stays output", KindBash, "user@host:~/src$ ", false},
		{"short word ending in gt stays output", KindBash, "done>", false},
		{"plain output", KindBash, "hello world", false},
		{"listing line", KindBash, "total 64", false},
		{"empty", KindBash, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPrompt(tc.kind, tc.line); got != tc.want {
				t.Errorf("IsPrompt(%v, %q) = %v, want %v", tc.kind, tc.line, got, tc.want)
			}
		})
	}
}

func TestPromptMarkerAlwaysPrompt(t *testing.T) {
	line := PromptMarker + "anything at all"
	if !IsPrompt(KindOther, line) {
		t.Error("line with prompt marker not recognized as prompt")
	}
}

func TestIsCompletionPrompt(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"~/projects$ ", true},
		{"/var/log$ ", true},
		{"~$ ", true},
		{"$ ", true},
		{"user@host:~/src$ ", true},
		{"root@host:/# ", true},
		{"mybox% ", true},
		{"some output", false},
		{"the quick brown fox jumps over the lazy dog again and again.", false},
	}
	for _, tc := range cases {
		if got := IsCompletionPrompt(KindBash, tc.line); got != tc.want {
			t.Errorf("IsCompletionPrompt(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestLooksLikePrompt(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"user@server:~$ ", true},
		{"root@server:~# ", true},
		{"user@host % ", true},
		{"mybox> ", true},
		{"plain text line", false},
		{"", false},
		{"a very long line of output that happens to end with a dollar sign but is clearly not a shell prompt $", false},
	}
	for _, tc := range cases {
		if got := LooksLikePrompt(tc.text); got != tc.want {
			t.Errorf("LooksLikePrompt(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestIsContinuation(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{`echo foo \`, true},
		{"> ", true},
		{"? ", true},
		{"+ ", true},
		{"  > ", true},
		{"echo done", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsContinuation(tc.line); got != tc.want {
			t.Errorf("IsContinuation(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
