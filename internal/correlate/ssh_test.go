package correlate

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
	"github.com/djdanielsson/mosaicterm-sub001/internal/shell"
)

type fakeAuth struct {
	mu      sync.Mutex
	kinds   []AuthKind
	prompts []string
	resp    []byte
	ok      bool
}

func (a *fakeAuth) HandleAuthPrompt(kind AuthKind, prompt string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
	a.prompts = append(a.prompts, prompt)
	return a.resp, a.ok
}

func (a *fakeAuth) seenKinds() []AuthKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuthKind(nil), a.kinds...)
}

func (a *fakeAuth) seenPrompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

func TestSshSessionLifecycle(t *testing.T) {
	r := newRig(t, Config{})
	conn := r.mustSubmit(t, "ssh mel@build01")

	// The tunnel carries the command verbatim, no sentinel.
	if got := r.sess.write(0); got != "ssh mel@build01\n" {
		t.Fatalf("written = %q", got)
	}
	if got := r.c.Phase(); got != PhaseSshInteractive {
		t.Fatalf("phase = %v", got)
	}

	r.feed("ssh mel@build01\r\n")
	r.feed("Welcome to build01 (Ubuntu 22.04)\r\n")
	r.feed("mel@build01:~$ ")

	if conn.Status != block.StatusCompleted {
		t.Fatalf("connection block = %v", conn.Status)
	}
	if got := outputTexts(conn); len(got) != 1 || got[0] != "Welcome to build01 (Ubuntu 22.04)" {
		t.Fatalf("connection output = %q", got)
	}
	if got := r.c.Phase(); got != PhaseSshInteractive {
		t.Fatalf("phase after activation = %v", got)
	}

	ls := r.mustSubmit(t, "ls /opt")
	if got := r.sess.write(1); got != "ls /opt\n" {
		t.Fatalf("remote write = %q", got)
	}
	r.feed("ls /opt\r\n")
	r.feed("tooling\r\nreleases\r\n")
	if _, err := r.c.Submit("uptime"); !errors.Is(err, ErrBusy) {
		t.Fatalf("submit during remote command: %v", err)
	}
	r.feed("mel@build01:~$ ")
	if ls.Status != block.StatusCompleted {
		t.Fatalf("ls block = %v", ls.Status)
	}
	if got := outputTexts(ls); !reflect.DeepEqual(got, []string{"tooling", "releases"}) {
		t.Fatalf("ls output = %q", got)
	}

	// The remote prompt moves with the remote cwd; the identity match
	// still recognizes it.
	cd := r.mustSubmit(t, "cd /var/log")
	r.feed("cd /var/log\r\n")
	r.feed("mel@build01:/var/log$ ")
	if cd.Status != block.StatusCompleted {
		t.Fatalf("cd block = %v", cd.Status)
	}

	exitBlock := r.mustSubmit(t, "exit")
	r.feed("exit\r\n")
	r.feed("logout\r\n")

	if exitBlock.Status != block.StatusCompleted {
		t.Fatalf("exit block = %v", exitBlock.Status)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase after logout = %v", got)
	}
	probe := shell.RefreshCommand(shell.KindBash) + "\n"
	if got := r.sess.write(-1); got != probe {
		t.Fatalf("no state refresh after session end, last write = %q", got)
	}
	want := []string{"ssh mel@build01", "ls /opt", "cd /var/log", "exit"}
	if got := r.hist.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("history = %q", got)
	}
}

func TestSshConnectionFailure(t *testing.T) {
	r := newRig(t, Config{})
	conn := r.mustSubmit(t, "ssh mel@nowhere")
	r.feed("ssh mel@nowhere\r\n")
	r.feed("ssh: connect to host nowhere port 22: Connection refused\r\n")

	if conn.Status != block.StatusFailed {
		t.Fatalf("status = %v", conn.Status)
	}
	if got := outputTexts(conn); len(got) != 1 || !strings.Contains(got[0], "Connection refused") {
		t.Fatalf("output = %q", got)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestSshSessionEndDetection(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Connection to build01 closed.", true},
		{"logout", true},
		{"Connection closed by 10.0.4.2 port 22", true},
		{"client_loop: send disconnect: Broken pipe", true},
		{"ssh: Could not resolve hostname build666: Name or service not known", true},
		{"connection pool exhausted", false},
		{"downloading logs", false},
	}
	for _, tt := range tests {
		if got := sshSessionEnded(tt.line); got != tt.want {
			t.Errorf("sshSessionEnded(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestSshPromptFlipEndsSession(t *testing.T) {
	r := newRig(t, Config{})
	conn := r.mustSubmit(t, "ssh mel@build01")
	r.feed("ssh mel@build01\r\n")
	r.feed("mel@build01:~$ ")
	if conn.Status != block.StatusCompleted {
		t.Fatalf("connection block = %v", conn.Status)
	}

	// A prompt with a different identity means the tunnel is gone.
	r.feed("mel@laptop:~$ ")
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestSshLocalPromptMarkerFailsAttempt(t *testing.T) {
	r := newRig(t, Config{})
	conn := r.mustSubmit(t, "ssh gone.example")
	r.feed("ssh gone.example\r\n")
	r.feed("\x1eMP\x1fmel@dev:~$ ")

	if conn.Status != block.StatusFailed {
		t.Fatalf("status = %v", conn.Status)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestSshHostKeyPrompt(t *testing.T) {
	auth := &fakeAuth{resp: []byte("yes"), ok: true}
	r := buildRig(t, Options{Auth: auth})
	conn := r.mustSubmit(t, "ssh mel@fresh-host")
	r.feed("ssh mel@fresh-host\r\n")
	r.feed("The authenticity of host 'fresh-host (203.0.113.7)' can't be established.\r\n")
	r.feed("ED25519 key fingerprint is SHA256:Yk3mFa2.\r\n")
	r.feed("Are you sure you want to continue connecting (yes/no/[fingerprint])? ")

	waitFor(t, "auth response", func() bool { return r.sess.writeCount() == 2 })
	if got := r.sess.write(1); got != "yes\n" {
		t.Fatalf("response write = %q", got)
	}
	if kinds := auth.seenKinds(); len(kinds) != 1 || kinds[0] != AuthHostKey {
		t.Fatalf("kinds = %v", kinds)
	}
	if prompts := auth.seenPrompts(); !strings.Contains(prompts[0], "SHA256:Yk3mFa2") {
		t.Fatalf("prompt text = %q", prompts[0])
	}

	r.feed("yes\r\n") // the terminal echoes the answer; it is swallowed
	r.feed("Warning: Permanently added 'fresh-host' (ED25519) to the list of known hosts.\r\n")
	r.feed("Welcome aboard\r\n")
	r.feed("mel@fresh-host:~$ ")

	if conn.Status != block.StatusCompleted {
		t.Fatalf("status = %v", conn.Status)
	}
	if got := outputTexts(conn); !reflect.DeepEqual(got, []string{"Welcome aboard"}) {
		t.Fatalf("connection output = %q", got)
	}
}

func TestSshPasswordIsolation(t *testing.T) {
	auth := &fakeAuth{resp: []byte("tr0ub4dor&3"), ok: true}
	r := buildRig(t, Options{Auth: auth})
	conn := r.mustSubmit(t, "ssh mel@legacy-box")
	r.feed("ssh mel@legacy-box\r\n")
	r.feed("mel@legacy-box's password: ")

	waitFor(t, "auth response", func() bool { return r.sess.writeCount() == 2 })
	if got := r.sess.write(1); got != "tr0ub4dor&3\n" {
		t.Fatalf("response write = %q", got)
	}
	if kinds := auth.seenKinds(); len(kinds) != 1 || kinds[0] != AuthPassword {
		t.Fatalf("kinds = %v", kinds)
	}

	r.feed("\r\n")
	r.feed("Last login: Mon Aug 25 09:02:11 2025 from 10.0.0.8\r\n")
	r.feed("mel@legacy-box:~$ ")

	if conn.Status != block.StatusCompleted {
		t.Fatalf("status = %v", conn.Status)
	}
	if got := outputTexts(conn); !reflect.DeepEqual(got, []string{"Last login: Mon Aug 25 09:02:11 2025 from 10.0.0.8"}) {
		t.Fatalf("connection output = %q", got)
	}
	for _, l := range outputTexts(conn) {
		if strings.Contains(l, "tr0ub4dor") || strings.Contains(l, "password") {
			t.Fatalf("auth bytes surfaced in block output: %q", l)
		}
	}
	for _, p := range r.obs.allPartials() {
		if strings.Contains(p, "tr0ub4dor") || strings.Contains(p, "password") {
			t.Fatalf("auth prompt streamed as a partial: %q", p)
		}
	}
	if got := r.hist.recorded(); !reflect.DeepEqual(got, []string{"ssh mel@legacy-box"}) {
		t.Fatalf("history = %q", got)
	}
}

func TestSshAuthCancelled(t *testing.T) {
	auth := &fakeAuth{ok: false}
	r := buildRig(t, Options{Auth: auth})
	conn := r.mustSubmit(t, "ssh mel@fort")
	r.feed("ssh mel@fort\r\n")
	r.feed("mel@fort's password: ")

	waitFor(t, "interrupt byte", func() bool { return r.sess.writeCount() == 2 })
	if got := r.sess.write(1); got != "\x03" {
		t.Fatalf("cancel write = %q", got)
	}

	r.feed("\r\n\x1eMP\x1fmel@dev:~$ ")
	if conn.Status != block.StatusFailed {
		t.Fatalf("status = %v", conn.Status)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestSshConnectTimeout(t *testing.T) {
	r := newRig(t, Config{InteractiveTimeout: 10 * time.Second})
	conn := r.mustSubmit(t, "ssh mel@tarpit")
	r.feed("ssh mel@tarpit\r\n")

	r.clk.Advance(9 * time.Second)
	r.c.Tick(r.clk.Now())
	if conn.Status != block.StatusRunning {
		t.Fatalf("timed out early: %v", conn.Status)
	}

	r.clk.Advance(time.Second)
	r.c.Tick(r.clk.Now())
	if conn.Status != block.StatusTimedOut {
		t.Fatalf("status = %v", conn.Status)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestUserHost(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"mel@build01:~$", "mel@build01"},
		{"[mel@build01 logs]$", "mel@build01"},
		{"(venv) mel@build01:/srv$", "mel@build01"},
		{"root@10.0.4.2:/var#", "root@10.0.4.2"},
		{"~/projects$", ""},
		{"@host", ""},
		{"mel@", ""},
	}
	for _, tt := range tests {
		if got := userHost(tt.prompt); got != tt.want {
			t.Errorf("userHost(%q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestDetectAuthPrompt(t *testing.T) {
	tests := []struct {
		name   string
		window string
		kind   AuthKind
		found  bool
	}{
		{
			"host key",
			"The authenticity of host 'h (1.2.3.4)' can't be established.\nAre you sure you want to continue connecting (yes/no)? ",
			AuthHostKey, true,
		},
		{
			"passphrase",
			"Enter passphrase for key '/home/mel/.ssh/id_ed25519': ",
			AuthPassphrase, true,
		},
		{
			"password",
			"mel@build01's password: ",
			AuthPassword, true,
		},
		{
			"password mentioned mid-sentence",
			"choose a password next time\n",
			0, false,
		},
		{
			"plain output",
			"compiling module auth\n",
			0, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, prompt, found := detectAuthPrompt(tt.window)
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if !found {
				return
			}
			if kind != tt.kind {
				t.Fatalf("kind = %v, want %v", kind, tt.kind)
			}
			if prompt == "" {
				t.Fatal("empty prompt text")
			}
		})
	}
}

func TestExtractSshHost(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"ssh build01", "build01"},
		{"ssh -p 2222 mel@build01", "mel@build01"},
		{"ssh -v -A bastion", "bastion"},
		{"ssh", "remote"},
	}
	for _, tt := range tests {
		if got := extractSshHost(tt.command); got != tt.want {
			t.Errorf("extractSshHost(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}
