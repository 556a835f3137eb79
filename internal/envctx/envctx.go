// Package envctx derives development-environment context from a shell's
// environment snapshot and working directory. Detection is pure and
// deterministic; only the git probe touches the system.
package envctx

import (
	"context"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind identifies a detected environment manager.
type Kind int

const (
	KindPythonVenv Kind = iota + 1
	KindConda
	KindNvmNode
	KindRbenv
	KindRvm
	KindDirenv
)

func (k Kind) String() string {
	switch k {
	case KindPythonVenv:
		return "venv"
	case KindConda:
		return "conda"
	case KindNvmNode:
		return "node"
	case KindRbenv:
		return "rbenv"
	case KindRvm:
		return "rvm"
	case KindDirenv:
		return "direnv"
	default:
		return "unknown"
	}
}

// Context is one detected environment, such as an activated virtualenv.
type Context struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// Tag renders the short display form, e.g. "venv:api" or "node:18.2.0".
func (c Context) Tag() string {
	return c.Kind.String() + ":" + c.Name
}

// Tags renders every context in order.
func Tags(ctxs []Context) []string {
	if len(ctxs) == 0 {
		return nil
	}
	out := make([]string, len(ctxs))
	for i, c := range ctxs {
		out[i] = c.Tag()
	}
	return out
}

var nvmBinRe = regexp.MustCompile(`/node/v(\d+\.\d+\.\d+)/bin$`)

// Detect derives the ordered context list from an environment snapshot.
// Rules, in order:
//
//   - VIRTUAL_ENV non-empty: python venv named after the path basename.
//   - CONDA_DEFAULT_ENV non-empty, unless it is "base" with no
//     CONDA_PREFIX set (a default install that was never activated).
//   - NVM_BIN ending in .../node/vX.Y.Z/bin: node version X.Y.Z.
//   - RBENV_VERSION non-empty, else rvm_ruby_string (rbenv wins when
//     both managers leak into the environment).
//   - DIRENV_DIR present: direnv is active in this directory.
func Detect(env map[string]string) []Context {
	var out []Context

	if v := env["VIRTUAL_ENV"]; v != "" {
		out = append(out, Context{Kind: KindPythonVenv, Name: filepath.Base(v)})
	}

	if d := env["CONDA_DEFAULT_ENV"]; d != "" {
		if d != "base" || env["CONDA_PREFIX"] != "" {
			out = append(out, Context{Kind: KindConda, Name: d})
		}
	}

	if b := env["NVM_BIN"]; b != "" {
		if m := nvmBinRe.FindStringSubmatch(filepath.ToSlash(b)); m != nil {
			out = append(out, Context{Kind: KindNvmNode, Name: m[1]})
		}
	}

	if r := env["RBENV_VERSION"]; r != "" {
		out = append(out, Context{Kind: KindRbenv, Name: r})
	} else if r := env["rvm_ruby_string"]; r != "" {
		out = append(out, Context{Kind: KindRvm, Name: r})
	}

	if _, ok := env["DIRENV_DIR"]; ok {
		out = append(out, Context{Kind: KindDirenv, Name: "active"})
	}

	return out
}

// Git is repository state captured by GitProbe.
type Git struct {
	Branch string `json:"branch"`
	Dirty  bool   `json:"dirty"`
}

// GitProbe inspects dir for an enclosing git repository and returns its
// current branch and whether the worktree has uncommitted changes. Any
// failure (no git binary, not a repository, timeout) returns nil.
func GitProbe(ctx context.Context, dir string) *Git {
	branch, err := gitOutput(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || branch == "" {
		return nil
	}
	g := &Git{Branch: branch}
	if status, err := gitOutput(ctx, dir, "status", "--porcelain"); err == nil {
		g.Dirty = strings.TrimSpace(status) != ""
	}
	return g
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
