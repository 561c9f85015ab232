package process

import (
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/tailvisor/internal/env"
)

// Spec is the user supplied configuration of a supervised command. It is the
// body of create and update requests.
type Spec struct {
	Command   string `json:"command"`
	User      string `json:"user"`
	Name      string `json:"name"`
	Dir       string `json:"dir"`
	Autostart bool   `json:"autostart"`
}

// Validate checks the fields that must be present before a spawn is attempted.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("command required")
	}
	if strings.TrimSpace(s.User) == "" {
		return errors.New("user required")
	}
	return nil
}

// Wrapper names how the command string is handed to the OS.
const (
	// WrapperScript runs the command under script(1) so the child sees a
	// pseudo-terminal and behaves as it would interactively.
	WrapperScript = "script"
	// WrapperShell runs the command with /bin/sh -c and plain pipes.
	WrapperShell = "sh"
)

// Options controls how commands are built.
type Options struct {
	Wrapper string   // WrapperScript (default) or WrapperShell
	Shell   string   // value of SHELL for the child, default /bin/bash
	Term    string   // value of TERM for the child, default xterm
	Env     []string // extra KEY=VALUE entries applied over the supervisor's environment
}

func (o Options) withDefaults() Options {
	if o.Wrapper == "" {
		o.Wrapper = WrapperScript
	}
	if o.Shell == "" {
		o.Shell = "/bin/bash"
	}
	if o.Term == "" {
		o.Term = "xterm"
	}
	return o
}

// BuildCommand constructs the *exec.Cmd for spec. Working directory and the
// SHELL/TERM environment are set; stdio and credentials are left to the caller.
func BuildCommand(spec Spec, opts Options) *exec.Cmd {
	opts = opts.withDefaults()
	var cmd *exec.Cmd
	switch opts.Wrapper {
	case WrapperShell:
		// #nosec G204
		cmd = exec.Command("/bin/sh", "-c", spec.Command)
	default:
		// #nosec G204
		cmd = exec.Command("/usr/bin/env", "script", "-q", "-c", spec.Command, "/dev/null")
	}
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = env.Compose(os.Environ(), opts.Env, env.Layer{"SHELL=" + opts.Shell, "TERM=" + opts.Term})
	return cmd
}
