package process

import (
	"runtime"
	"strings"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		errContains string
	}{
		{name: "valid", spec: Spec{Command: "echo hi", User: "root"}},
		{name: "missing command", spec: Spec{User: "root"}, errContains: "command"},
		{name: "blank command", spec: Spec{Command: "   ", User: "root"}, errContains: "command"},
		{name: "missing user", spec: Spec{Command: "true"}, errContains: "user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestBuildCommand_ScriptWrapper(t *testing.T) {
	requireUnix(t)
	cmd := BuildCommand(Spec{Command: "top -b", Dir: "/tmp"}, Options{})
	want := []string{"/usr/bin/env", "script", "-q", "-c", "top -b", "/dev/null"}
	if strings.Join(cmd.Args, "\x00") != strings.Join(want, "\x00") {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Dir != "/tmp" {
		t.Fatalf("expected dir /tmp, got %q", cmd.Dir)
	}
	assertEnv(t, cmd.Env, "SHELL=/bin/bash")
	assertEnv(t, cmd.Env, "TERM=xterm")
}

func TestBuildCommand_ShellWrapperAndEnvOverrides(t *testing.T) {
	requireUnix(t)
	cmd := BuildCommand(Spec{Command: "echo hi | wc -c"}, Options{Wrapper: WrapperShell, Shell: "/bin/zsh", Term: "dumb"})
	if len(cmd.Args) != 3 || cmd.Args[0] != "/bin/sh" || cmd.Args[1] != "-c" || cmd.Args[2] != "echo hi | wc -c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Dir != "" {
		t.Fatalf("expected empty dir, got %q", cmd.Dir)
	}
	assertEnv(t, cmd.Env, "SHELL=/bin/zsh")
	assertEnv(t, cmd.Env, "TERM=dumb")
}

func TestBuildCommand_ExtraEnv(t *testing.T) {
	requireUnix(t)
	t.Setenv("TAILVISOR_TEST_BASE", "/srv")
	cmd := BuildCommand(Spec{Command: "true"}, Options{Env: []string{
		"APP_HOME=${TAILVISOR_TEST_BASE}/app",
		"TERM=ignored",
	}})
	assertEnv(t, cmd.Env, "APP_HOME=/srv/app")
	assertEnv(t, cmd.Env, "TAILVISOR_TEST_BASE=/srv")
	// SHELL and TERM from Options always win
	assertEnv(t, cmd.Env, "TERM=xterm")
	assertEnv(t, cmd.Env, "SHELL=/bin/bash")
}

func assertEnv(t *testing.T, env []string, kv string) {
	t.Helper()
	// later entries win in exec, so check the last definition of the key
	key := kv[:strings.IndexByte(kv, '=')+1]
	last := ""
	for _, e := range env {
		if strings.HasPrefix(e, key) {
			last = e
		}
	}
	if last != kv {
		t.Fatalf("expected %s in env, last definition was %q", kv, last)
	}
}
