package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runWithContext(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestOncePrintsWatchedValues(t *testing.T) {
	code, stdout, stderr := runCLI(t,
		"-document", filepath.Join("testdata", "user.yaml"),
		"-config", filepath.Join("testdata", "kvbind.toml"),
		"-watch", "profile.favoriteColorHex",
		"-watch", "name",
		"-once",
	)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	want := strings.Join([]string{
		"keypath_initial profile.favoriteColorHex nil -> 1122867",
		`keypath_initial name nil -> "ada"`,
		"",
	}, "\n")
	if stdout != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", stdout, want)
	}
}

func TestOnceAppliesBindTransforms(t *testing.T) {
	code, stdout, stderr := runCLI(t,
		"-document", filepath.Join("testdata", "user.toml"),
		"-bind", "color=profile.favoriteColorHex:hex",
		"-bind", "theme=profile.theme:upper",
		"-bind", "who=name",
		"-once",
		"-log-level", "error",
	)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	for _, line := range []string{`bound color = "#AABBCC"`, `bound theme = "LIGHT"`, `bound who = "ada"`} {
		if !strings.Contains(stdout, line+"\n") {
			t.Fatalf("expected %q in output:\n%s", line, stdout)
		}
	}
}

func TestBindTypeMismatchIsRuntimeError(t *testing.T) {
	code, _, stderr := runCLI(t,
		"-document", filepath.Join("testdata", "user.yaml"),
		"-bind", "theme=profile.favoriteColorHex:upper",
		"-once",
	)
	if code != exitCodeRuntime {
		t.Fatalf("expected runtime error, got %d", code)
	}
	if !strings.Contains(stderr, "bind theme=profile.favoriteColorHex") {
		t.Fatalf("expected bind error, got %q", stderr)
	}
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		{"-watch", "name"},
		{"-document", "user.yaml"},
		{"-document", "user.yaml", "-bind", "nokey"},
		{"-document", "user.yaml", "-bind", "a.b=name"},
		{"-document", "user.yaml", "-bind", "a=name:rot13"},
		{"-document", "user.yaml", "-bind", "a=name", "-bind", "a=tags"},
		{"-document", "user.yaml", "-watch", "profile..theme"},
		{"-document", "user.yaml", "-watch", "name", "extra"},
		{"-unknown"},
	}
	for _, args := range cases {
		code, _, stderr := runCLI(t, args...)
		if code != exitCodeUsage {
			t.Fatalf("%v: expected usage error, got %d", args, code)
		}
		if strings.TrimSpace(stderr) == "" {
			t.Fatalf("%v: expected stderr output", args)
		}
	}
}

func TestConfigErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[log\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, _, _ := runCLI(t, "-document", filepath.Join("testdata", "user.yaml"), "-config", path, "-watch", "name", "-once")
	if code != exitCodeConfig {
		t.Fatalf("expected config error, got %d", code)
	}
	code, _, _ = runCLI(t, "-document", filepath.Join("testdata", "user.yaml"), "-log-level", "loud", "-watch", "name", "-once")
	if code != exitCodeConfig {
		t.Fatalf("expected config error for log level, got %d", code)
	}
}

func TestUnresolvableWatchIsRuntimeError(t *testing.T) {
	code, _, stderr := runCLI(t, "-document", filepath.Join("testdata", "user.yaml"), "-watch", "profile.missing", "-once")
	if code != exitCodeRuntime {
		t.Fatalf("expected runtime error, got %d", code)
	}
	if !strings.Contains(stderr, "watch profile.missing") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestMissingDocumentIsRuntimeError(t *testing.T) {
	code, _, stderr := runCLI(t, "-document", filepath.Join(t.TempDir(), "missing.yaml"), "-watch", "name", "-once")
	if code != exitCodeRuntime {
		t.Fatalf("expected runtime error, got %d", code)
	}
	if !strings.Contains(stderr, "open document") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestHelpAndVersion(t *testing.T) {
	code, _, stderr := runCLI(t, "-help")
	if code != exitCodeSuccess || !strings.Contains(stderr, "Usage: kvbind") {
		t.Fatalf("unexpected help result %d %q", code, stderr)
	}
	code, stdout, _ := runCLI(t, "-version")
	if code != exitCodeSuccess || !strings.HasPrefix(stdout, "kvbind") {
		t.Fatalf("unexpected version result %d %q", code, stdout)
	}
}

func TestFollowsDocumentUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.yaml")
	if err := os.WriteFile(path, []byte("name: ada\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	output := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- runWithContext(ctx, []string{"-document", path, "-watch", "name", "-log-level", "error"}, output, &syncBuffer{})
	}()

	waitForOutput(t, output, `keypath_initial name nil -> "ada"`)
	if err := os.WriteFile(path, []byte("name: grace\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitForOutput(t, output, `keypath_changed name "ada" -> "grace"`)

	cancel()
	if code := <-done; code != exitCodeSuccess {
		t.Fatalf("expected success, got %d", code)
	}
}
