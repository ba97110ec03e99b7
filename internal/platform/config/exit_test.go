package config_test

import (
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/reprohum/studypool/internal/platform/config"
)

// Exitf calls os.Exit, so the assertion runs against a subprocess
// re-invoking this test binary.
func TestExitfExitsWithCode1(t *testing.T) {
	if os.Getenv("TEST_EXITF_SUBPROCESS") == "1" {
		config.Exitf("fatal: %s", "db path missing")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitfExitsWithCode1$")
	cmd.Env = append(os.Environ(), "TEST_EXITF_SUBPROCESS=1")

	out, err := cmd.CombinedOutput()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 1 {
		t.Fatalf("exit code = %d, want 1", exitErr.ExitCode())
	}
	if !strings.Contains(string(out), "fatal: db path missing") {
		t.Fatalf("stderr = %q, want it to contain %q", string(out), "fatal: db path missing")
	}
}
