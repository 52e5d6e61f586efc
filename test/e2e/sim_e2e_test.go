//go:build e2e

// Package e2e contains end-to-end tests that run the real binaries or talk
// to real services.
package e2e

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// buildBinary builds a cmd/ package into a temp dir and returns its path.
func buildBinary(t *testing.T, name string) string {
	t.Helper()
	exe := filepath.Join(t.TempDir(), exeName(name))
	build := exec.Command("go", "build", "-o", exe, "quotely/cmd/"+name)
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		t.Fatalf("failed to build %s: %v", name, err)
	}
	return exe
}

// scanLines copies lines from the child's output into a channel.
func scanLines(r io.Reader, out chan<- string) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		out <- s.Text()
	}
}

func exeName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// TestSimE2E_CacheMatchesSystemOfRecord runs the single-process simulator
// against embedded Redis and the in-memory log and store, and expects the
// final comparison to report agreement.
func TestSimE2E_CacheMatchesSystemOfRecord(t *testing.T) {
	exe := buildBinary(t, "reaction-sim")
	cmd := exec.Command(exe,
		"-duration=2s",
		"-settle=5s",
		"-actors=100",
		"-items=10",
		"-qps=300",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	cmd.Stderr = cmd.Stdout
	lines := make(chan string, 1024)
	go func() {
		scanLines(stdout, lines)
		close(lines)
	}()
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start sim: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	deadline := time.After(30 * time.Second)
	var seen []string
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("sim exited without agreement; output:\n%s", strings.Join(seen, "\n"))
			}
			seen = append(seen, line)
			if strings.Contains(line, "disagree") {
				t.Fatalf("sim reported drift: %s", line)
			}
			if strings.Contains(line, "cache and system of record agree") {
				return
			}
		case <-deadline:
			t.Fatalf("sim did not finish in time; output:\n%s", strings.Join(seen, "\n"))
		}
	}
}
