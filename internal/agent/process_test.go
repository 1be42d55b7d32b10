package agent

import (
	"bufio"
	"os"
	"runtime"
	"testing"
)

func TestDefaultSpawn_PipesStdioAndHonorsCwdAndEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("defaultSpawn test assumes a POSIX shell")
	}
	dir := t.TempDir()

	proc, err := defaultSpawn("sh", []string{"-c", "pwd && echo \"$GREETING\""}, dir, []string{"GREETING=hello", "PATH=" + os.Getenv("PATH")})
	if err != nil {
		t.Fatalf("defaultSpawn: %v", err)
	}
	proc.Stdin().Close()

	scanner := bufio.NewScanner(proc.Stdout())
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines of output, got %v", lines)
	}
	if lines[1] != "hello" {
		t.Fatalf("expected curated env to reach subprocess, got %q", lines[1])
	}
}

func TestDefaultSpawn_SignalTerminatesProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are POSIX-specific")
	}
	proc, err := defaultSpawn("sleep", []string{"30"}, ".", nil)
	if err != nil {
		t.Fatalf("defaultSpawn: %v", err)
	}
	if err := proc.Signal(terminateSignal); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := proc.Wait(); err == nil {
		t.Fatal("expected Wait to report a non-nil exit status after SIGTERM")
	}
}
