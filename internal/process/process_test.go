package process_test

import (
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/whispo/contextd/internal/process"
	"github.com/whispo/contextd/pkg/models"
)

func TestLogBuffer_RingAndTail(t *testing.T) {
	lb := process.NewLogBuffer(3)
	for _, l := range []string{"one", "two", "three", "four"} {
		lb.Write("stderr", l)
	}
	got := lb.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent(0) len = %d, want 3", len(got))
	}
	if got[0].Line != "two" || got[2].Line != "four" {
		t.Errorf("Recent(0) = %+v, want two..four", got)
	}
	if lb.Tail() != "four" {
		t.Errorf("Tail() = %q, want %q", lb.Tail(), "four")
	}
	if n := len(lb.Recent(2)); n != 2 {
		t.Errorf("Recent(2) len = %d, want 2", n)
	}
}

func TestLineWriter_SplitsLines(t *testing.T) {
	lb := process.NewLogBuffer(10)
	w := lb.Writer("stderr")
	_, _ = w.Write([]byte("hello wo"))
	_, _ = w.Write([]byte("rld\r\nsecond\n\npartial"))
	w.Flush()

	var lines []string
	for _, e := range lb.Recent(0) {
		lines = append(lines, e.Line)
	}
	want := "hello world|second|partial"
	if strings.Join(lines, "|") != want {
		t.Errorf("lines = %q, want %q", strings.Join(lines, "|"), want)
	}
}

func TestSpawn_MissingCommand(t *testing.T) {
	_, err := process.Spawn(models.ProviderConfig{Name: "ghost", Command: "/definitely/not/here"}, nil, 0)
	if err == nil {
		t.Fatal("Spawn() with missing executable should fail")
	}
	if _, err := process.Spawn(models.ProviderConfig{Name: "empty"}, nil, 0); err == nil {
		t.Fatal("Spawn() with empty command should fail")
	}
}

func TestSpawn_StreamsStdoutAndCapturesStderr(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	logs := process.NewLogBuffer(10)
	p, err := process.Spawn(models.ProviderConfig{
		Name:    "sh",
		Command: sh,
		Args:    []string{"-c", `read line; echo "got $line $GREETING"; echo oops 1>&2`},
		Env:     map[string]string{"GREETING": "hi"},
	}, logs, time.Second)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer p.Stop()

	if _, err := p.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	out, err := io.ReadAll(p)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if strings.TrimSpace(string(out)) != "got ping hi" {
		t.Errorf("stdout = %q, want %q", out, "got ping hi")
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if logs.Tail() != "oops" {
		t.Errorf("stderr tail = %q, want %q", logs.Tail(), "oops")
	}
}
