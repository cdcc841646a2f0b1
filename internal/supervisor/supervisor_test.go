package supervisor

import (
	"context"
	"os"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires /bin/sh")
	}
}

func TestRunCmdCapturesOutputLines(t *testing.T) {
	requireUnix(t)
	var lines []struct {
		stream Stream
		line   string
	}
	log := func(name string, stream Stream, line string) {
		lines = append(lines, struct {
			stream Stream
			line   string
		}{stream, line})
	}
	err := RunCmd(context.Background(), "/bin/sh", []string{"-c", "echo out-line; echo err-line 1>&2"}, log)
	if err != nil {
		t.Fatalf("RunCmd() error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2: %+v", len(lines), lines)
	}
}

func TestRunCmdReturnsErrorOnNonzeroExit(t *testing.T) {
	requireUnix(t)
	if err := RunCmd(context.Background(), "/bin/sh", []string{"-c", "exit 3"}, nil); err == nil {
		t.Fatal("RunCmd() for a command exiting 3 returned nil error")
	}
}

func TestRunSupervisesMultipleChildrenAndTeardownOnExit(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	specs := []Spec{
		{Name: "quick-exit", Path: "/bin/sh", Args: []string{"-c", "exit 0"}},
		{Name: "long-runner", Path: "/bin/sh", Args: []string{"-c", "sleep 30"}},
	}
	s := New(nil)
	err := s.Run(ctx, specs)
	if err == nil {
		t.Fatal("Run() returned nil error even though a child exited")
	}
}

func TestNewWithNilLogDiscardsOutput(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	if s.log == nil {
		t.Fatal("New(nil) left log nil; should default to a discarding func")
	}
	// must not panic when invoked.
	s.log("child", StreamStdout, "a line")
}

func TestSpawnDropsPrivilegeOnlyWhenRequested(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("privilege-drop only exercised when running as root")
	}
	requireUnix(t)

	plain := New(nil)
	_ = plain.Run(context.Background(), []Spec{{Name: "as-is", Path: "/bin/sh", Args: []string{"-c", "exit 0"}}})
	if attr := plain.children[0].cmd.SysProcAttr; attr != nil {
		t.Fatalf("SysProcAttr = %+v for a spec with no UID/GID, want nil", attr)
	}

	dropped := New(nil)
	_ = dropped.Run(context.Background(), []Spec{{Name: "nobody", Path: "/bin/sh", Args: []string{"-c", "exit 0"}, UID: 65534, GID: 65534}})
	attr := dropped.children[0].cmd.SysProcAttr
	if attr == nil || attr.Credential == nil || attr.Credential.Uid != 65534 || attr.Credential.Gid != 65534 {
		t.Fatalf("SysProcAttr = %+v for a spec with UID/GID 65534, want that credential", attr)
	}
}
