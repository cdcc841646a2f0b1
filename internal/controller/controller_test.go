package controller

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swupdate/agent-core/internal/ipc"
)

func startTestController(t *testing.T, opts Options) (*Controller, func()) {
	t.Helper()
	dir := t.TempDir()
	opts.ControlSocketPath = filepath.Join(dir, "control.sock")
	opts.ProgressSocketPath = filepath.Join(dir, "progress.sock")

	c := New(opts)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(ctx) }()

	// give the accept loops a moment to bind.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if conn, err := net.Dial("unix", opts.ControlSocketPath); err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never became dialable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return c, func() {
		cancel()
		<-errCh
	}
}

func dialControl(t *testing.T, c *Controller, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	return conn
}

func TestControllerAckThenBusyNack(t *testing.T) {
	var installStarted = make(chan struct{})
	var releaseInstall = make(chan struct{})
	opts := Options{
		Install: func(ctx context.Context, req InstallRequest) error {
			close(installStarted)
			<-releaseInstall
			return nil
		},
	}
	c, stop := startTestController(t, opts)
	defer stop()

	conn1, err := net.Dial("unix", c.opts.ControlSocketPath)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn1.Close()

	req := ipc.NewMessage(ipc.ReqInstall)
	req.SetInstall(ipc.SourceLocal, 0, 0, nil)
	if err := req.Encode(conn1); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	reply, err := ipc.Decode(conn1)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if reply.Type != ipc.Ack {
		t.Fatalf("first install reply = %v, want Ack", reply.Type)
	}
	<-installStarted

	conn2, err := net.Dial("unix", c.opts.ControlSocketPath)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn2.Close()
	if err := req.Encode(conn2); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	reply2, err := ipc.Decode(conn2)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if reply2.Type != ipc.Nack {
		t.Fatalf("second concurrent install reply = %v, want Nack", reply2.Type)
	}

	close(releaseInstall)
}

func TestControllerGetStatus(t *testing.T) {
	opts := Options{
		Status: func() (int32, int32, int32, string) {
			return 3, 1, 0, "installing"
		},
	}
	c, stop := startTestController(t, opts)
	defer stop()

	conn := dialControl(t, c, c.opts.ControlSocketPath)
	defer conn.Close()

	req := ipc.NewMessage(ipc.GetStatus)
	if err := req.Encode(conn); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	reply, err := ipc.Decode(conn)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	current, lastResult, errCode, desc := reply.Status()
	if current != 3 || lastResult != 1 || errCode != 0 || desc != "installing" {
		t.Fatalf("Status() = %d, %d, %d, %q", current, lastResult, errCode, desc)
	}
}

func TestControllerUnknownMessageTypeNacks(t *testing.T) {
	c, stop := startTestController(t, Options{})
	defer stop()

	conn := dialControl(t, c, c.opts.ControlSocketPath)
	defer conn.Close()

	req := ipc.NewMessage(ipc.PostUpdate)
	if err := req.Encode(conn); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	reply, err := ipc.Decode(conn)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if reply.Type != ipc.Nack {
		t.Fatalf("reply.Type = %v, want Nack", reply.Type)
	}
}

func TestControllerNotifyFanOutAndBacklogReplay(t *testing.T) {
	c, stop := startTestController(t, Options{})
	defer stop()

	// emit a few notifications before any subscriber connects; they
	// should still be replayed to a late subscriber.
	for i := 0; i < 3; i++ {
		msg := ipc.NewProgressMsg()
		msg.CurStep = uint32(i + 1)
		c.Notify(*msg)
	}

	conn, err := net.Dial("unix", c.opts.ProgressSocketPath)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	// first message is always the current status snapshot (spec.md §4.6 /
	// S6), i.e. a repeat of the most recent notification.
	snapshot, err := ipc.DecodeProgress(conn)
	if err != nil {
		t.Fatalf("DecodeProgress() for the snapshot error: %v", err)
	}
	if snapshot.CurStep != 3 {
		t.Fatalf("snapshot.CurStep = %d, want 3", snapshot.CurStep)
	}

	for i := 0; i < 3; i++ {
		got, err := ipc.DecodeProgress(conn)
		if err != nil {
			t.Fatalf("DecodeProgress() error: %v", err)
		}
		if got.CurStep != uint32(i+1) {
			t.Fatalf("backlog[%d].CurStep = %d, want %d", i, got.CurStep, i+1)
		}
	}

	// a live notification sent after the subscriber connected.
	live := ipc.NewProgressMsg()
	live.CurStep = 99
	// give handleProgressConn's subscribe a moment to register before
	// publishing, since Notify only reaches already-subscribed channels.
	time.Sleep(20 * time.Millisecond)
	c.Notify(*live)

	got, err := ipc.DecodeProgress(conn)
	if err != nil {
		t.Fatalf("DecodeProgress() for the live update error: %v", err)
	}
	if got.CurStep != 99 {
		t.Fatalf("live update CurStep = %d, want 99", got.CurStep)
	}
}

func TestControllerSubprocessRPC(t *testing.T) {
	opts := Options{
		Subprocess: func(ctx context.Context, info []byte) ([]byte, error) {
			return append([]byte("reply:"), info...), nil
		},
	}
	c, stop := startTestController(t, opts)
	defer stop()

	conn := dialControl(t, c, c.opts.ControlSocketPath)
	defer conn.Close()

	req := ipc.NewMessage(ipc.Subprocess)
	req.SetInstall(ipc.SourceLocal, 0, 0, []byte("ping"))
	if err := req.Encode(conn); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	reply, err := ipc.Decode(conn)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	_, _, _, info := reply.Install()
	if string(info) != "reply:ping" {
		t.Fatalf("subprocess reply info = %q, want %q", info, "reply:ping")
	}
}

func TestControllerSubprocessRPCNoHandlerNacks(t *testing.T) {
	c, stop := startTestController(t, Options{})
	defer stop()

	conn := dialControl(t, c, c.opts.ControlSocketPath)
	defer conn.Close()

	req := ipc.NewMessage(ipc.Subprocess)
	req.SetInstall(ipc.SourceLocal, 0, 0, nil)
	if err := req.Encode(conn); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	reply, err := ipc.Decode(conn)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if reply.Type != ipc.Nack {
		t.Fatalf("reply.Type = %v, want Nack", reply.Type)
	}
}

func TestControllerAcceptedSoftwareSetsNacksUnlisted(t *testing.T) {
	called := false
	opts := Options{
		AcceptedSoftwareSets: []SoftwareSetSelector{{SoftwareSet: "stable", RunningMode: "main"}},
		Install: func(ctx context.Context, req InstallRequest) error {
			called = true
			return nil
		},
	}
	c, stop := startTestController(t, opts)
	defer stop()

	conn := dialControl(t, c, c.opts.ControlSocketPath)
	defer conn.Close()

	req := ipc.NewMessage(ipc.ReqInstall)
	req.SetInstall(ipc.SourceLocal, 0, 0, []byte("beta,main"))
	if err := req.Encode(conn); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	reply, err := ipc.Decode(conn)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if reply.Type != ipc.Nack {
		t.Fatalf("reply.Type = %v, want Nack", reply.Type)
	}
	if called {
		t.Fatal("Install was called for an unaccepted software-set/running-mode pair")
	}
}

func TestControllerInstallStreamsAcceptedConnBytes(t *testing.T) {
	gotBytes := make(chan []byte, 1)
	opts := Options{
		AcceptedSoftwareSets: []SoftwareSetSelector{{SoftwareSet: "stable", RunningMode: "main"}},
		Install: func(ctx context.Context, req InstallRequest) error {
			if req.SoftwareSet != "stable" || req.RunningMode != "main" {
				t.Errorf("req selector = %q/%q, want stable/main", req.SoftwareSet, req.RunningMode)
			}
			buf := make([]byte, len("bundle-bytes"))
			if _, err := io.ReadFull(req.Stream, buf); err != nil {
				t.Errorf("reading req.Stream: %v", err)
			}
			gotBytes <- buf
			return nil
		},
	}
	c, stop := startTestController(t, opts)
	defer stop()

	conn := dialControl(t, c, c.opts.ControlSocketPath)
	defer conn.Close()

	req := ipc.NewMessage(ipc.ReqInstall)
	req.SetInstall(ipc.SourceLocal, 0, 0, []byte("stable,main"))
	if err := req.Encode(conn); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if _, err := conn.Write([]byte("bundle-bytes")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	reply, err := ipc.Decode(conn)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if reply.Type != ipc.Ack {
		t.Fatalf("reply.Type = %v, want Ack", reply.Type)
	}
	select {
	case got := <-gotBytes:
		if string(got) != "bundle-bytes" {
			t.Fatalf("req.Stream bytes = %q, want %q", got, "bundle-bytes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Install to read req.Stream")
	}
}

func TestControllerConcurrentInstallRequestsOnlyOneRuns(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	opts := Options{
		Install: func(ctx context.Context, req InstallRequest) error {
			mu.Lock()
			ran++
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}
	c, stop := startTestController(t, opts)
	defer stop()

	const n = 5
	var wg sync.WaitGroup
	acks, nacks := 0, 0
	var resultMu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("unix", c.opts.ControlSocketPath)
			if err != nil {
				return
			}
			defer conn.Close()
			req := ipc.NewMessage(ipc.ReqInstall)
			req.SetInstall(ipc.SourceLocal, 0, 0, nil)
			if err := req.Encode(conn); err != nil {
				return
			}
			reply, err := ipc.Decode(conn)
			if err != nil {
				return
			}
			resultMu.Lock()
			if reply.Type == ipc.Ack {
				acks++
			} else {
				nacks++
			}
			resultMu.Unlock()
		}()
	}
	wg.Wait()
	if acks == 0 {
		t.Fatal("no install request was acknowledged")
	}
	if acks+nacks != n {
		t.Fatalf("acks+nacks = %d, want %d", acks+nacks, n)
	}
	if acks != 1 {
		t.Fatalf("acks = %d, want exactly 1 among %d concurrent install requests", acks, n)
	}
}
