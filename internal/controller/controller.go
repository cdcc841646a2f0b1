// Package controller runs the agent's two Unix-domain-socket endpoints —
// the control socket (install requests, status queries, subprocess RPC)
// and the progress socket (a fan-out notification stream) — grounded on
// the wire format in internal/ipc. Goroutine lifetimes across the two
// accept loops and the notification fan-out are coordinated with
// golang.org/x/sync/errgroup, the same "one error cancels the whole
// group" pattern the rest of the pack's concurrent command-line tools
// reach for instead of hand-rolled sync.WaitGroup plus error channels.
package controller

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swupdate/agent-core/internal/dict"
	"github.com/swupdate/agent-core/internal/errs"
	"github.com/swupdate/agent-core/internal/ipc"
	"github.com/swupdate/agent-core/internal/pipeline"
)

// notificationBacklog bounds how many progress messages a newly connected
// subscriber gets replayed before it starts seeing live traffic.
const notificationBacklog = 100

// defaultRPCTimeout bounds how long SubprocessCall waits for a reply.
const defaultRPCTimeout = 60 * time.Second

// InstallFunc runs one install request to completion. Stream is the
// accepted connection itself, positioned right after the ACK the
// controller already sent: the caller is expected to read the bundle's
// raw archive bytes directly off it, the same "keep streaming over the
// accepted fd" shape the source project's install path uses instead of
// staging the payload through a side channel.
type InstallFunc func(ctx context.Context, req InstallRequest) error

// InstallRequest is the decoded form of an ipc.ReqInstall/ReqInstallDryRun
// message, plus the live connection the bundle bytes arrive on.
type InstallRequest struct {
	Source      ipc.Source
	Cmd         int32
	Dryrun      bool
	SoftwareSet string
	RunningMode string
	Info        []byte
	Timeout     time.Duration
	Stream      io.Reader
}

// SoftwareSetSelector names one (software-set, running-mode) pair the
// agent accepts install requests for. An empty AcceptedSoftwareSets list
// on Options means every selector is accepted.
type SoftwareSetSelector struct {
	SoftwareSet string
	RunningMode string
}

func splitSelector(s string) (softwareSet, runningMode string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// StatusFunc reports the agent's current status for a GET_STATUS request.
type StatusFunc func() (current, lastResult, errCode int32, desc string)

// SubprocessHandler forwards a SWUPDATE_SUBPROCESS request to whatever
// optional child service owns it (internal/supervisor) and returns its
// reply payload.
type SubprocessHandler func(ctx context.Context, info []byte) ([]byte, error)

// SetAESKeyFunc installs the process-wide decrypt key carried by a
// set-AES-key request.
type SetAESKeyFunc func(key *pipeline.AESKey) error

// StateFunc reads or writes the bootloader state-marker value by name,
// backing get-state/set-state requests.
type StateFunc func(name string) (string, error)

// HWRevisionFunc reports the board's configured hardware revision,
// backing get-hw-revision requests.
type HWRevisionFunc func() string

// Options configures a Controller.
type Options struct {
	ControlSocketPath  string
	ProgressSocketPath string
	Install            InstallFunc
	Status             StatusFunc
	Subprocess         SubprocessHandler
	SetAESKey          SetAESKeyFunc
	GetHWRevision      HWRevisionFunc
	GetState           StateFunc
	SetState           StateFunc

	// AcceptedSoftwareSets restricts which (software-set, running-mode)
	// selectors an install request may name; a request naming anything
	// else is NACKed before Install is ever called. Empty accepts every
	// selector, including the unset one.
	AcceptedSoftwareSets []SoftwareSetSelector
}

func (c *Controller) softwareSetAccepted(softwareSet, runningMode string) bool {
	if len(c.opts.AcceptedSoftwareSets) == 0 {
		return true
	}
	for _, sel := range c.opts.AcceptedSoftwareSets {
		if sel.SoftwareSet == softwareSet && sel.RunningMode == runningMode {
			return true
		}
	}
	return false
}

// Controller owns both sockets and the install-request busy lock.
type Controller struct {
	opts Options

	mu   sync.Mutex
	busy bool

	subsMu     sync.Mutex
	subs       map[chan ipc.ProgressMsg]struct{}
	ring       []ipc.ProgressMsg
	lastStatus *ipc.ProgressMsg

	// vars backs set-var/get-var requests: a small process-wide key/value
	// store distinct from the manifest's own "vars" section, the same
	// role the source project's set_version/get_version style accessors
	// play over its own globals (core/util.c).
	varsMu sync.Mutex
	vars   *dict.Dict
}

// New builds a Controller. It does not bind any socket yet; call Serve to
// start listening.
func New(opts Options) *Controller {
	return &Controller{opts: opts, subs: map[chan ipc.ProgressMsg]struct{}{}, vars: dict.New()}
}

// Serve binds both sockets and runs their accept loops until ctx is
// cancelled or either loop hits an unrecoverable error.
func (c *Controller) Serve(ctx context.Context) error {
	controlLn, err := listenUnix(c.opts.ControlSocketPath)
	if err != nil {
		return err
	}
	defer controlLn.Close()

	var progressLn net.Listener
	if c.opts.ProgressSocketPath != "" {
		progressLn, err = listenUnix(c.opts.ProgressSocketPath)
		if err != nil {
			return err
		}
		defer progressLn.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.acceptLoop(ctx, controlLn, c.handleControlConn) })
	if progressLn != nil {
		g.Go(func() error { return c.acceptLoop(ctx, progressLn, c.handleProgressConn) })
	}
	g.Go(func() error {
		<-ctx.Done()
		controlLn.Close()
		if progressLn != nil {
			progressLn.Close()
		}
		return nil
	})
	return g.Wait()
}

func listenUnix(path string) (net.Listener, error) {
	if path == "" {
		return nil, errs.New(errs.IPC, "socket path must not be empty")
	}
	os.Remove(path) //nolint:errcheck // stale socket from a previous run
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.Wrap(errs.IPC, err)
	}
	return ln, nil
}

func (c *Controller) acceptLoop(ctx context.Context, ln net.Listener, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errs.Wrap(errs.IPC, err)
		}
		go handle(ctx, conn)
	}
}

// handleControlConn serves one control-socket connection. Most request
// types are single framed round-trips handled by dispatch, but an install
// request hands the connection itself over to handleInstall and the loop
// ends there: everything the client writes after the request frame is the
// bundle's raw archive bytes, not another ipc.Message.
func (c *Controller) handleControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := ipc.Decode(conn)
		if err != nil {
			return
		}
		if msg.Type == ipc.ReqInstall || msg.Type == ipc.ReqInstallDryRun {
			c.handleInstall(ctx, conn, msg)
			return
		}
		reply := c.dispatch(ctx, msg)
		if reply != nil {
			if err := reply.Encode(conn); err != nil {
				return
			}
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, msg *ipc.Message) *ipc.Message {
	switch msg.Type {
	case ipc.GetStatus:
		return c.handleStatus()
	case ipc.Subprocess:
		return c.handleSubprocess(ctx, msg)
	case ipc.SetAESKey:
		return c.handleSetAESKey(msg)
	case ipc.GetHWRevision:
		return c.handleGetHWRevision()
	case ipc.SetState:
		return c.handleSetState(msg)
	case ipc.GetState:
		return c.handleGetState(msg)
	case ipc.SetVar:
		return c.handleSetVar(msg)
	case ipc.GetVar:
		return c.handleGetVar(msg)
	case ipc.NotifyStream:
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText("subscribe on the progress socket instead of requesting notify-stream here")
		return reply
	default:
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText(fmt.Sprintf("unknown request type %d", msg.Type))
		return reply
	}
}

// handleInstall validates and ACKs (or NACKs) an install request, then —
// on ACK — streams the rest of conn into opts.Install. It owns the
// connection from here on; handleControlConn does not touch conn again
// once this returns.
func (c *Controller) handleInstall(ctx context.Context, conn net.Conn, msg *ipc.Message) {
	source, cmd, timeout, info := msg.Install()
	softwareSet, runningMode := splitSelector(string(info))

	if !c.softwareSetAccepted(softwareSet, runningMode) {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText(fmt.Sprintf("software-set/running-mode %q/%q is not accepted", softwareSet, runningMode))
		reply.Encode(conn) //nolint:errcheck // client is being refused; nothing left to do if this write fails too
		return
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText("an install is already in progress")
		reply.Encode(conn) //nolint:errcheck
		return
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	if err := ipc.NewMessage(ipc.Ack).Encode(conn); err != nil {
		return
	}
	if c.opts.Install == nil {
		return
	}

	req := InstallRequest{
		Source:      source,
		Cmd:         cmd,
		Dryrun:      msg.Type == ipc.ReqInstallDryRun,
		SoftwareSet: softwareSet,
		RunningMode: runningMode,
		Info:        info,
		Timeout:     time.Duration(timeout) * time.Second,
		Stream:      conn,
	}
	_ = c.opts.Install(ctx, req)
}

func (c *Controller) handleStatus() *ipc.Message {
	reply := ipc.NewMessage(ipc.GetStatus)
	if c.opts.Status == nil {
		reply.SetStatus(0, 0, 0, "")
		return reply
	}
	current, lastResult, errCode, desc := c.opts.Status()
	reply.SetStatus(current, lastResult, errCode, desc)
	return reply
}

func (c *Controller) handleSubprocess(ctx context.Context, msg *ipc.Message) *ipc.Message {
	if c.opts.Subprocess == nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText("no subprocess handler registered")
		return reply
	}
	_, _, timeoutSeconds, info := msg.Install()
	timeout := defaultRPCTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.opts.Subprocess(callCtx, info)
	if err != nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText(err.Error())
		return reply
	}
	reply := ipc.NewMessage(ipc.Subprocess)
	reply.SetInstall(ipc.SourceLocal, 0, 0, resp)
	return reply
}

func (c *Controller) handleSetAESKey(msg *ipc.Message) *ipc.Message {
	if c.opts.SetAESKey == nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText("no AES key handler registered")
		return reply
	}
	_, _, _, info := msg.Install()
	key, err := pipeline.ParseAESKeyLine(string(info))
	if err != nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText(err.Error())
		return reply
	}
	if err := c.opts.SetAESKey(key); err != nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText(err.Error())
		return reply
	}
	return ipc.NewMessage(ipc.Ack)
}

func (c *Controller) handleGetHWRevision() *ipc.Message {
	reply := ipc.NewMessage(ipc.GetHWRevision)
	if c.opts.GetHWRevision == nil {
		reply.SetPlainText("")
		return reply
	}
	reply.SetPlainText(c.opts.GetHWRevision())
	return reply
}

func (c *Controller) handleSetState(msg *ipc.Message) *ipc.Message {
	if c.opts.SetState == nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText("no state handler registered")
		return reply
	}
	if _, err := c.opts.SetState(msg.PlainText()); err != nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText(err.Error())
		return reply
	}
	return ipc.NewMessage(ipc.Ack)
}

func (c *Controller) handleGetState(msg *ipc.Message) *ipc.Message {
	if c.opts.GetState == nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText("no state handler registered")
		return reply
	}
	state, err := c.opts.GetState(msg.PlainText())
	if err != nil {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText(err.Error())
		return reply
	}
	reply := ipc.NewMessage(ipc.GetState)
	reply.SetPlainText(state)
	return reply
}

func (c *Controller) handleSetVar(msg *ipc.Message) *ipc.Message {
	key, value, ok := splitKeyValue(msg.PlainText())
	if !ok {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText("set-var payload must be \"key=value\"")
		return reply
	}
	c.varsMu.Lock()
	c.vars.Set(key, value)
	c.varsMu.Unlock()
	return ipc.NewMessage(ipc.Ack)
}

func (c *Controller) handleGetVar(msg *ipc.Message) *ipc.Message {
	c.varsMu.Lock()
	value, ok := c.vars.Get(msg.PlainText())
	c.varsMu.Unlock()
	if !ok {
		reply := ipc.NewMessage(ipc.Nack)
		reply.SetPlainText("no such var")
		return reply
	}
	reply := ipc.NewMessage(ipc.GetVar)
	reply.SetPlainText(value)
	return reply
}

func splitKeyValue(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// Notify pushes msg onto the ring buffer and fans it out to every
// currently subscribed progress-socket connection. Slow subscribers never
// block the install run: a subscriber whose channel is full simply misses
// this update (it already has notificationBacklog of history behind it).
func (c *Controller) Notify(msg ipc.ProgressMsg) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.lastStatus = &msg
	c.ring = append(c.ring, msg)
	if len(c.ring) > notificationBacklog {
		c.ring = c.ring[len(c.ring)-notificationBacklog:]
	}
	for sub := range c.subs {
		select {
		case sub <- msg:
		default:
		}
	}
}

// subscribe registers a new progress-socket subscriber and returns its
// channel along with what handleProgressConn must replay before switching
// to live traffic: the current status snapshot (nil if Notify has never
// been called) and then the bounded FIFO backlog, per spec.md §4.6 / S6.
func (c *Controller) subscribe() (ch chan ipc.ProgressMsg, snapshot *ipc.ProgressMsg, backlog []ipc.ProgressMsg) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	ch = make(chan ipc.ProgressMsg, notificationBacklog)
	c.subs[ch] = struct{}{}
	if c.lastStatus != nil {
		snap := *c.lastStatus
		snapshot = &snap
	}
	backlog = append([]ipc.ProgressMsg(nil), c.ring...)
	return ch, snapshot, backlog
}

func (c *Controller) unsubscribe(ch chan ipc.ProgressMsg) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, ch)
	close(ch)
}

func (c *Controller) handleProgressConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ch, snapshot, backlog := c.subscribe()
	defer c.unsubscribe(ch)

	if snapshot != nil {
		if err := snapshot.Encode(conn); err != nil {
			return
		}
	}
	for _, msg := range backlog {
		m := msg
		if err := m.Encode(conn); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := msg.Encode(conn); err != nil {
				return
			}
		}
	}
}
