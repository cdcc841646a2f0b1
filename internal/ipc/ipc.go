// Package ipc defines the wire format for the control and progress Unix
// domain sockets, grounded on the upstream project's network_ipc.h and
// progress_ipc.h: fixed-size, magic-number-prefixed binary records, one
// struct per socket. Go has no union type, so the request/status/install
// payload that the C ipc_message encodes as a union is instead a fixed
// byte array with typed accessors, sized to the largest of the three C
// variants it replaces.
package ipc

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/swupdate/agent-core/internal/errs"
)

// Magic is the fixed value every control-socket message begins with.
const Magic uint32 = 0x14052001

// ProgressMagic is the fixed value every progress-socket message begins
// with. It has the same value as Magic, so the magic alone does not tell
// the two sockets' framing apart.
const ProgressMagic uint32 = 0x14052001

// MsgType enumerates the control-socket request/response kinds.
type MsgType int32

const (
	ReqInstall MsgType = iota
	Ack
	Nack
	GetStatus
	PostUpdate
	Subprocess
	ReqInstallDryRun
	// SetAESKey installs the process-wide decrypt key, carrying a
	// "<hex key> <hex ivt>" line in the install-payload info buffer (the
	// same format as the -K key file, spec.md §6's set-AES-key).
	SetAESKey
	// SetVersionRange carries a "<min>,<max>" version pair restricting
	// which bundle versions may install (spec.md §6's set-version-range).
	// internal/controller does not handle it and nacks it as an unknown
	// request type.
	SetVersionRange
	// GetHWRevision requests the board's configured hardware revision;
	// the reply is a PlainText payload (spec.md §6's get-hw-revision).
	GetHWRevision
	// SetState installs a new bootloader state-marker value, named by
	// its PlainText payload (spec.md §6's set-state).
	SetState
	// GetState requests the current bootloader state-marker value,
	// replied as PlainText (spec.md §6's get-state).
	GetState
	// SetVar stores one entry in the controller's process-wide variable
	// store (not the manifest's "vars" section), carried as a "key=value"
	// PlainText payload (spec.md §6's set-var).
	SetVar
	// GetVar requests one entry of that variable store by key (PlainText
	// request), replied as PlainText value (spec.md §6's get-var).
	GetVar
	// NotifyStream has no control-socket behavior of its own: a client
	// subscribes to notifications by connecting to the progress socket
	// (internal/controller's second accept loop) rather than sending a
	// control-socket request, so dispatch nacks it there with a pointer
	// to the right socket.
	NotifyStream
)

// Source identifies who triggered an install request.
type Source int32

const (
	SourceUnknown Source = iota
	SourceWebserver
	SourceSuricatta
	SourceDownloader
	SourceLocal
	SourceChunksDownloader
)

// RecoveryStatus mirrors the install run's coarse state, reported on the
// progress socket.
type RecoveryStatus int32

const (
	StatusIdle RecoveryStatus = iota
	StatusStart
	StatusRun
	StatusSuccess
	StatusFailure
	StatusDownload
	StatusDone
	StatusSubprocess
	StatusProgress
)

const (
	msgBufLen    = 128
	descBufLen   = 2048
	instBufLen   = 2048
	curImageLen  = 256
	hndNameLen   = 64
	infoBufLen   = 2048
	dataUnionLen = 4 + 4 + 4 + 4 + instBufLen // matches the largest of the three C union members
)

// Message is one control-socket record (ipc_message). Data holds whichever
// payload Type implies; use the Set*/Get* helpers rather than indexing it
// directly.
type Message struct {
	Magic uint32
	Type  MsgType
	Data  [dataUnionLen]byte
}

// SetPlainText stores a short free-text message (the C union's "char
// msg[128]" arm), used by ACK/NACK.
func (m *Message) SetPlainText(s string) {
	var buf [dataUnionLen]byte
	copy(buf[:msgBufLen-1], s)
	m.Data = buf
}

// PlainText reads back a SetPlainText payload.
func (m *Message) PlainText() string {
	return cString(m.Data[:msgBufLen])
}

// SetStatus stores the status-report payload (the union's "status" arm).
func (m *Message) SetStatus(current, lastResult, errCode int32, desc string) {
	var buf [dataUnionLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(current))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(lastResult))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(errCode))
	copy(buf[12:12+descBufLen-1], desc)
	m.Data = buf
}

// Status reads back a SetStatus payload.
func (m *Message) Status() (current, lastResult, errCode int32, desc string) {
	current = int32(binary.LittleEndian.Uint32(m.Data[0:4]))
	lastResult = int32(binary.LittleEndian.Uint32(m.Data[4:8]))
	errCode = int32(binary.LittleEndian.Uint32(m.Data[8:12]))
	desc = cString(m.Data[12 : 12+descBufLen])
	return
}

// SetInstall stores the install-request payload (the union's "instmsg"
// arm): who asked, an optional encoded command, an optional reply
// timeout, and a caller-supplied info buffer (e.g. software-set/running-
// mode selection or a signed token).
func (m *Message) SetInstall(source Source, cmd, timeoutSeconds int32, info []byte) {
	var buf [dataUnionLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(source))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(timeoutSeconds))
	n := len(info)
	if n > instBufLen {
		n = instBufLen
	}
	binary.LittleEndian.PutUint32(buf[12:16], uint32(n))
	copy(buf[16:16+n], info[:n])
	m.Data = buf
}

// Install reads back a SetInstall payload.
func (m *Message) Install() (source Source, cmd, timeoutSeconds int32, info []byte) {
	source = Source(binary.LittleEndian.Uint32(m.Data[0:4]))
	cmd = int32(binary.LittleEndian.Uint32(m.Data[4:8]))
	timeoutSeconds = int32(binary.LittleEndian.Uint32(m.Data[8:12]))
	n := binary.LittleEndian.Uint32(m.Data[12:16])
	if int(n) > instBufLen {
		n = instBufLen
	}
	info = append([]byte(nil), m.Data[16:16+n]...)
	return
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Encode writes m to w in the fixed wire layout.
func (m *Message) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, m.Magic); err != nil {
		return errs.Wrap(errs.IPC, err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.Type); err != nil {
		return errs.Wrap(errs.IPC, err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.Data); err != nil {
		return errs.Wrap(errs.IPC, err)
	}
	return nil
}

// Decode reads one Message from r, validating the magic number.
func Decode(r io.Reader) (*Message, error) {
	m := &Message{}
	if err := binary.Read(r, binary.LittleEndian, &m.Magic); err != nil {
		return nil, errs.Wrap(errs.IPC, err)
	}
	if m.Magic != Magic {
		return nil, errs.New(errs.IPC, "bad ipc magic: %#x", m.Magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Type); err != nil {
		return nil, errs.Wrap(errs.IPC, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Data); err != nil {
		return nil, errs.Wrap(errs.IPC, err)
	}
	return m, nil
}

// NewMessage builds a Message with the magic number pre-filled.
func NewMessage(t MsgType) *Message {
	return &Message{Magic: Magic, Type: t}
}

// ProgressMsg is one progress-socket record (struct progress_msg),
// broadcast to every subscriber on every whole-percent step advance.
type ProgressMsg struct {
	Magic      uint32
	Status     RecoveryStatus
	DwlPercent uint32
	NSteps     uint32
	CurStep    uint32
	CurPercent uint32
	CurImage   string
	HndName    string
	Source     Source
	Info       string
}

// Encode writes p to w in the fixed wire layout.
func (p *ProgressMsg) Encode(w io.Writer) error {
	var curImage [curImageLen]byte
	copy(curImage[:curImageLen-1], p.CurImage)
	var hndName [hndNameLen]byte
	copy(hndName[:hndNameLen-1], p.HndName)
	var info [infoBufLen]byte
	n := copy(info[:infoBufLen-1], p.Info)

	fields := []interface{}{
		p.Magic, p.Status, p.DwlPercent, p.NSteps, p.CurStep, p.CurPercent,
		curImage, hndName, p.Source, uint32(n), info,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return errs.Wrap(errs.IPC, err)
		}
	}
	return nil
}

// DecodeProgress reads one ProgressMsg from r, validating the magic number.
func DecodeProgress(r io.Reader) (*ProgressMsg, error) {
	p := &ProgressMsg{}
	var curImage [curImageLen]byte
	var hndName [hndNameLen]byte
	var info [infoBufLen]byte
	var infoLen uint32

	targets := []interface{}{
		&p.Magic, &p.Status, &p.DwlPercent, &p.NSteps, &p.CurStep, &p.CurPercent,
		&curImage, &hndName, &p.Source, &infoLen, &info,
	}
	for _, t := range targets {
		if err := binary.Read(r, binary.LittleEndian, t); err != nil {
			return nil, errs.Wrap(errs.IPC, err)
		}
	}
	if p.Magic != ProgressMagic {
		return nil, errs.New(errs.IPC, "bad progress-socket magic: %#x", p.Magic)
	}
	p.CurImage = cString(curImage[:])
	p.HndName = cString(hndName[:])
	if infoLen > infoBufLen {
		infoLen = infoBufLen
	}
	p.Info = cString(info[:infoLen])
	return p, nil
}

// NewProgressMsg builds a ProgressMsg with the magic number pre-filled.
func NewProgressMsg() *ProgressMsg {
	return &ProgressMsg{Magic: ProgressMagic}
}
