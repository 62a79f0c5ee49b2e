//go:build unix

package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const headerSize = 4

// ErrHandleFrame is returned by Recv when the peer sent a descriptor-transfer
// frame where an ordinary message was expected. The two frame kinds share one
// socket and are distinguished only by the declared length being zero.
var ErrHandleFrame = errors.New("wire: received descriptor-transfer frame, expected message")

// Conn is one endpoint of a connected AF_UNIX stream socket, owning the
// underlying descriptor. It carries framed messages in both directions and
// can pass a single open descriptor to the peer out of band.
//
// Conn performs no locking; the request/reply protocol on top of it is
// strictly half duplex and its callers serialize access.
type Conn struct {
	uc     *net.UnixConn
	closed atomic.Bool
}

// FromFD reconstructs a Conn from a raw descriptor number, as received by a
// worker process on its command line. Ownership of fd transfers to the Conn.
func FromFD(fd int) (*Conn, error) {
	f := os.NewFile(uintptr(fd), "minrpc-conn")
	if f == nil {
		return nil, fmt.Errorf("wire: invalid descriptor %d", fd)
	}
	return FromFile(f)
}

// FromFile builds a Conn from an open socket file. The file is consumed:
// net.FileConn duplicates the descriptor, so f is closed before returning.
func FromFile(f *os.File) (*Conn, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("building conn from file: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("wire: descriptor is a %T, want unix stream socket", c)
	}
	return &Conn{uc: uc}, nil
}

// Pair creates a connected socketpair for IPC with a subprocess. The local
// end is returned as a ready-to-use Conn; the remote end is returned as an
// *os.File so it can be placed in a child's inherited descriptor table
// (exec.Cmd.ExtraFiles) or converted with FromFile.
func Pair() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}
	local, err := FromFile(os.NewFile(uintptr(fds[0]), "minrpc-local"))
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	remote := os.NewFile(uintptr(fds[1]), "minrpc-remote")
	return local, remote, nil
}

// Send gob-encodes m, prepends the 4-byte big-endian length, and writes the
// whole frame with a single write.
func (c *Conn) Send(m *Message) error {
	if c.Closed() {
		return net.ErrClosed
	}
	var buf bytes.Buffer
	buf.Write(make([]byte, headerSize))
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	frame := buf.Bytes()
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(frame)-headerSize))
	if _, err := c.uc.Write(frame); err != nil {
		return err
	}
	return nil
}

// Recv reads exactly one message frame. It returns io.EOF if the peer closed
// the socket cleanly before the header, and io.ErrUnexpectedEOF if the
// stream ended mid-frame.
func (c *Conn) Recv() (*Message, error) {
	if c.Closed() {
		return nil, net.ErrClosed
	}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.uc, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrHandleFrame
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.uc, payload); err != nil {
		return nil, err
	}
	var m Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

// SendFD transfers the open descriptor fd to the peer. On the wire this is a
// frame with declared length zero whose ancillary data carries exactly one
// descriptor. The sender keeps its own copy; full ownership transfer
// requires the caller to close fd afterwards.
func (c *Conn) SendFD(fd int) error {
	if c.Closed() {
		return net.ErrClosed
	}
	var hdr [headerSize]byte
	if _, _, err := c.uc.WriteMsgUnix(hdr[:], unix.UnixRights(fd), nil); err != nil {
		return fmt.Errorf("sending descriptor: %w", err)
	}
	return nil
}

// RecvFD receives one transferred descriptor. The received descriptor is
// owned by the caller, who must close it or hand it off.
func (c *Conn) RecvFD() (int, error) {
	if c.Closed() {
		return -1, net.ErrClosed
	}
	var hdr [headerSize]byte
	oob := make([]byte, unix.CmsgSpace(4))
	var cmsg []byte
	// The header may arrive split, and the ancillary data may ride on any
	// of its segments. Keep reading until the header is whole, collecting
	// control messages along the way.
	for read := 0; read < headerSize; {
		n, oobn, _, _, err := c.uc.ReadMsgUnix(hdr[read:], oob)
		if err != nil {
			return -1, err
		}
		if n == 0 && oobn == 0 {
			return -1, io.ErrUnexpectedEOF
		}
		read += n
		cmsg = append(cmsg, oob[:oobn]...)
	}
	if l := binary.BigEndian.Uint32(hdr[:]); l != 0 {
		return -1, fmt.Errorf("wire: expected descriptor-transfer frame, got message of %d bytes", l)
	}
	scms, err := unix.ParseSocketControlMessage(cmsg)
	if err != nil {
		return -1, fmt.Errorf("parsing control message: %w", err)
	}
	for i := range scms {
		scm := scms[i]
		// Drop trailing bytes that do not form a whole descriptor.
		scm.Data = scm.Data[:len(scm.Data)-len(scm.Data)%4]
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil || len(fds) == 0 {
			continue
		}
		return fds[0], nil
	}
	return -1, errors.New("wire: descriptor-transfer frame carried no descriptor")
}

// Close shuts the endpoint down. Safe to call more than once; only the first
// call touches the socket.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.uc.Close()
}

// Closed reports whether this endpoint has been closed locally. It says
// nothing about the peer; a dead peer surfaces as an I/O error.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}
