// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// maxMsgSize bounds a single datagram. It has to cover the largest
// fixed control message as well as a full-MTU transport data envelope
// (header plus ciphertext), since SOCK_DGRAM never fragments a message
// across reads: one read call always yields exactly one frame or
// nothing at all.
const maxMsgSize = 2048

// NewSocketpair creates a connected AF_UNIX SOCK_DGRAM socket pair and
// hands back each end as an *os.File, ready to be passed across a
// fork/exec boundary via os/exec's ExtraFiles or wrapped locally with
// NewConn. This is the sole channel-creation primitive master uses to
// wire up every master<->child and child<->child link.
func NewSocketpair() (a, b *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "wiresep-pipe"), os.NewFile(uintptr(fds[1]), "wiresep-pipe"), nil
}

// Conn is one end of a framed datagram channel: a one-byte message
// type code followed by that type's fixed struct, little-endian, one
// per underlying datagram.
type Conn struct {
	c   net.Conn
	buf [maxMsgSize]byte
}

// NewConn wraps an *os.File inherited across fork/exec (or created
// locally by NewSocketpair) as a framed Conn.
func NewConn(f *os.File) (*Conn, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wire: FileConn: %w", err)
	}
	return &Conn{c: c}, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Send encodes mtcode followed by msg's fixed layout and writes it as
// a single datagram. msg must be a fixed-size value understood by
// encoding/binary (a pointer to one of the structs in this package).
func (c *Conn) Send(mtcode byte, msg any) error {
	var buf bytes.Buffer
	buf.WriteByte(mtcode)
	if msg != nil {
		if err := binary.Write(&buf, binary.LittleEndian, msg); err != nil {
			return Fatalf("Send", "encode type %d: %w", mtcode, err)
		}
	}
	if _, err := c.c.Write(buf.Bytes()); err != nil {
		return Fatalf("Send", "write: %w", err)
	}
	return nil
}

// Recv reads one datagram and returns its message type code and the
// still-encoded payload following it. Callers decode the payload with
// Decode once they know, from mtcode, which type to expect.
func (c *Conn) Recv() (mtcode byte, payload []byte, err error) {
	n, err := c.c.Read(c.buf[:])
	if err != nil {
		return 0, nil, Fatalf("Recv", "read: %w", err)
	}
	if n == 0 {
		return 0, nil, Fatalf("Recv", "empty datagram")
	}
	out := make([]byte, n-1)
	copy(out, c.buf[1:n])
	return c.buf[0], out, nil
}

// Decode unmarshals payload (as returned by Recv) into msg, a pointer
// to one of this package's fixed-layout struct types.
func Decode(payload []byte, msg any) error {
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, msg); err != nil {
		return Fatalf("Decode", "%w", err)
	}
	return nil
}

// SendFile writes mtcode followed by msg's fixed layout, exactly like
// Send, but additionally hands the peer one open file descriptor via
// SCM_RIGHTS. This is how the proxy transfers ownership of a connected
// UDP socket to the ifn that owns its flow: the underlying channel
// must be an AF_UNIX socket, which every Conn in this runtime is.
func (c *Conn) SendFile(mtcode byte, msg any, f *os.File) error {
	var buf bytes.Buffer
	buf.WriteByte(mtcode)
	if msg != nil {
		if err := binary.Write(&buf, binary.LittleEndian, msg); err != nil {
			return Fatalf("SendFile", "encode type %d: %w", mtcode, err)
		}
	}
	uc, ok := c.c.(*net.UnixConn)
	if !ok {
		return Fatalf("SendFile", "channel is not a unix socket")
	}
	oob := unix.UnixRights(int(f.Fd()))
	if _, _, err := uc.WriteMsgUnix(buf.Bytes(), oob, nil); err != nil {
		return Fatalf("SendFile", "writemsg: %w", err)
	}
	return nil
}

// RecvFile is Recv's counterpart: it decodes one datagram exactly like
// Recv, and additionally extracts a file descriptor if the sender
// attached one via SendFile. file is nil when the datagram carried
// none; callers that don't care can ignore it, but a non-nil file must
// be closed or adopted or its fd leaks.
func (c *Conn) RecvFile() (mtcode byte, payload []byte, file *os.File, err error) {
	uc, ok := c.c.(*net.UnixConn)
	if !ok {
		return 0, nil, nil, Fatalf("RecvFile", "channel is not a unix socket")
	}
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, rerr := uc.ReadMsgUnix(c.buf[:], oob)
	if rerr != nil {
		return 0, nil, nil, Fatalf("RecvFile", "readmsg: %w", rerr)
	}
	if n == 0 {
		return 0, nil, nil, Fatalf("RecvFile", "empty datagram")
	}
	out := make([]byte, n-1)
	copy(out, c.buf[1:n])
	if oobn > 0 {
		if f, ferr := parseRightsFile(oob[:oobn]); ferr == nil {
			file = f
		}
	}
	return c.buf[0], out, file, nil
}

// parseRightsFile extracts the first file descriptor from a control
// message built by unix.UnixRights.
func parseRightsFile(oob []byte) (*os.File, error) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil || len(cmsgs) == 0 {
		return nil, fmt.Errorf("wire: parse control message: %w", err)
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return nil, fmt.Errorf("wire: parse unix rights: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "wiresep-flow"), nil
}

// SendRaw writes mtcode, then header's fixed layout, then tail
// verbatim, as one datagram. It's how the proxy<->ifn data-plane
// envelope moves a transport packet's ciphertext, whose length isn't
// fixed, alongside a small fixed routing header.
func (c *Conn) SendRaw(mtcode byte, header any, tail []byte) error {
	var buf bytes.Buffer
	buf.WriteByte(mtcode)
	if header != nil {
		if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
			return Fatalf("SendRaw", "encode header: %w", err)
		}
	}
	buf.Write(tail)
	if _, err := c.c.Write(buf.Bytes()); err != nil {
		return Fatalf("SendRaw", "write: %w", err)
	}
	return nil
}

// DecodeHeader unmarshals the fixed-layout prefix of payload into
// header and returns whatever bytes follow it, unparsed.
func DecodeHeader(payload []byte, header any) ([]byte, error) {
	r := bytes.NewReader(payload)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, Fatalf("DecodeHeader", "%w", err)
	}
	rest := make([]byte, r.Len())
	copy(rest, payload[len(payload)-r.Len():])
	return rest, nil
}

// MarshalWG encodes one of the fixed WireGuard wire message structs
// (MessageInitiation, MessageResponse, MessageCookieReply,
// MessageTransportHeader) to its raw on-the-wire byte layout, the form
// MAC1/MAC2 are computed and verified over and the form that actually
// goes out over a UDP socket.
func MarshalWG(msg any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, msg); err != nil {
		return nil, Fatalf("MarshalWG", "%w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalWG decodes raw on-the-wire bytes into one of the fixed
// WireGuard wire message structs.
func UnmarshalWG(data []byte, msg any) error {
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, msg); err != nil {
		return Recoverablef("UnmarshalWG", "%w", err)
	}
	return nil
}
