package qconn

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	magicV0_4        uint32 = 0x400c2d20
	wireProtocolJSON uint32 = 0x7e6970c7
)

// performHandshake sends the connect-time handshake and reads the
// server's NUL-terminated reply, honoring the caller-configured
// timeout for every read on the wire (default 20s, see Options).
func performHandshake(conn net.Conn, authKey string, timeout time.Duration) error {
	buf := make([]byte, 0, 12+len(authKey))
	var tmp [4]byte

	binary.LittleEndian.PutUint32(tmp[:], magicV0_4)
	buf = append(buf, tmp[:]...)

	binary.LittleEndian.PutUint32(tmp[:], uint32(len(authKey)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, []byte(authKey)...)

	binary.LittleEndian.PutUint32(tmp[:], wireProtocolJSON)
	buf = append(buf, tmp[:]...)

	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := writeFull(conn, buf); err != nil {
		return fmt.Errorf("qconn: handshake write: %w", err)
	}

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	reply, err := readNulTerminated(conn)
	if err != nil {
		return fmt.Errorf("qconn: handshake read: %w", err)
	}
	if reply != "SUCCESS" {
		return &HandshakeFailure{Msg: reply}
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	return nil
}

// readNulTerminated reads bytes up to and excluding the terminating NUL,
// one byte at a time so that no byte belonging to the first real
// response frame is ever consumed into an internal buffer.
func readNulTerminated(r io.Reader) (string, error) {
	var out []byte
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == 0 {
				return string(out), nil
			}
			out = append(out, b[0])
		}
		if err != nil {
			return "", err
		}
	}
}
