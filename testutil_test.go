package qconn

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"

	oj "github.com/ohler55/ojg/oj"
)

// startStubServer listens on loopback and hands each accepted connection
// to serve, the way the teacher's newClientServerTCP/newReconnectableServer
// helpers stand up a real net.Listener rather than a net.Pipe pair, so
// Connect's dial-by-address path is exercised end to end.
func startStubServer(t *testing.T, serve func(t *testing.T, conn net.Conn)) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-done:
					return
				default:
					continue
				}
			}
			go serve(t, conn)
		}
	}()
	var once sync.Once
	return ln.Addr().String(), func() {
		once.Do(func() {
			close(done)
			_ = ln.Close()
		})
	}
}

// stubHandshake reads the qconn handshake buffer and replies with the
// server's ready sentinel, mirroring performHandshake's wire format.
func stubHandshake(conn net.Conn) error {
	var hdr [4]byte
	if _, err := readFullBytes(conn, hdr[:]); err != nil {
		return err
	}
	var lenBuf [4]byte
	if _, err := readFullBytes(conn, lenBuf[:]); err != nil {
		return err
	}
	authLen := binary.LittleEndian.Uint32(lenBuf[:])
	if authLen > 0 {
		authBuf := make([]byte, authLen)
		if _, err := readFullBytes(conn, authBuf); err != nil {
			return err
		}
	}
	var wireBuf [4]byte
	if _, err := readFullBytes(conn, wireBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(append([]byte("SUCCESS"), 0))
	return err
}

func readFullBytes(conn net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := conn.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// stubReadRequest reads one frame and decodes it as the [query_type,
// body, opts] request triple a real server would see.
func stubReadRequest(conn net.Conn) (token uint64, queryType int, body, opts interface{}, err error) {
	raw, err := readFrame(conn)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	v, err := oj.Parse(raw.Payload)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	triple, _ := v.([]interface{})
	if len(triple) != 3 {
		return raw.Token, 0, nil, nil, nil
	}
	return raw.Token, toInt(triple[0]), triple[1], triple[2], nil
}

// stubWriteResponse writes a {t, r, n, p, b}-shaped response frame.
func stubWriteResponse(conn net.Conn, token uint64, respType ResponseType, rows []interface{}, notes []string) error {
	obj := map[string]interface{}{
		"t": int(respType),
		"r": rows,
	}
	if len(notes) > 0 {
		obj["n"] = notes
	}
	payload, err := oj.Marshal(obj)
	if err != nil {
		return err
	}
	return writeFrame(conn, token, payload)
}
