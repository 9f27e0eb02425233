package rcon_test

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	typeResponseValue int32 = 0
	typeExecCommand   int32 = 2
	typeAuthResponse  int32 = 2
	typeAuth          int32 = 3
)

// fakeServer speaks just enough of the RCON wire format for the client:
// password auth and one reply per command.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	password string
	reply    func(cmd string) string

	mu       sync.Mutex
	conns    []net.Conn
	commands []string
	accepted int
}

func newFakeServer(t *testing.T, password string, reply func(cmd string) string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if reply == nil {
		reply = func(string) string { return "" }
	}
	s := &fakeServer{t: t, ln: ln, password: password, reply: reply}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeServer) Close() {
	_ = s.ln.Close()
	s.DropConnections()
}

// DropConnections closes every accepted connection, as a restarting server would.
func (s *fakeServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *fakeServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	authed := false
	for {
		id, typ, body, err := readPacket(conn)
		if err != nil {
			return
		}
		switch {
		case typ == typeAuth:
			if body != s.password {
				_ = writePacket(conn, -1, typeAuthResponse, "")
				return
			}
			authed = true
			if err := writePacket(conn, id, typeAuthResponse, ""); err != nil {
				return
			}
		case typ == typeExecCommand && authed:
			s.mu.Lock()
			s.commands = append(s.commands, body)
			s.mu.Unlock()
			if err := writePacket(conn, id, typeResponseValue, s.reply(body)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func readPacket(r io.Reader) (id, typ int32, body string, err error) {
	var size int32
	if err = binary.Read(r, binary.LittleEndian, &size); err != nil {
		return
	}
	buf := make([]byte, size)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	id = int32(binary.LittleEndian.Uint32(buf[0:4]))
	typ = int32(binary.LittleEndian.Uint32(buf[4:8]))
	body = string(buf[8 : len(buf)-2])
	return
}

func writePacket(w io.Writer, id, typ int32, body string) error {
	buf := make([]byte, 0, 14+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(body)+10)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(typ))
	buf = append(buf, body...)
	buf = append(buf, 0, 0)
	_, err := w.Write(buf)
	return err
}
