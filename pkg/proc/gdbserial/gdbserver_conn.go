package gdbserial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/go-delve/unwresume/pkg/logflags"
)

type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize int // maximum packet size supported by stub

	ack                 bool // when ack is true acknowledgment packets are enabled
	vContSupported      bool // the stub understands vCont;c
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read

	log logflags.Logger
}

var ErrTooManyAttempts = errors.New("too many transmit attempts")

// GdbProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *GdbProtocolError
	if !errors.As(err, &gdberr) {
		return false
	}
	return gdberr.code == ""
}

const qSupported = "$qSupported:swbreak+;hwbreak+;no-resumed+"

func (conn *gdbConn) handshake() error {
	conn.ack = true
	conn.packetSize = 256
	conn.rdr = bufio.NewReader(conn.conn)

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}

	resp, err := conn.exec([]byte(qSupported), "init")
	if err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	for _, stubfeature := range strings.Split(string(resp), ";") {
		if strings.HasPrefix(stubfeature, "PacketSize=") {
			// Stub will ignore anything in excess of this
			v, err := strconv.ParseInt(stubfeature[len("PacketSize="):], 16, 32)
			if err == nil {
				conn.packetSize = int(v)
			}
		}
	}

	resp, err = conn.exec([]byte("$vCont?"), "init")
	switch {
	case err == nil:
		for _, action := range strings.Split(string(resp), ";")[1:] {
			if action == "c" {
				conn.vContSupported = true
			}
		}
	case isProtocolErrorUnsupported(err):
	default:
		return err
	}
	return nil
}

// disableAck disables protocol acks.
func (conn *gdbConn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// detach executes a 'D' (detach) command.
func (conn *gdbConn) detach() error {
	if conn.conn == nil {
		// Already detached
		return nil
	}
	_, err := conn.exec([]byte{'$', 'D'}, "detach")
	conn.conn.Close()
	conn.conn = nil
	return err
}

// selectThread executes an 'H' packet, unless threadID is empty.
func (conn *gdbConn) selectThread(kind byte, threadID string, context string) error {
	if threadID == "" {
		return nil
	}
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$H%c%s", kind, threadID)
	_, err := conn.exec(conn.outbuf.Bytes(), context)
	return err
}

// readRegister executes 'p' (read register) command.
func (conn *gdbConn) readRegister(threadID string, regnum int, data []byte) error {
	if err := conn.selectThread('g', threadID, "register read"); err != nil {
		return err
	}
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$p%x", regnum)
	resp, err := conn.exec(conn.outbuf.Bytes(), "register read")
	if err != nil {
		return err
	}
	if len(resp) != 2*len(data) {
		return fmt.Errorf("register %d: got %d hex digits, want %d", regnum, len(resp), 2*len(data))
	}
	return decodeHex(resp, data)
}

// writeRegister executes 'P' (write register) command.
func (conn *gdbConn) writeRegister(threadID string, regnum int, data []byte) error {
	if err := conn.selectThread('g', threadID, "register write"); err != nil {
		return err
	}
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$P%x=", regnum)
	writeAsciiBytes(&conn.outbuf, data)
	_, err := conn.exec(conn.outbuf.Bytes(), "register write")
	return err
}

// readMemory executes 'm' (read memory) commands, as many as needed to
// fill data.
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		conn.outbuf.Reset()

		// gdbserver will crash if we ask too many bytes... not return an error, actually crash
		sz := size
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(len(data)), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}
		if len(resp) != 2*sz {
			return fmt.Errorf("short memory read at %#x: %d of %d bytes", addr+uint64(len(data)), len(resp)/2, sz)
		}

		chunk := data[len(data) : len(data)+sz]
		if err := decodeHex(resp, chunk); err != nil {
			return err
		}
		data = data[:len(data)+sz]
	}
	return nil
}

func writeAsciiBytes(w io.Writer, data []byte) {
	for _, b := range data {
		fmt.Fprintf(w, "%02x", b)
	}
}

func decodeHex(resp, data []byte) error {
	for i := 0; i+1 < len(resp) && i/2 < len(data); i += 2 {
		n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
		if err != nil {
			return fmt.Errorf("malformed hex %q", resp[i:i+2])
		}
		data[i/2] = uint8(n)
	}
	return nil
}

// writeMemory executes 'M' (write memory) commands, splitting data so that
// every packet fits in conn.packetSize.
func (conn *gdbConn) writeMemory(addr uint64, data []byte) (written int, err error) {
	if len(data) == 0 {
		// LLDB can't parse requests for 0-length writes and hangs if we emit them
		return 0, nil
	}
	// room for "$M<addr>,<len>:" with a 64 bit address
	dataSize := (conn.packetSize - memoryWriteHeaderSize) / 2
	if dataSize < 1 {
		dataSize = 1
	}
	for written < len(data) {
		sz := len(data) - written
		if sz > dataSize {
			sz = dataSize
		}
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "$M%x,%x:", addr+uint64(written), sz)
		writeAsciiBytes(&conn.outbuf, data[written:written+sz])

		if _, err := conn.exec(conn.outbuf.Bytes(), "memory write"); err != nil {
			return written, err
		}
		written += sz
	}
	return written, nil
}

// cont continues the target with a vCont;c command, or with a 'c' if the
// stub does not support vCont. The stop reply is not waited for.
func (conn *gdbConn) cont(threadID string) error {
	conn.outbuf.Reset()
	if conn.vContSupported {
		fmt.Fprint(&conn.outbuf, "$vCont;c")
		if threadID != "" {
			fmt.Fprintf(&conn.outbuf, ":%s", threadID)
		}
	} else {
		if err := conn.selectThread('c', threadID, "resume"); err != nil {
			return err
		}
		fmt.Fprint(&conn.outbuf, "$c")
	}
	return conn.send(conn.outbuf.Bytes())
}

// exec executes a message to the stub and reads a response.
// The details of the wire protocol are described here:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *gdbConn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *gdbConn) recv(cmd []byte, context string) (resp []byte, err error) {
	attempt := 0
	for {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}

		// read checksum
		_, err = io.ReadFull(conn.rdr, conn.inbuf[:2])
		if err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			partial := false
			if len(out) > gdbWireMaxLen {
				out = out[:gdbWireMaxLen]
				partial = true
			}
			if !partial {
				conn.log.Debugf("-> %s%s", string(resp), string(conn.inbuf[:2]))
			} else {
				conn.log.Debugf("-> %s...", string(out))
			}
		}

		if resp[0] == '%' {
			// If the first character is a % (instead of $) the stub sent us a
			// notification packet, this is weird since we specifically claimed that
			// we don't support notifications of any kind, but it should be safe to
			// ignore regardless.
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, conn.inbuf[:2]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || (resp[0] == 'E' && len(resp) == 3) {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &GdbProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// Readack reads one byte from stub, returns true if the byte is '+'
func (conn *gdbConn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// Sendack executes an ack character, c must be either '+' or '-'
func (conn *gdbConn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value mandated by the specification to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case ':':
			buf = append(buf, ch)
			if i == 3 {
				// we just read the sequence identifier
				start = i + 1
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || i == 0 {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// Checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
