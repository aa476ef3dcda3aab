package ios

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// GetSocketTypeAndAddress splits a scheme://address string into network and address.
func GetSocketTypeAndAddress(socketAddress string) (string, string) {
	chunks := strings.Split(socketAddress, "://")
	if len(chunks) != 2 {
		panic("needs scheme://address")
	}
	return chunks[0], chunks[1]
}

// GetUsbmuxdSocket returns the default usbmuxd socket address for the platform.
// Set USBMUXD_SOCKET_ADDRESS to override, either a unix socket path or host:port.
func GetUsbmuxdSocket() string {
	socketOverride := os.Getenv("USBMUXD_SOCKET_ADDRESS")
	if socketOverride != "" {
		if strings.Contains(socketOverride, ":") {
			return "tcp://" + socketOverride
		}
		return "unix://" + socketOverride
	}
	switch runtime.GOOS {
	case "windows":
		return "tcp://127.0.0.1:27015"
	default:
		return "unix:///var/run/usbmuxd"
	}
}

// DeviceConnectionInterface is the stream every protocol layer in this
// library runs on. It can be a plain TCP connection tunneled through usbmuxd
// or the same connection upgraded to TLS in place. Framing code should only
// use Reader/Writer/Send so it stays agnostic of the encryption state.
type DeviceConnectionInterface interface {
	Close() error
	Send(message []byte) error
	Reader() io.Reader
	Writer() io.Writer
	EnableSessionSsl(pairRecord PairRecord) error
	EnableSessionSslHandshakeOnly(pairRecord PairRecord) error
	DisableSessionSSL()
	Conn() net.Conn
	io.ReadWriteCloser
}

// DeviceConnection wraps the net.Conn to the iOS device and supports
// upgrading to TLS and back without closing the underlying socket.
type DeviceConnection struct {
	c               net.Conn
	unencryptedConn net.Conn
}

// NewDeviceConnection connects to the given scheme://address and returns the connection.
func NewDeviceConnection(socketToConnectTo string) (*DeviceConnection, error) {
	conn := &DeviceConnection{}
	return conn, conn.connectToSocketAddress(socketToConnectTo)
}

// NewDeviceConnectionWithConn creates a DeviceConnection on an already connected net.Conn.
func NewDeviceConnectionWithConn(conn net.Conn) *DeviceConnection {
	return &DeviceConnection{c: conn}
}

func (conn *DeviceConnection) connectToSocketAddress(socketAddress string) error {
	if strings.HasPrefix(socketAddress, "/var") {
		socketAddress = "unix://" + socketAddress
	}
	network, address := GetSocketTypeAndAddress(socketAddress)
	c, err := net.Dial(network, address)
	if err != nil {
		return err
	}
	log.Tracef("opening connection: %v", &c)
	conn.c = c
	return nil
}

// Read reads incoming data from the connection to the device.
func (conn *DeviceConnection) Read(p []byte) (n int, err error) {
	return conn.c.Read(p)
}

// Write writes data on the connection to the device.
func (conn *DeviceConnection) Write(p []byte) (n int, err error) {
	return conn.c.Write(p)
}

// Close closes the network connection.
func (conn *DeviceConnection) Close() error {
	log.Tracef("closing connection: %v", &conn.c)
	return conn.c.Close()
}

// Send writes the message and closes the connection on failure.
func (conn *DeviceConnection) Send(bytes []byte) error {
	n, err := conn.c.Write(bytes)
	if n < len(bytes) {
		log.Errorf("DeviceConnection failed writing %d bytes, only %d sent", len(bytes), n)
	}
	if err != nil {
		log.Errorf("failed sending: %s", err)
		conn.Close()
		return err
	}
	return nil
}

// Reader exposes the active stream, plain or TLS, as io.Reader.
func (conn *DeviceConnection) Reader() io.Reader {
	return conn.c
}

// Writer exposes the active stream, plain or TLS, as io.Writer.
func (conn *DeviceConnection) Writer() io.Writer {
	return conn.c
}

// Conn returns the currently active net.Conn.
func (conn *DeviceConnection) Conn() net.Conn {
	return conn.c
}

// EnableSessionSsl upgrades the live connection to TLS in place using the
// host certificate and key from the pair record. The plain connection is
// retained so DisableSessionSSL can demote back to it.
func (conn *DeviceConnection) EnableSessionSsl(pairRecord PairRecord) error {
	tlsConn, err := conn.createClientTLSConn(pairRecord)
	if err != nil {
		return err
	}
	conn.unencryptedConn = conn.c
	conn.c = net.Conn(tlsConn)
	return nil
}

// EnableSessionSslHandshakeOnly performs the TLS handshake and then keeps
// using the plain connection. A few services only authenticate this way.
func (conn *DeviceConnection) EnableSessionSslHandshakeOnly(pairRecord PairRecord) error {
	_, err := conn.createClientTLSConn(pairRecord)
	return err
}

// DisableSessionSSL demotes the connection from TLS back to the retained
// plain TCP connection, leaving it usable for length prefixed plist framing.
func (conn *DeviceConnection) DisableSessionSSL() {
	tlsConn, ok := conn.c.(*tls.Conn)
	if !ok {
		return
	}
	err := tlsConn.CloseWrite()
	if err != nil {
		log.Errorf("failed TLS CloseWrite: %v", err)
	}
	// The device answers with a close alert of its own. Consume it through
	// the TLS layer, partial records may already sit in its buffers. Bound
	// the wait, not every peer bothers to send the alert.
	err = tlsConn.SetReadDeadline(time.Now().Add(time.Second))
	if err != nil {
		log.Errorf("failed setting read deadline for TLS shutdown: %v", err)
	}
	_, err = tlsConn.Read(make([]byte, 1))
	if err != nil && err != io.EOF {
		log.Tracef("no TLS close alert received: %v", err)
	}
	conn.c = conn.unencryptedConn
	// CloseWrite set the write deadline to now and we set a read deadline
	// above, undo both or every following plaintext call times out.
	err = conn.c.SetDeadline(time.Time{})
	if err != nil {
		log.Errorf("failed resetting deadlines after TLS disable: %v", err)
	}
}

func (conn *DeviceConnection) createClientTLSConn(pairRecord PairRecord) (*tls.Conn, error) {
	cert, err := tls.X509KeyPair(pairRecord.HostCertificate, pairRecord.HostPrivateKey)
	if err != nil {
		log.Error("SSL error: " + err.Error())
		return nil, err
	}
	conf := &tls.Config{
		// The device certificate is self signed, authenticity was
		// established during pairing. Device certs also still use SHA1
		// with RSA or ECDSA outside the TLS 1.3 default set, allowing
		// old protocol versions keeps those signature algorithms negotiable.
		InsecureSkipVerify: true,
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.NoClientCert,
		MinVersion:         tls.VersionTLS11,
	}

	tlsConn := tls.Client(conn.c, conf)
	err = tlsConn.Handshake()
	if err != nil {
		log.Info("TLS handshake error ", err)
		return nil, err
	}
	log.Tracef("enable session ssl on %v and wrap with tlsConn: %v", &conn.c, &tlsConn)
	return tlsConn, nil
}
