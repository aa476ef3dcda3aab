package ios_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	ios "github.com/qt4i/idevice/ios"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestPairRecord builds a pair record with a freshly generated
// self signed certificate, enough for the TLS handshakes in these tests.
func createTestPairRecord(t *testing.T) ios.PairRecord {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	certDer, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDer})
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return ios.PairRecord{
		HostID:          "test-host-id",
		SystemBUID:      "test-buid",
		HostCertificate: certPem,
		HostPrivateKey:  keyPem,
	}
}

// lockdownStub answers lockdown requests on one accepted connection. It
// upgrades to TLS on StartSession and demotes again on StopSession the same
// way lockdownd does.
type lockdownStub struct {
	t          *testing.T
	listener   net.Listener
	pairRecord ios.PairRecord
	enableSSL  bool
	done       chan struct{}
}

func startLockdownStub(t *testing.T, pairRecord ios.PairRecord, enableSSL bool) *lockdownStub {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stub := &lockdownStub{t: t, listener: listener, pairRecord: pairRecord, enableSSL: enableSSL, done: make(chan struct{})}
	go stub.serveOne()
	t.Cleanup(func() { listener.Close() })
	return stub
}

func (stub *lockdownStub) dial() *ios.LockDownConnection {
	deviceConn, err := ios.NewDeviceConnection("tcp://" + stub.listener.Addr().String())
	require.NoError(stub.t, err)
	return ios.NewLockDownConnection(deviceConn)
}

func readRequest(t *testing.T, r io.Reader) map[string]interface{} {
	lengthBytes := make([]byte, 4)
	_, err := io.ReadFull(r, lengthBytes)
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(lengthBytes))
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	parsed, err := ios.ParsePlist(payload)
	require.NoError(t, err)
	return parsed
}

func writeResponse(t *testing.T, w io.Writer, response map[string]interface{}) {
	payload := ios.ToPlistBytes(response)
	lengthBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBytes, uint32(len(payload)))
	_, err := w.Write(append(lengthBytes, payload...))
	require.NoError(t, err)
}

func (stub *lockdownStub) serveOne() {
	defer close(stub.done)
	conn, err := stub.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var stream io.ReadWriter = conn
	var tlsConn *tls.Conn
	for {
		lengthBytes := make([]byte, 4)
		if _, err := io.ReadFull(stream, lengthBytes); err != nil {
			// the client closed its side without sending "Goodbye"; treat
			// that the same as a clean shutdown of the stub.
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(lengthBytes))
		if _, err := io.ReadFull(stream, payload); err != nil {
			stub.t.Errorf("failed to read request payload: %v", err)
			return
		}
		request, err := ios.ParsePlist(payload)
		require.NoError(stub.t, err)
		switch request["Request"] {
		case "GetValue":
			writeResponse(stub.t, stream, map[string]interface{}{
				"Request": "GetValue",
				"Value":   map[string]interface{}{"ProductVersion": "17.4"},
			})
		case "StartSession":
			assert.Equal(stub.t, stub.pairRecord.HostID, request["HostID"])
			assert.Equal(stub.t, stub.pairRecord.SystemBUID, request["SystemBUID"])
			writeResponse(stub.t, stream, map[string]interface{}{
				"Request":          "StartSession",
				"SessionID":        "abc",
				"EnableSessionSSL": stub.enableSSL,
			})
			if stub.enableSSL {
				cert, err := tls.X509KeyPair(stub.pairRecord.HostCertificate, stub.pairRecord.HostPrivateKey)
				require.NoError(stub.t, err)
				tlsConn = tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
				require.NoError(stub.t, tlsConn.Handshake())
				stream = tlsConn
			}
		case "StopSession":
			assert.Equal(stub.t, "abc", request["SessionID"])
			writeResponse(stub.t, stream, map[string]interface{}{"Request": "StopSession"})
			if tlsConn != nil {
				// send our close alert and drain the client's, then the
				// plain TCP stream carries lockdown frames again
				require.NoError(stub.t, tlsConn.CloseWrite())
				header := make([]byte, 5)
				_, err := io.ReadFull(conn, header)
				require.NoError(stub.t, err)
				alert := make([]byte, binary.BigEndian.Uint16(header[3:]))
				_, err = io.ReadFull(conn, alert)
				require.NoError(stub.t, err)
				tlsConn = nil
				stream = conn
				// CloseWrite leaves a write deadline on the shared conn,
				// undo it or the next plaintext write times out.
				require.NoError(stub.t, conn.SetDeadline(time.Time{}))
			}
		case "Goodbye":
			return
		default:
			stub.t.Errorf("lockdown stub got unexpected request %v", request)
			return
		}
	}
}

func TestLockdownGetValue(t *testing.T) {
	pairRecord := createTestPairRecord(t)
	stub := startLockdownStub(t, pairRecord, false)
	lockdownConn := stub.dial()
	defer lockdownConn.Close()

	value, err := lockdownConn.GetValue("")
	require.NoError(t, err)
	values, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "17.4", values["ProductVersion"])
}

func TestLockdownSessionErrors(t *testing.T) {
	pairRecord := createTestPairRecord(t)
	stub := startLockdownStub(t, pairRecord, false)
	lockdownConn := stub.dial()
	defer lockdownConn.Close()

	_, err := lockdownConn.StartSession()
	assert.ErrorIs(t, err, ios.ErrNoPairingRecord)
	assert.ErrorIs(t, lockdownConn.StopSession(), ios.ErrNoSession)
	_, err = lockdownConn.StartService("com.apple.afc")
	assert.ErrorIs(t, err, ios.ErrNoSession)

	lockdownConn.UsePairRecord(pairRecord)
	resp, err := lockdownConn.StartSession()
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.SessionID)

	_, err = lockdownConn.StartSession()
	assert.ErrorIs(t, err, ios.ErrAlreadyStarted)
}

func TestLockdownSessionSSLUpgradeAndTeardown(t *testing.T) {
	pairRecord := createTestPairRecord(t)
	stub := startLockdownStub(t, pairRecord, true)
	lockdownConn := stub.dial()
	defer lockdownConn.Close()
	lockdownConn.UsePairRecord(pairRecord)

	resp, err := lockdownConn.StartSession()
	require.NoError(t, err)
	assert.True(t, resp.EnableSessionSSL)
	assert.Equal(t, "abc", resp.SessionID)

	// the session socket is TLS now, requests still work
	value, err := lockdownConn.GetValue("")
	require.NoError(t, err)
	assert.Equal(t, "17.4", value.(map[string]interface{})["ProductVersion"])

	// after StopSession the underlying TCP socket keeps working in plaintext
	require.NoError(t, lockdownConn.StopSession())
	value, err = lockdownConn.GetValue("")
	require.NoError(t, err)
	assert.Equal(t, "17.4", value.(map[string]interface{})["ProductVersion"])
}
