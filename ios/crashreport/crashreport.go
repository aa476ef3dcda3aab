package crashreport

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/qt4i/idevice/ios"
	"github.com/qt4i/idevice/ios/afc"
	log "github.com/sirupsen/logrus"
)

const (
	moverServiceName = "com.apple.crashreportmover"
	copyServiceName  = "com.apple.crashreportcopymobile"
)

// Connection wraps an AFC client rooted at the crash report directory of the device.
type Connection struct {
	afcConn *afc.Connection
}

// New pings the crash report mover, which flushes pending reports into the
// copy area, then connects to the copy service. The copy service speaks AFC.
func New(device ios.DeviceEntry) (*Connection, error) {
	err := pingMover(device)
	if err != nil {
		return nil, err
	}
	deviceConn, err := ios.ConnectToService(device, copyServiceName)
	if err != nil {
		return nil, err
	}
	return &Connection{afcConn: afc.NewFromConn(deviceConn)}, nil
}

// Close closes the AFC connection.
func (conn *Connection) Close() error {
	return conn.afcConn.Close()
}

// List returns the paths of all crash report files on the device, sorted.
func (conn *Connection) List() ([]string, error) {
	return conn.afcConn.Walk(".")
}

// DownloadReports copies all crash reports matching the pattern into
// targetDir on the host, keeping the directory layout.
func (conn *Connection) DownloadReports(pattern string, targetDir string) error {
	files, err := conn.afcConn.Walk(".")
	if err != nil {
		return err
	}
	for _, remotePath := range files {
		matches, err := filepath.Match(pattern, path.Base(remotePath))
		if err != nil {
			return fmt.Errorf("invalid pattern '%s': %w", pattern, err)
		}
		if !matches {
			continue
		}
		localPath := filepath.Join(targetDir, filepath.FromSlash(strings.TrimPrefix(remotePath, "./")))
		err = os.MkdirAll(filepath.Dir(localPath), 0o755)
		if err != nil {
			return err
		}
		err = conn.downloadFile(remotePath, localPath)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"remote": remotePath, "local": localPath}).Debug("crash report copied")
	}
	return nil
}

// RemoveReports deletes all crash reports below the given directory on the device.
func (conn *Connection) RemoveReports(dir string) error {
	entries, err := conn.afcConn.List(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		err = conn.afcConn.RemoveAll(path.Join(dir, entry))
		if err != nil {
			return err
		}
	}
	return nil
}

func (conn *Connection) downloadFile(remotePath string, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return conn.afcConn.PullFile(remotePath, f)
}

// pingMover connects to the crash report mover and waits for its 4 byte
// "ping" which signals that moving is done.
func pingMover(device ios.DeviceEntry) error {
	deviceConn, err := ios.ConnectToService(device, moverServiceName)
	if err != nil {
		return err
	}
	defer deviceConn.Close()
	log.Debug("connected to crash report mover, awaiting ping")
	ping := make([]byte, 4)
	_, err = io.ReadFull(deviceConn.Reader(), ping)
	if err != nil {
		return err
	}
	if "ping" != string(ping) {
		return fmt.Errorf("did not receive ping from crashreport mover: %x", ping)
	}
	return nil
}
