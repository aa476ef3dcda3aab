package afc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/qt4i/idevice/ios"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const serviceName = "com.apple.afc"

// MaxReadSize caps how many bytes a single FileRead round trip may request.
const MaxReadSize uint64 = 4 * 1024 * 1024

// Connection is an AFC client. The protocol is strictly synchronous per
// connection: one request, one response, packet numbers strictly increasing.
type Connection struct {
	deviceConn ios.DeviceConnectionInterface
	packetNum  uint64
}

// New connects to com.apple.afc on the given device.
func New(device ios.DeviceEntry) (*Connection, error) {
	deviceConn, err := ios.ConnectToService(device, serviceName)
	if err != nil {
		return nil, err
	}
	return &Connection{deviceConn: deviceConn}, nil
}

// NewFromConn runs AFC over an existing service connection. The crash report
// copy service speaks AFC on its own service port, see the crashreport package.
func NewFromConn(deviceConn ios.DeviceConnectionInterface) *Connection {
	return &Connection{deviceConn: deviceConn}
}

// Close closes the underlying device connection.
func (conn *Connection) Close() error {
	return conn.deviceConn.Close()
}

// sendAfcPacketAndAwaitResponse does one synchronous round trip.
func (conn *Connection) sendAfcPacketAndAwaitResponse(packet AfcPacket) (AfcPacket, error) {
	err := Encode(packet, conn.deviceConn.Writer())
	if err != nil {
		return AfcPacket{}, err
	}
	return Decode(conn.deviceConn.Reader())
}

// request builds a single segment packet, assigns the next packet number and
// performs the round trip.
func (conn *Connection) request(op uint64, headerPayload []byte, payload []byte) (AfcPacket, error) {
	header := AfcPacketHeader{
		Magic:         Afc_magic,
		Packet_num:    conn.packetNum,
		Operation:     op,
		This_length:   Afc_header_size + uint64(len(headerPayload)),
		Entire_length: Afc_header_size + uint64(len(headerPayload)) + uint64(len(payload)),
	}
	conn.packetNum++
	packet := AfcPacket{Header: header, HeaderPayload: headerPayload, Payload: payload}
	response, err := conn.sendAfcPacketAndAwaitResponse(packet)
	if err != nil {
		return AfcPacket{}, err
	}
	if err = checkOperationStatus(response); err != nil {
		return AfcPacket{}, err
	}
	return response, nil
}

func checkOperationStatus(packet AfcPacket) error {
	if packet.Header.Operation == Afc_operation_status {
		errorCode := binary.LittleEndian.Uint64(packet.HeaderPayload)
		return getError(errorCode)
	}
	return nil
}

// List returns the entries of the given directory without "." and "..".
func (conn *Connection) List(dirPath string) ([]string, error) {
	response, err := conn.request(Afc_operation_read_dir, []byte(dirPath), nil)
	if err != nil {
		return nil, fmt.Errorf("list dir '%s': %w", dirPath, err)
	}
	ret := bytes.Split(response.Payload, []byte{0})
	var fileList []string
	for _, v := range ret {
		if string(v) != "." && string(v) != ".." && string(v) != "" {
			fileList = append(fileList, string(v))
		}
	}
	return fileList, nil
}

// FileInfo describes one file system entry on the device.
// Mtime and Birthtime are epoch nanoseconds as AFC reports them.
type FileInfo struct {
	Size      int64
	NLinks    int64
	Mtime     int64
	Birthtime int64
	Ifmt      string
}

// IsDir reports whether the entry is a directory.
func (info FileInfo) IsDir() bool {
	return info.Ifmt == "S_IFDIR"
}

// IsRegular reports whether the entry is a regular file.
func (info FileInfo) IsRegular() bool {
	return info.Ifmt == "S_IFREG"
}

// Stat returns the FileInfo for the given path.
func (conn *Connection) Stat(filePath string) (FileInfo, error) {
	response, err := conn.request(Afc_operation_file_info, []byte(filePath), nil)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat '%s': %w", filePath, err)
	}
	// the payload is a NUL separated key value list
	ret := bytes.Split(response.Payload, []byte{0})
	retLen := len(ret)
	if retLen%2 != 0 {
		retLen--
	}
	statInfoMap := make(map[string]string)
	for i := 0; i <= retLen-2; i += 2 {
		statInfoMap[string(ret[i])] = string(ret[i+1])
	}

	var info FileInfo
	info.Size, _ = strconv.ParseInt(statInfoMap["st_size"], 10, 64)
	info.NLinks, _ = strconv.ParseInt(statInfoMap["st_nlink"], 10, 64)
	info.Mtime, _ = strconv.ParseInt(statInfoMap["st_mtime"], 10, 64)
	info.Birthtime, _ = strconv.ParseInt(statInfoMap["st_birthtime"], 10, 64)
	info.Ifmt = statInfoMap["st_ifmt"]
	return info, nil
}

// OpenFile opens the file in one of the Afc_Mode_* modes and returns the handle.
func (conn *Connection) OpenFile(filePath string, mode uint64) (uint64, error) {
	pathBytes := append([]byte(filePath), 0)
	headerPayload := make([]byte, 8+len(pathBytes))
	binary.LittleEndian.PutUint64(headerPayload, mode)
	copy(headerPayload[8:], pathBytes)
	response, err := conn.request(Afc_operation_file_open, headerPayload, nil)
	if err != nil {
		return 0, fmt.Errorf("open file '%s': %w", filePath, err)
	}
	if len(response.HeaderPayload) < 8 {
		return 0, fmt.Errorf("open file '%s': short open result", filePath)
	}
	fd := binary.LittleEndian.Uint64(response.HeaderPayload)
	if fd == 0 {
		return 0, fmt.Errorf("open file '%s': file descriptor should not be zero", filePath)
	}
	return fd, nil
}

// ReadFile reads up to size bytes from the handle, capped at MaxReadSize per
// round trip. An empty result means end of file.
func (conn *Connection) ReadFile(fd uint64, size uint64) ([]byte, error) {
	if size > MaxReadSize {
		size = MaxReadSize
	}
	headerPayload := make([]byte, 16)
	binary.LittleEndian.PutUint64(headerPayload, fd)
	binary.LittleEndian.PutUint64(headerPayload[8:], size)
	response, err := conn.request(Afc_operation_file_read, headerPayload, nil)
	if err != nil {
		return nil, fmt.Errorf("read fd %d: %w", fd, err)
	}
	return response.Payload, nil
}

// WriteFile writes data to the handle. The frame is sent with This_length of
// header plus the 8 byte handle so the bulk bytes travel as a continuation
// within the same frame window.
func (conn *Connection) WriteFile(fd uint64, data []byte) error {
	headerPayload := make([]byte, 8)
	binary.LittleEndian.PutUint64(headerPayload, fd)
	header := AfcPacketHeader{
		Magic:         Afc_magic,
		Packet_num:    conn.packetNum,
		Operation:     Afc_operation_file_write,
		This_length:   Afc_header_size + 8,
		Entire_length: Afc_header_size + 8 + uint64(len(data)),
	}
	conn.packetNum++
	packet := AfcPacket{Header: header, HeaderPayload: headerPayload, Payload: data}
	response, err := conn.sendAfcPacketAndAwaitResponse(packet)
	if err != nil {
		return fmt.Errorf("write fd %d: %w", fd, err)
	}
	if err = checkOperationStatus(response); err != nil {
		return fmt.Errorf("write fd %d: %w", fd, err)
	}
	return nil
}

// CloseFile closes the file handle.
func (conn *Connection) CloseFile(fd uint64) error {
	headerPayload := make([]byte, 8)
	binary.LittleEndian.PutUint64(headerPayload, fd)
	_, err := conn.request(Afc_operation_file_close, headerPayload, nil)
	if err != nil {
		return fmt.Errorf("close fd %d: %w", fd, err)
	}
	return nil
}

// Remove deletes a single file or empty directory. Removing "/" is a local
// no-op that succeeds without a round trip.
func (conn *Connection) Remove(filePath string) error {
	if filePath == "/" {
		return nil
	}
	_, err := conn.request(Afc_operation_remove_path, []byte(filePath), nil)
	if err != nil {
		return fmt.Errorf("remove '%s': %w", filePath, err)
	}
	return nil
}

// MkDir creates a directory on the device.
func (conn *Connection) MkDir(dirPath string) error {
	headerPayload := append([]byte(dirPath), 0)
	_, err := conn.request(Afc_operation_make_dir, headerPayload, nil)
	if err != nil {
		return fmt.Errorf("mkdir '%s': %w", dirPath, err)
	}
	return nil
}

// RemoveAll deletes the given path recursively, files first, each directory
// after its contents are gone. The root "/" itself is never removed.
func (conn *Connection) RemoveAll(srcPath string) error {
	fileInfo, err := conn.Stat(srcPath)
	if err != nil {
		return err
	}
	if fileInfo.IsDir() {
		fileList, err := conn.List(srcPath)
		if err != nil {
			return err
		}
		for _, v := range fileList {
			err = conn.RemoveAll(path.Join(srcPath, v))
			if err != nil {
				return err
			}
		}
	}
	return conn.Remove(srcPath)
}

// Walk traverses the tree below root breadth first and returns the paths of
// all regular files, sorted.
func (conn *Connection) Walk(root string) ([]string, error) {
	var files []string
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		entries, err := conn.List(dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			entryPath := path.Join(dir, entry)
			info, err := conn.Stat(entryPath)
			if err != nil {
				return nil, err
			}
			switch {
			case info.IsDir():
				queue = append(queue, entryPath)
			case info.IsRegular():
				files = append(files, entryPath)
			default:
				log.Debugf("walk: skipping %s entry %s", info.Ifmt, entryPath)
			}
		}
	}
	slices.Sort(files)
	return files, nil
}

// PullFile streams the remote file into the writer.
func (conn *Connection) PullFile(remotePath string, w io.Writer) error {
	fd, err := conn.OpenFile(remotePath, Afc_Mode_RDONLY)
	if err != nil {
		return err
	}
	defer conn.CloseFile(fd)
	for {
		data, err := conn.ReadFile(fd, MaxReadSize)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		_, err = w.Write(data)
		if err != nil {
			return err
		}
	}
}

// DeviceInfo contains file system level information of the device.
type DeviceInfo struct {
	Model      string
	TotalBytes uint64
	FreeBytes  uint64
	BlockSize  uint64
}

// GetSpaceInfo queries model and file system usage of the device.
func (conn *Connection) GetSpaceInfo() (DeviceInfo, error) {
	response, err := conn.request(Afc_operation_device_info, nil, nil)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("device info: %w", err)
	}
	bs := bytes.Split(response.Payload, []byte{0})
	m := make(map[string]string)
	for i := 0; i+1 < len(bs); i += 2 {
		m[string(bs[i])] = string(bs[i+1])
	}
	totalBytes, _ := strconv.ParseUint(m["FSTotalBytes"], 10, 64)
	freeBytes, _ := strconv.ParseUint(m["FSFreeBytes"], 10, 64)
	blockSize, _ := strconv.ParseUint(m["FSBlockSize"], 10, 64)
	return DeviceInfo{
		Model:      m["Model"],
		TotalBytes: totalBytes,
		FreeBytes:  freeBytes,
		BlockSize:  blockSize,
	}, nil
}
