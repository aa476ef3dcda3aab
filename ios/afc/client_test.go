package afc_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"path"
	"sync"
	"testing"

	ios "github.com/qt4i/idevice/ios"
	"github.com/qt4i/idevice/ios/afc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// afcStub serves the AFC protocol on one connection backed by an in
// memory file system.
type afcStub struct {
	t        *testing.T
	listener net.Listener

	mu           sync.Mutex
	dirs         map[string][]string
	files        map[string][]byte
	handles      map[uint64]string
	offsets      map[uint64]int
	nextHandle   uint64
	seqs         []uint64
	requests     int
	lastReadSize uint64
	lastWrite    afc.AfcPacket
}

func startAfcStub(t *testing.T) *afcStub {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stub := &afcStub{
		t:        t,
		listener: listener,
		dirs: map[string][]string{
			"/":    {"a"},
			"/a":   {"b", "c"},
			"/a/c": {"d"},
		},
		files: map[string][]byte{
			"/a/b":   []byte("hey"),
			"/a/c/d": {},
		},
		handles:    map[uint64]string{},
		offsets:    map[uint64]int{},
		nextHandle: 1,
	}
	go stub.serveOne()
	t.Cleanup(func() { listener.Close() })
	return stub
}

func (stub *afcStub) dial() *afc.Connection {
	conn, err := net.Dial("tcp", stub.listener.Addr().String())
	require.NoError(stub.t, err)
	return afc.NewFromConn(ios.NewDeviceConnectionWithConn(conn))
}

func (stub *afcStub) requestCount() int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.requests
}

func (stub *afcStub) sequenceNumbers() []uint64 {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return append([]uint64{}, stub.seqs...)
}

func (stub *afcStub) serveOne() {
	conn, err := stub.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		packet, err := afc.Decode(conn)
		if err != nil {
			return
		}
		stub.mu.Lock()
		stub.requests++
		stub.seqs = append(stub.seqs, packet.Header.Packet_num)
		response := stub.handle(packet)
		stub.mu.Unlock()
		err = afc.Encode(response, conn)
		if err != nil {
			return
		}
	}
}

func statusPacket(seq uint64, code uint64) afc.AfcPacket {
	headerPayload := make([]byte, 8)
	binary.LittleEndian.PutUint64(headerPayload, code)
	return afc.AfcPacket{
		Header: afc.AfcPacketHeader{
			Magic: afc.Afc_magic, Packet_num: seq, Operation: afc.Afc_operation_status,
			This_length: afc.Afc_header_size + 8, Entire_length: afc.Afc_header_size + 8,
		},
		HeaderPayload: headerPayload,
	}
}

func dataPacket(seq uint64, op uint64, headerPayload []byte, payload []byte) afc.AfcPacket {
	return afc.AfcPacket{
		Header: afc.AfcPacketHeader{
			Magic: afc.Afc_magic, Packet_num: seq, Operation: op,
			This_length:   afc.Afc_header_size + uint64(len(headerPayload)),
			Entire_length: afc.Afc_header_size + uint64(len(headerPayload)) + uint64(len(payload)),
		},
		HeaderPayload: headerPayload,
		Payload:       payload,
	}
}

func (stub *afcStub) handle(packet afc.AfcPacket) afc.AfcPacket {
	seq := packet.Header.Packet_num
	switch packet.Header.Operation {
	case afc.Afc_operation_read_dir:
		dirPath := string(packet.HeaderPayload)
		entries, ok := stub.dirs[dirPath]
		if !ok {
			return statusPacket(seq, 8)
		}
		var buf bytes.Buffer
		for _, entry := range append([]string{".", ".."}, entries...) {
			buf.WriteString(entry)
			buf.WriteByte(0)
		}
		return dataPacket(seq, afc.Afc_operation_data, nil, buf.Bytes())
	case afc.Afc_operation_file_info:
		filePath := string(packet.HeaderPayload)
		var buf bytes.Buffer
		writePair := func(k, v string) {
			buf.WriteString(k)
			buf.WriteByte(0)
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		if content, ok := stub.files[filePath]; ok {
			writePair("st_size", fmt.Sprintf("%d", len(content)))
			writePair("st_blocks", "8")
			writePair("st_nlink", "1")
			writePair("st_ifmt", "S_IFREG")
			writePair("st_mtime", "1700000000000000000")
			writePair("st_birthtime", "1600000000000000000")
			return dataPacket(seq, afc.Afc_operation_data, nil, buf.Bytes())
		}
		if _, ok := stub.dirs[filePath]; ok {
			writePair("st_size", "96")
			writePair("st_blocks", "0")
			writePair("st_nlink", "3")
			writePair("st_ifmt", "S_IFDIR")
			writePair("st_mtime", "1700000000000000000")
			writePair("st_birthtime", "1600000000000000000")
			return dataPacket(seq, afc.Afc_operation_data, nil, buf.Bytes())
		}
		return statusPacket(seq, 8)
	case afc.Afc_operation_remove_path:
		filePath := string(packet.HeaderPayload)
		if entries, ok := stub.dirs[filePath]; ok {
			if len(entries) != 0 {
				return statusPacket(seq, 7)
			}
			delete(stub.dirs, filePath)
			stub.removeEntry(filePath)
			return statusPacket(seq, 0)
		}
		if _, ok := stub.files[filePath]; ok {
			delete(stub.files, filePath)
			stub.removeEntry(filePath)
			return statusPacket(seq, 0)
		}
		return statusPacket(seq, 8)
	case afc.Afc_operation_file_open:
		mode := binary.LittleEndian.Uint64(packet.HeaderPayload)
		filePath := string(bytes.TrimRight(packet.HeaderPayload[8:], "\x00"))
		_, exists := stub.files[filePath]
		if !exists {
			if mode == afc.Afc_Mode_RDONLY {
				return statusPacket(seq, 8)
			}
			stub.files[filePath] = []byte{}
			stub.addEntry(filePath)
		}
		handle := stub.nextHandle
		stub.nextHandle++
		stub.handles[handle] = filePath
		stub.offsets[handle] = 0
		fd := make([]byte, 8)
		binary.LittleEndian.PutUint64(fd, handle)
		return dataPacket(seq, afc.Afc_operation_file_open_result, fd, nil)
	case afc.Afc_operation_file_read:
		handle := binary.LittleEndian.Uint64(packet.HeaderPayload)
		size := binary.LittleEndian.Uint64(packet.HeaderPayload[8:])
		stub.lastReadSize = size
		filePath, ok := stub.handles[handle]
		if !ok {
			return statusPacket(seq, 7)
		}
		content := stub.files[filePath]
		offset := stub.offsets[handle]
		remaining := len(content) - offset
		n := int(size)
		if n > remaining {
			n = remaining
		}
		data := content[offset : offset+n]
		stub.offsets[handle] = offset + n
		return dataPacket(seq, afc.Afc_operation_data, nil, data)
	case afc.Afc_operation_file_write:
		stub.lastWrite = packet
		handle := binary.LittleEndian.Uint64(packet.HeaderPayload)
		filePath, ok := stub.handles[handle]
		if !ok {
			return statusPacket(seq, 7)
		}
		stub.files[filePath] = append(stub.files[filePath], packet.Payload...)
		return statusPacket(seq, 0)
	case afc.Afc_operation_file_close:
		handle := binary.LittleEndian.Uint64(packet.HeaderPayload)
		delete(stub.handles, handle)
		delete(stub.offsets, handle)
		return statusPacket(seq, 0)
	case afc.Afc_operation_make_dir:
		dirPath := string(bytes.TrimRight(packet.HeaderPayload, "\x00"))
		stub.dirs[dirPath] = []string{}
		stub.addEntry(dirPath)
		return statusPacket(seq, 0)
	default:
		return statusPacket(seq, 7)
	}
}

func (stub *afcStub) removeEntry(childPath string) {
	parent := path.Dir(childPath)
	name := path.Base(childPath)
	entries := stub.dirs[parent]
	for i, entry := range entries {
		if entry == name {
			stub.dirs[parent] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (stub *afcStub) addEntry(childPath string) {
	parent := path.Dir(childPath)
	stub.dirs[parent] = append(stub.dirs[parent], path.Base(childPath))
}

func TestAfcFrameRoundTrip(t *testing.T) {
	packet := afc.AfcPacket{
		Header: afc.AfcPacketHeader{
			Magic: afc.Afc_magic, Packet_num: 42, Operation: afc.Afc_operation_file_write,
			This_length:   afc.Afc_header_size + 8,
			Entire_length: afc.Afc_header_size + 8 + 5,
		},
		HeaderPayload: []byte{1, 0, 0, 0, 0, 0, 0, 0},
		Payload:       []byte("hello"),
	}
	var buf bytes.Buffer
	require.NoError(t, afc.Encode(packet, &buf))
	decoded, err := afc.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, packet, decoded)
}

func TestAfcFrameRejectsWrongMagic(t *testing.T) {
	var buf bytes.Buffer
	packet := afc.AfcPacket{
		Header: afc.AfcPacketHeader{
			Magic: 0x1234, Packet_num: 0, Operation: afc.Afc_operation_status,
			This_length: afc.Afc_header_size, Entire_length: afc.Afc_header_size,
		},
	}
	require.NoError(t, afc.Encode(packet, &buf))
	_, err := afc.Decode(&buf)
	assert.Error(t, err)
}

func TestAfcListAndStat(t *testing.T) {
	stub := startAfcStub(t)
	client := stub.dial()
	defer client.Close()

	entries, err := client.List("/a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, entries)

	info, err := client.Stat("/a/b")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Size)
	assert.EqualValues(t, 1, info.NLinks)
	assert.EqualValues(t, 1700000000000000000, info.Mtime)
	assert.EqualValues(t, 1600000000000000000, info.Birthtime)
	assert.True(t, info.IsRegular())

	info, err = client.Stat("/a/c")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = client.List("/missing")
	assert.ErrorIs(t, err, ios.ErrNotFound)
	_, err = client.Stat("/missing")
	assert.ErrorIs(t, err, ios.ErrNotFound)
}

func TestAfcSequenceNumbersAreStrictlyIncreasing(t *testing.T) {
	stub := startAfcStub(t)
	client := stub.dial()
	defer client.Close()

	_, err := client.List("/a")
	require.NoError(t, err)
	_, err = client.Stat("/a/b")
	require.NoError(t, err)
	_, err = client.List("/a/c")
	require.NoError(t, err)

	assert.Equal(t, []uint64{0, 1, 2}, stub.sequenceNumbers())
}

func TestAfcReadWrite(t *testing.T) {
	stub := startAfcStub(t)
	client := stub.dial()
	defer client.Close()

	fd, err := client.OpenFile("/a/e", afc.Afc_Mode_WRONLY)
	require.NoError(t, err)
	require.NoError(t, client.WriteFile(fd, []byte("written")))
	require.NoError(t, client.CloseFile(fd))

	// bulk write bytes travel as a continuation after the 8 byte handle
	assert.EqualValues(t, afc.Afc_header_size+8, stub.lastWrite.Header.This_length)
	assert.EqualValues(t, afc.Afc_header_size+8+7, stub.lastWrite.Header.Entire_length)

	fd, err = client.OpenFile("/a/e", afc.Afc_Mode_RDONLY)
	require.NoError(t, err)
	data, err := client.ReadFile(fd, 1024)
	require.NoError(t, err)
	assert.Equal(t, []byte("written"), data)
	require.NoError(t, client.CloseFile(fd))
}

func TestAfcReadSizeIsCapped(t *testing.T) {
	stub := startAfcStub(t)
	client := stub.dial()
	defer client.Close()

	fd, err := client.OpenFile("/a/b", afc.Afc_Mode_RDONLY)
	require.NoError(t, err)
	_, err = client.ReadFile(fd, 512*1024*1024)
	require.NoError(t, err)
	assert.Equal(t, afc.MaxReadSize, stub.lastReadSize)
}

func TestAfcRemoveRootIsNoOp(t *testing.T) {
	stub := startAfcStub(t)
	client := stub.dial()
	defer client.Close()

	// force the connection open so the request counter is meaningful
	_, err := client.List("/")
	require.NoError(t, err)
	before := stub.requestCount()

	require.NoError(t, client.Remove("/"))
	assert.Equal(t, before, stub.requestCount())
}

func TestAfcWalkAndRemoveAll(t *testing.T) {
	stub := startAfcStub(t)
	client := stub.dial()
	defer client.Close()

	files, err := client.Walk("/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/b", "/a/c/d"}, files)

	require.NoError(t, client.RemoveAll("/a"))
	_, err = client.List("/a")
	assert.ErrorIs(t, err, ios.ErrNotFound)
}
