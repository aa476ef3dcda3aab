package afc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/qt4i/idevice/ios"
)

// Afc_magic is "CFA6LPAA" interpreted as a little endian uint64.
const (
	Afc_magic       uint64 = 0x4141504c36414643
	Afc_header_size uint64 = 40
)

const (
	Afc_operation_status           uint64 = 0x00000001
	Afc_operation_data             uint64 = 0x00000002
	Afc_operation_read_dir         uint64 = 0x00000003
	Afc_operation_remove_path      uint64 = 0x00000008
	Afc_operation_make_dir         uint64 = 0x00000009
	Afc_operation_file_info        uint64 = 0x0000000A
	Afc_operation_device_info      uint64 = 0x0000000B
	Afc_operation_file_open        uint64 = 0x0000000D
	Afc_operation_file_open_result uint64 = 0x0000000E
	Afc_operation_file_read        uint64 = 0x0000000F
	Afc_operation_file_write       uint64 = 0x00000010
	Afc_operation_file_close       uint64 = 0x00000014
)

// File open modes as the device expects them.
const (
	Afc_Mode_RDONLY   uint64 = 0x00000001 // "r"
	Afc_Mode_RW       uint64 = 0x00000002 // "r+"
	Afc_Mode_WRONLY   uint64 = 0x00000003 // "w"
	Afc_Mode_WR       uint64 = 0x00000004 // "w+"
	Afc_Mode_APPEND   uint64 = 0x00000005 // "a"
	Afc_Mode_RDAPPEND uint64 = 0x00000006 // "a+"
)

const (
	errSuccess         uint64 = 0
	errInvalidArgument uint64 = 7
	errObjectNotFound  uint64 = 8
	errPermDenied      uint64 = 10
)

// Error is an AFC status code the library has no dedicated mapping for.
type Error struct {
	Code uint64
}

func (e Error) Error() string {
	return fmt.Sprintf("afc error code %d", e.Code)
}

// getError maps a non zero AFC status code to a domain error. The codes for
// invalid argument, missing object and denied permission map to the shared
// sentinels, everything else keeps its numeric code.
func getError(errorCode uint64) error {
	switch errorCode {
	case errSuccess:
		return nil
	case errInvalidArgument:
		return ios.ErrBadArgument
	case errObjectNotFound:
		return ios.ErrNotFound
	case errPermDenied:
		return ios.ErrPermissionDenied
	default:
		return Error{Code: errorCode}
	}
}

// AfcPacketHeader is the 40 byte little endian header of every AFC frame.
// Entire_length counts header plus all payload bytes. This_length counts
// header plus the header payload only, for file writes the bulk data follows
// within the same frame window.
type AfcPacketHeader struct {
	Magic         uint64
	Entire_length uint64
	This_length   uint64
	Packet_num    uint64
	Operation     uint64
}

// AfcPacket is one AFC frame.
type AfcPacket struct {
	Header        AfcPacketHeader
	HeaderPayload []byte
	Payload       []byte
}

// Decode reads one AFC frame from the reader.
func Decode(reader io.Reader) (AfcPacket, error) {
	var header AfcPacketHeader
	err := binary.Read(reader, binary.LittleEndian, &header)
	if err != nil {
		return AfcPacket{}, err
	}
	if header.Magic != Afc_magic {
		return AfcPacket{}, fmt.Errorf("wrong magic:%x expected: %x", header.Magic, Afc_magic)
	}
	if header.This_length < Afc_header_size || header.Entire_length < header.This_length {
		return AfcPacket{}, fmt.Errorf("inconsistent afc header lengths: this:%d entire:%d", header.This_length, header.Entire_length)
	}
	headerPayload := make([]byte, header.This_length-Afc_header_size)
	_, err = io.ReadFull(reader, headerPayload)
	if err != nil {
		return AfcPacket{}, err
	}
	payload := make([]byte, header.Entire_length-header.This_length)
	_, err = io.ReadFull(reader, payload)
	if err != nil {
		return AfcPacket{}, err
	}
	return AfcPacket{header, headerPayload, payload}, nil
}

// Encode writes one AFC frame to the writer.
func Encode(packet AfcPacket, writer io.Writer) error {
	err := binary.Write(writer, binary.LittleEndian, packet.Header)
	if err != nil {
		return err
	}
	_, err = writer.Write(packet.HeaderPayload)
	if err != nil {
		return err
	}
	_, err = writer.Write(packet.Payload)
	return err
}
