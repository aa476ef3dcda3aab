package ios

import (
	"bytes"

	plist "howett.net/plist"
)

type readBuid struct {
	ClientVersionString string
	MessageType         string
	ProgName            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

type readBuidResponse struct {
	BUID string
}

func newReadBuid() readBuid {
	return readBuid{
		ClientVersionString: ClientVersionString,
		MessageType:         "ReadBUID",
		ProgName:            ProgName,
		LibUSBMuxVersion:    LibUSBMuxVersion,
	}
}

func readBuidResponsefromBytes(plistBytes []byte) readBuidResponse {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var data readBuidResponse
	_ = decoder.Decode(&data)
	return data
}

// ReadBuid requests the SystemBUID of the host from usbmuxd.
// The monitor also uses this as its handshake since the response carries
// the protocol version in the frame header.
func (muxConn *UsbMuxConnection) ReadBuid() (string, error) {
	err := muxConn.Send(newReadBuid())
	if err != nil {
		return "", err
	}
	resp, err := muxConn.ReadMessage()
	if err != nil {
		return "", err
	}
	buidResponse := readBuidResponsefromBytes(resp.Payload)
	return buidResponse.BUID, nil
}
