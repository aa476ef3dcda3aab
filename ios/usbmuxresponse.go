package ios

import (
	"bytes"

	plist "howett.net/plist"
)

// MuxResponse is the generic result message sent by usbmuxd,
// it contains a numeric response code where 0 means ok.
type MuxResponse struct {
	MessageType string
	Number      uint32
}

// MuxResponsefromBytes parses a MuxResponse from plist bytes.
func MuxResponsefromBytes(plistBytes []byte) MuxResponse {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var muxResponse MuxResponse
	_ = decoder.Decode(&muxResponse)
	return muxResponse
}

// IsSuccessFull returns true when usbmuxd reported result code 0.
func (u MuxResponse) IsSuccessFull() bool {
	return u.Number == 0
}
