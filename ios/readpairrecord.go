package ios

import (
	"bytes"
	"fmt"

	plist "howett.net/plist"
)

// ReadPair is the usbmuxd request for the pair record of a device,
// use newReadPair(udid) to create one.
type ReadPair struct {
	ClientVersionString string
	MessageType         string
	ProgName            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	PairRecordID        string
}

func newReadPair(udid string) ReadPair {
	return ReadPair{
		ClientVersionString: ClientVersionString,
		MessageType:         "ReadPairRecord",
		ProgName:            ProgName,
		LibUSBMuxVersion:    LibUSBMuxVersion,
		PairRecordID:        udid,
	}
}

// PairRecordData holds the raw pair record plist as returned by usbmuxd.
type PairRecordData struct {
	PairRecordData []byte
}

// PairRecord contains the host credentials established during pairing.
// HostCertificate and HostPrivateKey are PEM, the key is RSA or EC.
// It is needed for enabling SSL towards lockdown and services.
// This library only ever reads pair records, it never writes them.
type PairRecord struct {
	HostID            string
	SystemBUID        string
	HostCertificate   []byte
	HostPrivateKey    []byte
	DeviceCertificate []byte
	EscrowBag         []byte
	WiFiMACAddress    string
	RootCertificate   []byte
	RootPrivateKey    []byte
}

// PairRecordfromBytes parses a plist into a PairRecord.
func PairRecordfromBytes(plistBytes []byte) (PairRecord, error) {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var data PairRecord
	err := decoder.Decode(&data)
	if err != nil {
		return PairRecord{}, fmt.Errorf("failed decoding pair record plist: %w", err)
	}
	return data, nil
}

// ReadPair reads the pair record for the given udid over this usbmux connection.
// Devices usbmuxd has no record for fail with ErrNotFound.
func (muxConn *UsbMuxConnection) ReadPair(udid string) (PairRecord, error) {
	err := muxConn.Send(newReadPair(udid))
	if err != nil {
		return PairRecord{}, err
	}
	resp, err := muxConn.ReadMessage()
	if err != nil {
		return PairRecord{}, err
	}
	decoder := plist.NewDecoder(bytes.NewReader(resp.Payload))
	var data PairRecordData
	err = decoder.Decode(&data)
	if err != nil || data.PairRecordData == nil {
		muxResponse := MuxResponsefromBytes(resp.Payload)
		return PairRecord{}, fmt.Errorf("no pair record for '%s', usbmuxd code %d, is the device paired?: %w",
			udid, muxResponse.Number, ErrNotFound)
	}
	return PairRecordfromBytes(data.PairRecordData)
}

// ReadPairRecord opens a new usbmux connection just to read the pair record
// for udid and closes it right after.
func ReadPairRecord(udid string) (PairRecord, error) {
	muxConnection, err := NewUsbMuxConnectionSimple()
	if err != nil {
		return PairRecord{}, err
	}
	defer muxConnection.Close()
	return muxConnection.ReadPair(udid)
}
