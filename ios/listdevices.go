package ios

import (
	"bytes"
	"fmt"
	"strings"

	plist "howett.net/plist"
)

// ReadDevicesType is the usbmuxd request for a one shot device list.
type ReadDevicesType struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

// DeviceList is a wrapper for an array of DeviceEntry.
type DeviceList struct {
	DeviceList []DeviceEntry
}

// DeviceEntry contains the DeviceID assigned by usbmuxd for the current
// attach and the DeviceProperties where the udid is stored. DeviceIDs are
// not stable across re-attach.
type DeviceEntry struct {
	DeviceID    int
	MessageType string
	Properties  DeviceProperties
}

// DeviceProperties contains device related info, the udid is the SerialNumber.
type DeviceProperties struct {
	ConnectionSpeed int
	ConnectionType  string
	DeviceID        int
	LocationID      int
	ProductID       int
	SerialNumber    string
}

// DeviceListfromBytes parses a DeviceList from plist bytes.
func DeviceListfromBytes(plistBytes []byte) DeviceList {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var deviceList DeviceList
	_ = decoder.Decode(&deviceList)
	return deviceList
}

// String returns all udids, one per line.
func (deviceList DeviceList) String() string {
	var sb strings.Builder
	for _, element := range deviceList.DeviceList {
		sb.WriteString(element.Properties.SerialNumber)
		sb.WriteString("\n")
	}
	return sb.String()
}

// NewReadDevices creates a ListDevices request for usbmuxd.
func NewReadDevices() ReadDevicesType {
	return ReadDevicesType{
		MessageType:         "ListDevices",
		ProgName:            ProgName,
		ClientVersionString: ClientVersionString,
		LibUSBMuxVersion:    LibUSBMuxVersion,
	}
}

// ListDevices returns a DeviceList of all currently attached iOS devices.
func (muxConn *UsbMuxConnection) ListDevices() (DeviceList, error) {
	err := muxConn.Send(NewReadDevices())
	if err != nil {
		return DeviceList{}, fmt.Errorf("failed sending to usbmux requesting devicelist: %w", err)
	}
	response, err := muxConn.ReadMessage()
	if err != nil {
		return DeviceList{}, fmt.Errorf("failed getting devicelist: %w", err)
	}
	return DeviceListfromBytes(response.Payload), nil
}

// ListDevices returns a DeviceList of all currently attached iOS devices
// using a new UsbMuxConnection.
func ListDevices() (DeviceList, error) {
	muxConnection, err := NewUsbMuxConnectionSimple()
	if err != nil {
		return DeviceList{}, err
	}
	defer muxConnection.Close()
	return muxConnection.ListDevices()
}

// GetDevice returns the DeviceEntry for the given udid, or the first device
// in the list when udid is empty.
func GetDevice(udid string) (DeviceEntry, error) {
	deviceList, err := ListDevices()
	if err != nil {
		return DeviceEntry{}, err
	}
	if udid == "" {
		if len(deviceList.DeviceList) == 0 {
			return DeviceEntry{}, fmt.Errorf("no iOS devices are attached to this host: %w", ErrNotFound)
		}
		return deviceList.DeviceList[0], nil
	}
	for _, device := range deviceList.DeviceList {
		if device.Properties.SerialNumber == udid {
			return device, nil
		}
	}
	return DeviceEntry{}, fmt.Errorf("device '%s' not attached to this machine: %w", udid, ErrNotFound)
}
