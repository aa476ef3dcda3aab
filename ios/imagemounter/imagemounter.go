package imagemounter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/qt4i/idevice/ios"
	log "github.com/sirupsen/logrus"
)

const serviceName string = "com.apple.mobile.mobile_image_mounter"

// ImageMounter mounts developer disk images, either the classic signed
// images or the personalized images iOS 17 and later require.
type ImageMounter interface {
	ListImages() ([][]byte, error)
	MountImage(imagePath string) error
	Close() error
}

// developerDiskImageMounter mounts images signed with a detached signature,
// the pre iOS 17 flow.
type developerDiskImageMounter struct {
	deviceConn ios.DeviceConnectionInterface
	plistRw    ios.PlistCodecReadWriter
	version    *semver.Version
}

// ios17 is the first version that requires personalized images.
var ios17 = semver.MustParse("17.0")

// ios14 is the first version where LookupImage without signatures is an error.
var ios14 = semver.MustParse("14.0")

// New creates an ImageMounter matching the iOS version of the device.
func New(device ios.DeviceEntry) (ImageMounter, error) {
	version, err := ios.GetProductVersion(device)
	if err != nil {
		return nil, err
	}
	if version.LessThan(ios17) {
		return NewDeveloperDiskImageMounter(device, version)
	}
	return NewPersonalizedDeveloperDiskImageMounter(device, version)
}

// NewDeveloperDiskImageMounter connects to the image mounter service for the
// classic developer disk image flow.
func NewDeveloperDiskImageMounter(device ios.DeviceEntry, version *semver.Version) (ImageMounter, error) {
	deviceConn, err := ios.ConnectToService(device, serviceName)
	if err != nil {
		return nil, err
	}
	return &developerDiskImageMounter{
		deviceConn: deviceConn,
		plistRw:    ios.NewPlistCodecReadWriter(deviceConn.Reader(), deviceConn.Writer()),
		version:    version,
	}, nil
}

// ListImages returns the signatures of the mounted developer images.
func (conn *developerDiskImageMounter) ListImages() ([][]byte, error) {
	return listImages(conn.plistRw, "Developer", conn.version)
}

// MountImage uploads and mounts the .dmg image at imagePath. A detached
// signature file next to the image, imagePath + ".signature", is required.
func (conn *developerDiskImageMounter) MountImage(imagePath string) error {
	signatureBytes, imageSize, err := validatePathAndLoadSignature(imagePath)
	if err != nil {
		return err
	}
	err = sendImage(conn.plistRw, conn.deviceConn.Writer(), imagePath, imageSize, map[string]interface{}{
		"Command":        "ReceiveBytes",
		"ImageSignature": signatureBytes,
		"ImageSize":      uint64(imageSize),
		"ImageType":      "Developer",
	})
	if err != nil {
		return err
	}
	err = conn.plistRw.Write(map[string]interface{}{
		"Command":        "MountImage",
		"ImageSignature": signatureBytes,
		"ImageType":      "Developer",
	})
	if err != nil {
		return err
	}
	return waitForStatus(conn.plistRw, "Complete")
}

// UnmountImage unmounts the image mounted at the given mount path,
// f.ex. "/Developer".
func (conn *developerDiskImageMounter) UnmountImage(mountPath string) error {
	err := conn.plistRw.Write(map[string]interface{}{
		"Command":   "UnmountImage",
		"MountPath": mountPath,
	})
	if err != nil {
		return err
	}
	return waitForStatus(conn.plistRw, "Complete")
}

// Close hangs up the service and closes the connection.
func (conn *developerDiskImageMounter) Close() error {
	return hangUp(conn.plistRw, conn.deviceConn)
}

// CopyDevices lists the image entries the mounter knows about.
func CopyDevices(device ios.DeviceEntry) ([]map[string]interface{}, error) {
	deviceConn, err := ios.ConnectToService(device, serviceName)
	if err != nil {
		return nil, err
	}
	defer deviceConn.Close()
	plistRw := ios.NewPlistCodecReadWriter(deviceConn.Reader(), deviceConn.Writer())
	err = plistRw.Write(map[string]interface{}{"Command": "CopyDevices"})
	if err != nil {
		return nil, err
	}
	var resp map[string]interface{}
	err = plistRw.Read(&resp)
	if err != nil {
		return nil, err
	}
	entryList, ok := resp["EntryList"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected CopyDevices response: %+v", resp)
	}
	result := make([]map[string]interface{}, 0, len(entryList))
	for _, entry := range entryList {
		if m, ok := entry.(map[string]interface{}); ok {
			result = append(result, m)
		}
	}
	return result, nil
}

func validatePathAndLoadSignature(imagePath string) ([]byte, int64, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, 0, err
	}
	if info.IsDir() {
		return nil, 0, errors.New("provided path is a directory")
	}
	if !strings.HasSuffix(imagePath, ".dmg") {
		return nil, 0, errors.New("provided path is not a dmg file")
	}
	signatureBytes, err := os.ReadFile(imagePath + ".signature")
	if err != nil {
		return nil, 0, err
	}
	return signatureBytes, info.Size(), nil
}

// sendImage performs the ReceiveBytes handshake, streams the raw image bytes
// unframed over the same socket and waits for the final Complete status.
func sendImage(plistRw ios.PlistCodecReadWriter, writer io.Writer, imagePath string, imageSize int64, receiveBytes map[string]interface{}) error {
	log.Debugf("sending: %+v", receiveBytes)
	err := plistRw.Write(receiveBytes)
	if err != nil {
		return err
	}
	err = waitForStatus(plistRw, "ReceiveBytesAck")
	if err != nil {
		return err
	}
	imageFile, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	defer imageFile.Close()
	n, err := io.Copy(writer, imageFile)
	if err != nil {
		return err
	}
	if n != imageSize {
		return fmt.Errorf("image upload incomplete, sent %d of %d bytes", n, imageSize)
	}
	log.Debugf("%d image bytes uploaded", n)
	return waitForStatus(plistRw, "Complete")
}

func waitForStatus(plistRw ios.PlistCodecReadWriter, expected string) error {
	var resp map[string]interface{}
	err := plistRw.Read(&resp)
	if err != nil {
		return err
	}
	log.Debugf("received: %+v", resp)
	if deviceError, ok := resp["Error"]; ok {
		return fmt.Errorf("device error: %v", deviceError)
	}
	status, ok := resp["Status"]
	if !ok || expected != status {
		return fmt.Errorf("expected status '%s', got: %+v", expected, resp)
	}
	return nil
}

func hangUp(plistRw ios.PlistCodecReadWriter, deviceConn ios.DeviceConnectionInterface) error {
	err := plistRw.Write(map[string]interface{}{"Command": "Hangup"})
	if err != nil {
		log.Debugf("hangup failed: %v", err)
	}
	return deviceConn.Close()
}

func listImages(plistRw ios.PlistCodecReadWriter, imageType string, v *semver.Version) ([][]byte, error) {
	err := plistRw.Write(map[string]interface{}{
		"Command":   "LookupImage",
		"ImageType": imageType,
	})
	if err != nil {
		return nil, err
	}
	var resp map[string]interface{}
	err = plistRw.Read(&resp)
	if err != nil {
		return nil, err
	}
	if deviceError, ok := resp["Error"]; ok {
		return nil, fmt.Errorf("device error: %v", deviceError)
	}
	signatures, ok := resp["ImageSignature"]
	if !ok {
		if v.LessThan(ios14) {
			return [][]byte{}, nil
		}
		return nil, fmt.Errorf("invalid response: %+v", resp)
	}
	array, ok := signatures.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid ImageSignature in response: %+v", resp)
	}
	result := make([][]byte, len(array))
	for i, intf := range array {
		b, ok := intf.([]byte)
		if !ok {
			return nil, fmt.Errorf("could not convert %+v to byte slice", intf)
		}
		result[i] = b
	}
	return result, nil
}

// MountImage mounts the image at path on the device, choosing the mount flow
// matching the iOS version. Already mounted images are left alone.
func MountImage(device ios.DeviceEntry, path string) error {
	conn, err := New(device)
	if err != nil {
		return fmt.Errorf("failed connecting to image mounter: %w", err)
	}
	defer conn.Close()
	signatures, err := conn.ListImages()
	if err != nil {
		return fmt.Errorf("failed getting image list: %w", err)
	}
	if len(signatures) != 0 {
		log.Warn("there is already a developer image mounted, reboot the device if you want to remove it. aborting.")
		return nil
	}
	return conn.MountImage(path)
}
