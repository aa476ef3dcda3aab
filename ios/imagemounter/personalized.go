package imagemounter

import (
	"crypto/sha512"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver"
	"github.com/qt4i/idevice/ios"
	log "github.com/sirupsen/logrus"
)

// personalizedDeveloperDiskImageMounter implements the iOS 17+ flow where the
// image manifest has to be personalized for the exact chip through Apple's
// signing service before the device accepts it.
type personalizedDeveloperDiskImageMounter struct {
	deviceConn ios.DeviceConnectionInterface
	plistRw    ios.PlistCodecReadWriter
	version    *semver.Version
	tss        tssClient
}

// NewPersonalizedDeveloperDiskImageMounter connects to the image mounter
// service for the personalized image flow.
func NewPersonalizedDeveloperDiskImageMounter(device ios.DeviceEntry, version *semver.Version) (ImageMounter, error) {
	deviceConn, err := ios.ConnectToService(device, serviceName)
	if err != nil {
		return nil, err
	}
	return &personalizedDeveloperDiskImageMounter{
		deviceConn: deviceConn,
		plistRw:    ios.NewPlistCodecReadWriter(deviceConn.Reader(), deviceConn.Writer()),
		version:    version,
		tss:        newTssClient(),
	}, nil
}

// ListImages returns the manifests of the mounted personalized images.
func (p *personalizedDeveloperDiskImageMounter) ListImages() ([][]byte, error) {
	return listImages(p.plistRw, "Personalized", p.version)
}

// MountImage mounts a personalized developer disk image bundle. imagePath is
// the bundle directory as shipped by Xcode, containing BuildManifest.plist,
// Restore/DeveloperDiskImage.dmg and the matching trust cache.
func (p *personalizedDeveloperDiskImageMounter) MountImage(imagePath string) error {
	dmgPath := filepath.Join(imagePath, "Restore", "DeveloperDiskImage.dmg")
	image, err := os.ReadFile(dmgPath)
	if err != nil {
		return fmt.Errorf("failed reading image: %w", err)
	}
	trustCache, err := os.ReadFile(dmgPath + ".trustcache")
	if err != nil {
		return fmt.Errorf("failed reading trust cache: %w", err)
	}
	manifest, err := p.personalizedManifest(imagePath, image)
	if err != nil {
		return err
	}
	err = sendImage(p.plistRw, p.deviceConn.Writer(), dmgPath, int64(len(image)), map[string]interface{}{
		"Command":        "ReceiveBytes",
		"ImageSignature": manifest,
		"ImageSize":      uint64(len(image)),
		"ImageType":      "Personalized",
	})
	if err != nil {
		return err
	}
	mountRequest := map[string]interface{}{
		"Command":         "MountImage",
		"ImageSignature":  manifest,
		"ImageType":       "Personalized",
		"ImageTrustCache": trustCache,
	}
	infoPlist, err := os.ReadFile(filepath.Join(imagePath, "Restore", "Info.plist"))
	if err == nil {
		mountRequest["ImageInfoPlist"] = infoPlist
	}
	err = p.plistRw.Write(mountRequest)
	if err != nil {
		return err
	}
	return waitForStatus(p.plistRw, "Complete")
}

// Close hangs up the service and closes the connection.
func (p *personalizedDeveloperDiskImageMounter) Close() error {
	return hangUp(p.plistRw, p.deviceConn)
}

// personalizedManifest returns a manifest for the image, either one the
// device already holds for this image digest or a freshly signed one from
// the signing service.
func (p *personalizedDeveloperDiskImageMounter) personalizedManifest(imagePath string, image []byte) ([]byte, error) {
	digest := sha512.Sum384(image)
	manifest, err := p.queryPersonalizationManifest("DeveloperDiskImage", digest[:])
	if err == nil {
		log.Debug("using personalization manifest already present on the device")
		return manifest, nil
	}
	log.Debugf("no manifest on device (%v), requesting one from the signing service", err)

	identifiers, err := p.queryPersonalizationIdentifiers()
	if err != nil {
		return nil, fmt.Errorf("failed querying personalization identifiers: %w", err)
	}
	nonce, err := p.queryNonce("DeveloperDiskImage")
	if err != nil {
		return nil, fmt.Errorf("failed querying nonce: %w", err)
	}
	buildManifest, err := loadBuildManifest(filepath.Join(imagePath, "BuildManifest.plist"))
	if err != nil {
		return nil, err
	}
	identity, err := findBuildIdentity(buildManifest, toInt(identifiers["BoardId"]), toInt(identifiers["ChipID"]))
	if err != nil {
		return nil, err
	}
	request := newTssRequest(identity, identifiers, nonce)
	return p.tss.getSignature(request)
}

func (p *personalizedDeveloperDiskImageMounter) queryPersonalizationManifest(imageType string, digest []byte) ([]byte, error) {
	err := p.plistRw.Write(map[string]interface{}{
		"Command":               "QueryPersonalizationManifest",
		"PersonalizedImageType": imageType,
		"ImageType":             imageType,
		"ImageSignature":        digest,
	})
	if err != nil {
		return nil, err
	}
	var resp map[string]interface{}
	err = p.plistRw.Read(&resp)
	if err != nil {
		return nil, err
	}
	manifest, ok := resp["ImageSignature"].([]byte)
	if !ok {
		return nil, fmt.Errorf("no manifest in response: %+v", resp)
	}
	return manifest, nil
}

func (p *personalizedDeveloperDiskImageMounter) queryPersonalizationIdentifiers() (map[string]interface{}, error) {
	err := p.plistRw.Write(map[string]interface{}{
		"Command": "QueryPersonalizationIdentifiers",
	})
	if err != nil {
		return nil, err
	}
	var resp map[string]interface{}
	err = p.plistRw.Read(&resp)
	if err != nil {
		return nil, err
	}
	if deviceError, ok := resp["Error"]; ok {
		return nil, fmt.Errorf("device error: %v", deviceError)
	}
	identifiers, ok := resp["PersonalizationIdentifiers"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("no identifiers in response: %+v", resp)
	}
	return identifiers, nil
}

func (p *personalizedDeveloperDiskImageMounter) queryNonce(imageType string) ([]byte, error) {
	err := p.plistRw.Write(map[string]interface{}{
		"Command":               "QueryNonce",
		"PersonalizedImageType": imageType,
	})
	if err != nil {
		return nil, err
	}
	var resp map[string]interface{}
	err = p.plistRw.Read(&resp)
	if err != nil {
		return nil, err
	}
	nonce, ok := resp["PersonalizationNonce"].([]byte)
	if !ok {
		return nil, fmt.Errorf("no nonce in response: %+v", resp)
	}
	return nonce, nil
}
