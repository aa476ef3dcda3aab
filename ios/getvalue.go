package ios

import (
	"bytes"
	"fmt"

	"github.com/Masterminds/semver"
	plist "howett.net/plist"
)

type getValue struct {
	Label   string
	Key     string `plist:"Key,omitempty"`
	Request string
	Domain  string `plist:"Domain,omitempty"`
}

func newGetValue(key string) getValue {
	return getValue{
		Label:   Label,
		Key:     key,
		Request: "GetValue",
	}
}

// GetValueResponse contains the response for a GetValue request.
type GetValueResponse struct {
	Key     string
	Request string
	Error   string
	Domain  string
	Value   interface{}
}

func getValueResponsefromBytes(plistBytes []byte) GetValueResponse {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var getValueResponse GetValueResponse
	_ = decoder.Decode(&getValueResponse)
	return getValueResponse
}

// GetValue returns the value for the given lockdown key.
// An empty key returns the full value dictionary.
func (lockDownConn *LockDownConnection) GetValue(key string) (interface{}, error) {
	return lockDownConn.GetValueForDomain(key, "")
}

// GetValueForDomain returns the value for key in the given lockdown domain.
func (lockDownConn *LockDownConnection) GetValueForDomain(key string, domain string) (interface{}, error) {
	gv := newGetValue(key)
	gv.Domain = domain
	err := lockDownConn.Send(gv)
	if err != nil {
		return nil, err
	}
	resp, err := lockDownConn.ReadMessage()
	if err != nil {
		return nil, err
	}
	response := getValueResponsefromBytes(resp)
	if response.Error != "" {
		return nil, fmt.Errorf("failed getting value for '%s'/'%s': %s", domain, key, response.Error)
	}
	return response.Value, nil
}

// GetValues returns the whole value dictionary lockdown exposes,
// decoded into a map.
func (lockDownConn *LockDownConnection) GetValues() (map[string]interface{}, error) {
	value, err := lockDownConn.GetValue("")
	if err != nil {
		return nil, err
	}
	values, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected GetValue reply shape: %T", value)
	}
	return values, nil
}

// GetProductVersion reads the iOS version of the device, f.ex. "17.4".
func GetProductVersion(device DeviceEntry) (*semver.Version, error) {
	lockdownConnection, err := ConnectLockdownWithSession(device)
	if err != nil {
		return nil, err
	}
	defer lockdownConnection.Close()
	value, err := lockdownConnection.GetValue("ProductVersion")
	if err != nil {
		return nil, err
	}
	versionString, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("ProductVersion is not a string: %v", value)
	}
	version, err := semver.NewVersion(versionString)
	if err != nil {
		return nil, fmt.Errorf("could not parse ProductVersion '%s': %w", versionString, err)
	}
	return version, nil
}
