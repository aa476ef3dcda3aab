package diagnostics

import (
	"fmt"

	"github.com/qt4i/idevice/ios"
)

// MobileGestalt queries the given gestalt keys through the diagnostics relay.
func (diagnosticsConn *Connection) MobileGestalt(keys ...string) (map[string]interface{}, error) {
	request := map[string]interface{}{
		"Request":           "MobileGestalt",
		"MobileGestaltKeys": keys,
	}
	responseBytes, err := diagnosticsConn.roundTrip(request)
	if err != nil {
		return nil, err
	}
	response, err := ios.ParsePlist(responseBytes)
	if err != nil {
		return nil, err
	}
	if response["Status"] != "Success" {
		return nil, fmt.Errorf("MobileGestalt query failed with status '%v'", response["Status"])
	}
	diag, ok := response["Diagnostics"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("MobileGestalt reply without Diagnostics: %+v", response)
	}
	gestalt, ok := diag["MobileGestalt"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("MobileGestalt reply without MobileGestalt entry: %+v", response)
	}
	return gestalt, nil
}
