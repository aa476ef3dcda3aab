package diagnostics

import (
	"fmt"

	"github.com/qt4i/idevice/ios"
)

// IORegistryRequest selects which part of the IORegistry to query.
// All fields are optional.
type IORegistryRequest struct {
	CurrentPlane string
	EntryName    string
	EntryClass   string
}

func (req IORegistryRequest) toMap() map[string]string {
	reqMap := map[string]string{"Request": "IORegistry"}
	if req.CurrentPlane != "" {
		reqMap["CurrentPlane"] = req.CurrentPlane
	}
	if req.EntryName != "" {
		reqMap["EntryName"] = req.EntryName
	}
	if req.EntryClass != "" {
		reqMap["EntryClass"] = req.EntryClass
	}
	return reqMap
}

// IORegistry queries the device IORegistry and returns the entry subtree.
func (diagnosticsConn *Connection) IORegistry(req IORegistryRequest) (map[string]interface{}, error) {
	responseBytes, err := diagnosticsConn.roundTrip(req.toMap())
	if err != nil {
		return nil, err
	}
	response, err := ios.ParsePlist(responseBytes)
	if err != nil {
		return nil, err
	}
	if response["Status"] != "Success" {
		return nil, fmt.Errorf("IORegistry query failed with status '%v'", response["Status"])
	}
	diag, ok := response["Diagnostics"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("IORegistry reply without Diagnostics: %+v", response)
	}
	ioreg, ok := diag["IORegistry"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("IORegistry reply without IORegistry entry: %+v", response)
	}
	return ioreg, nil
}
