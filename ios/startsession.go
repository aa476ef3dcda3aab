package ios

import (
	"bytes"
	"fmt"

	plist "howett.net/plist"
)

type startSessionRequest struct {
	Label           string
	ProtocolVersion string
	Request         string
	HostID          string
	SystemBUID      string
}

func newStartSessionRequest(hostID string, systemBuid string) startSessionRequest {
	return startSessionRequest{
		Label:           Label,
		ProtocolVersion: "2",
		Request:         "StartSession",
		HostID:          hostID,
		SystemBUID:      systemBuid,
	}
}

// StartSessionResponse is sent by the device in response to a StartSessionRequest.
type StartSessionResponse struct {
	EnableSessionSSL bool
	Request          string
	SessionID        string
	Error            string
}

func startSessionResponsefromBytes(plistBytes []byte) StartSessionResponse {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var data StartSessionResponse
	_ = decoder.Decode(&data)
	return data
}

// StartSession sends a StartSession request authenticated with the pair
// record and upgrades the live socket to TLS in place when the device asks
// for it, which it usually does.
// Fails with ErrNoPairingRecord when no pair record was attached and with
// ErrAlreadyStarted when a session is already running.
func (lockDownConn *LockDownConnection) StartSession() (StartSessionResponse, error) {
	if lockDownConn.pairRecord == nil {
		return StartSessionResponse{}, ErrNoPairingRecord
	}
	if lockDownConn.sessionID != "" {
		return StartSessionResponse{}, ErrAlreadyStarted
	}
	pairRecord := *lockDownConn.pairRecord
	err := lockDownConn.Send(newStartSessionRequest(pairRecord.HostID, pairRecord.SystemBUID))
	if err != nil {
		return StartSessionResponse{}, err
	}
	resp, err := lockDownConn.ReadMessage()
	if err != nil {
		return StartSessionResponse{}, err
	}
	response := startSessionResponsefromBytes(resp)
	if response.Error != "" {
		return StartSessionResponse{}, fmt.Errorf("StartSession failed: %s", response.Error)
	}
	lockDownConn.sessionID = response.SessionID
	if response.EnableSessionSSL {
		err = lockDownConn.deviceConnection.EnableSessionSsl(pairRecord)
		if err != nil {
			return StartSessionResponse{}, err
		}
		lockDownConn.sessionSSL = true
	}
	return response, nil
}
