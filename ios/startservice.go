package ios

import (
	"bytes"
	"fmt"

	log "github.com/sirupsen/logrus"
	plist "howett.net/plist"
)

type startServiceRequest struct {
	Label     string
	Request   string
	Service   string
	EscrowBag []byte `plist:"EscrowBag,omitempty"`
}

// StartServiceResponse is sent by the phone after starting a service. It
// contains the service name, the port the service listens on, and whether the
// connection to it must be upgraded to TLS.
type StartServiceResponse struct {
	Port             uint16
	Request          string
	Service          string
	EnableServiceSSL bool
	Error            string
}

func startServiceResponsefromBytes(plistBytes []byte) StartServiceResponse {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var data StartServiceResponse
	_ = decoder.Decode(&data)
	return data
}

// StartService launches the named service on the device and returns the port
// it listens on. Requires an active session.
func (lockDownConn *LockDownConnection) StartService(serviceName string) (StartServiceResponse, error) {
	return lockDownConn.startService(serviceName, false)
}

// StartServiceWithEscrowBag works like StartService but sends the pair
// record's escrow bag along, which lets some services access data while the
// device is locked.
func (lockDownConn *LockDownConnection) StartServiceWithEscrowBag(serviceName string) (StartServiceResponse, error) {
	return lockDownConn.startService(serviceName, true)
}

func (lockDownConn *LockDownConnection) startService(serviceName string, useEscrowBag bool) (StartServiceResponse, error) {
	if lockDownConn.sessionID == "" {
		return StartServiceResponse{}, ErrNoSession
	}
	request := startServiceRequest{Label: Label, Request: "StartService", Service: serviceName}
	if useEscrowBag {
		if lockDownConn.pairRecord == nil {
			return StartServiceResponse{}, ErrNoPairingRecord
		}
		request.EscrowBag = lockDownConn.pairRecord.EscrowBag
	}
	err := lockDownConn.Send(request)
	if err != nil {
		return StartServiceResponse{}, err
	}
	resp, err := lockDownConn.ReadMessage()
	if err != nil {
		return StartServiceResponse{}, err
	}
	response := startServiceResponsefromBytes(resp)
	if response.Error != "" {
		return StartServiceResponse{}, fmt.Errorf("could not start service:%s with reason:'%s'. Have you mounted the Developer Image?", serviceName, response.Error)
	}
	if response.Service != serviceName || response.Port == 0 {
		return StartServiceResponse{}, fmt.Errorf("unexpected StartService reply for %s: %+v", serviceName, response)
	}
	log.WithFields(log.Fields{"Port": response.Port, "Service": response.Service, "EnableServiceSSL": response.EnableServiceSSL}).
		Debug("service started on device")
	return response, nil
}
