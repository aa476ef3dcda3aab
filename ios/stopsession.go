package ios

type stopSessionRequest struct {
	Label     string
	Request   string
	SessionID string
}

func newStopSessionRequest(sessionID string) stopSessionRequest {
	return stopSessionRequest{
		Label:     Label,
		Request:   "StopSession",
		SessionID: sessionID,
	}
}

// StopSession ends the current session. The TLS layer is shut down but the
// underlying TCP socket stays usable with length prefixed plist framing.
// Fails with ErrNoSession when no session is running.
func (lockDownConn *LockDownConnection) StopSession() error {
	if lockDownConn.sessionID == "" {
		return ErrNoSession
	}
	err := lockDownConn.Send(newStopSessionRequest(lockDownConn.sessionID))
	if err != nil {
		return err
	}
	// the response is a plain StopSession ack we do not need to inspect
	_, err = lockDownConn.ReadMessage()
	if err != nil {
		return err
	}
	if lockDownConn.sessionSSL {
		lockDownConn.deviceConnection.DisableSessionSSL()
		lockDownConn.sessionSSL = false
	}
	lockDownConn.sessionID = ""
	return nil
}
