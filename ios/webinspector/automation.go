package webinspector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultPageLoadTimeout is embedded into navigation requests.
const DefaultPageLoadTimeout = 30 * time.Second

type automationRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	ID     uint64                 `json:"id"`
}

type automationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e automationError) Error() string {
	return fmt.Sprintf("automation error %d: %s", e.Code, e.Message)
}

type automationResponse struct {
	ID     uint64           `json:"id"`
	Result *json.RawMessage `json:"result"`
	Error  *automationError `json:"error"`
}

type automationReply struct {
	Result json.RawMessage
	Err    error
}

// dispatchAutomationData routes an in band JSON reply to the pending caller.
func (session *Session) dispatchAutomationData(data []byte) {
	var response automationResponse
	err := json.Unmarshal(data, &response)
	if err != nil {
		log.Warnf("webinspector: undecodable automation message: %v", err)
		return
	}
	session.mu.Lock()
	ch, ok := session.pending[response.ID]
	delete(session.pending, response.ID)
	session.mu.Unlock()
	if !ok {
		log.Debugf("webinspector: no pending call for id %d", response.ID)
		return
	}
	switch {
	case response.Error != nil:
		ch <- automationReply{Err: *response.Error}
	case response.Result != nil:
		ch <- automationReply{Result: *response.Result}
	default:
		ch <- automationReply{Err: fmt.Errorf("automation reply %d has neither result nor error", response.ID)}
	}
}

// call performs one Automation RPC. Calls block until the session reaches
// Connected and replies are matched by id, out of order replies are fine.
func (session *Session) call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	err := session.WaitForSession(ctx)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	session.mu.Lock()
	if session.state == StateFailed {
		failure := session.failure
		session.mu.Unlock()
		return nil, failure
	}
	id := session.pageOut
	session.pageOut++
	ch := make(chan automationReply, 1)
	session.pending[id] = ch
	appID := session.appID
	pageID := session.pageID
	session.mu.Unlock()

	requestBytes, err := json.Marshal(automationRequest{Method: "Automation." + method, Params: params, ID: id})
	if err != nil {
		return nil, err
	}
	err = session.send(selectorForwardSocketData, map[string]interface{}{
		wirApplicationIdentifierKey: appID,
		wirPageIdentifierKey:        pageID,
		wirSessionIdentifierKey:     session.connectionID,
		wirSocketDataKey:            requestBytes,
	})
	if err != nil {
		session.mu.Lock()
		delete(session.pending, id)
		session.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply.Result, reply.Err
	case <-ctx.Done():
		session.mu.Lock()
		delete(session.pending, id)
		session.mu.Unlock()
		return nil, ctx.Err()
	}
}

// CreatePage opens a new browsing context in Safari and returns its handle.
func (session *Session) CreatePage(ctx context.Context) (string, error) {
	result, err := session.call(ctx, "createBrowsingContext", nil)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Handle string `json:"handle"`
	}
	err = json.Unmarshal(result, &parsed)
	if err != nil {
		return "", err
	}
	return parsed.Handle, nil
}

// BrowsingContext is one Safari page as the automation backend reports it.
type BrowsingContext struct {
	Active bool   `json:"active"`
	Handle string `json:"id"`
	URL    string `json:"url"`
}

// ListPages returns all open browsing contexts.
func (session *Session) ListPages(ctx context.Context) ([]BrowsingContext, error) {
	result, err := session.call(ctx, "getBrowsingContexts", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Contexts []BrowsingContext `json:"contexts"`
	}
	err = json.Unmarshal(result, &parsed)
	if err != nil {
		return nil, err
	}
	return parsed.Contexts, nil
}

// Navigate loads url in the given browsing context using the default page
// load timeout.
func (session *Session) Navigate(ctx context.Context, handle string, url string) error {
	return session.NavigateWithTimeout(ctx, handle, url, DefaultPageLoadTimeout)
}

// NavigateWithTimeout loads url in the given browsing context, the timeout
// travels inside the remote request.
func (session *Session) NavigateWithTimeout(ctx context.Context, handle string, url string, pageLoadTimeout time.Duration) error {
	_, err := session.call(ctx, "navigateBrowsingContext", map[string]interface{}{
		"handle":          handle,
		"url":             url,
		"pageLoadTimeout": pageLoadTimeout.Milliseconds(),
	})
	return err
}

// SwitchTo makes the given browsing context the active one.
func (session *Session) SwitchTo(ctx context.Context, handle string) error {
	_, err := session.call(ctx, "switchToBrowsingContext", map[string]interface{}{
		"browsingContextHandle": handle,
		"frameHandle":           "",
	})
	return err
}

// Screenshot takes a PNG screenshot of the given browsing context.
func (session *Session) Screenshot(ctx context.Context, handle string) ([]byte, error) {
	result, err := session.call(ctx, "takeScreenshot", map[string]interface{}{
		"handle":                 handle,
		"scrollIntoViewIfNeeded": true,
		"clipToViewport":         true,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data string `json:"data"`
	}
	err = json.Unmarshal(result, &parsed)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(parsed.Data)
}

// Forward navigates the browsing context one step forward in its history.
func (session *Session) Forward(ctx context.Context, handle string) error {
	_, err := session.call(ctx, "goForwardInBrowsingContext", map[string]interface{}{"handle": handle})
	return err
}

// Back navigates the browsing context one step back in its history.
func (session *Session) Back(ctx context.Context, handle string) error {
	_, err := session.call(ctx, "goBackInBrowsingContext", map[string]interface{}{"handle": handle})
	return err
}

// Reload reloads the browsing context.
func (session *Session) Reload(ctx context.Context, handle string) error {
	_, err := session.call(ctx, "reloadBrowsingContext", map[string]interface{}{"handle": handle})
	return err
}

// ClosePage closes the browsing context.
func (session *Session) ClosePage(ctx context.Context, handle string) error {
	_, err := session.call(ctx, "closeBrowsingContext", map[string]interface{}{"handle": handle})
	return err
}
