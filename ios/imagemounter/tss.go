package imagemounter

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	plist "howett.net/plist"
)

const defaultTssUrl = "https://gs.apple.com/TSS/controller?action=2"

// tssUrl returns the signing service endpoint, TSS_URL overrides it for tests.
func tssUrl() string {
	if override := os.Getenv("TSS_URL"); override != "" {
		return override
	}
	return defaultTssUrl
}

// newTssRequest builds the signing request for the given build identity.
// Every "Ap,*" identifier the device reported is folded into the request
// alongside the static keys, then every trusted manifest entry is copied in
// with its restore request rules applied.
func newTssRequest(identity map[string]interface{}, identifiers map[string]interface{}, nonce []byte) map[string]interface{} {
	request := map[string]interface{}{
		"@ApImg4Ticket":     true,
		"@BBTicket":         true,
		"@HostPlatformInfo": "mac",
		"@UUID":             strings.ToUpper(uuid.New().String()),
		"@VersionInfo":      "libauthinstall-973.40.2",
		"ApBoardID":         toInt(identifiers["BoardId"]),
		"ApChipID":          toInt(identifiers["ChipID"]),
		"ApECID":            identifiers["UniqueChipID"],
		"ApNonce":           nonce,
		"ApProductionMode":  true,
		"ApSecurityDomain":  1,
		"ApSecurityMode":    true,
		"SepNonce":          make([]byte, 20),
		"UID_MODE":          false,
	}
	for key, value := range identifiers {
		if strings.HasPrefix(key, "Ap,") {
			request[key] = value
		}
	}

	parameters := map[string]interface{}{
		"ApProductionMode": true,
		"ApSecurityMode":   true,
		"ApSupportsImg4":   true,
	}
	var rules []interface{}
	if info, ok := identity["Info"].(map[string]interface{}); ok {
		rules, _ = info["RestoreRequestRules"].([]interface{})
	}
	manifest, _ := identity["Manifest"].(map[string]interface{})
	for key, entryIntf := range manifest {
		entry, ok := entryIntf.(map[string]interface{})
		if !ok {
			continue
		}
		if _, hasInfo := entry["Info"]; !hasInfo {
			continue
		}
		if trusted, _ := entry["Trusted"].(bool); !trusted {
			continue
		}
		tssEntry := make(map[string]interface{}, len(entry))
		for k, v := range entry {
			if k != "Info" {
				tssEntry[k] = v
			}
		}
		if _, hasDigest := tssEntry["Digest"]; !hasDigest {
			tssEntry["Digest"] = []byte{}
		}
		applyRestoreRequestRules(tssEntry, parameters, rules)
		request[key] = tssEntry
	}
	return request
}

// applyRestoreRequestRules folds the actions of every rule whose conditions
// match the request parameters into the manifest entry. Action value 255
// means "leave the key alone".
func applyRestoreRequestRules(entry map[string]interface{}, parameters map[string]interface{}, rules []interface{}) {
	for _, ruleIntf := range rules {
		rule, ok := ruleIntf.(map[string]interface{})
		if !ok {
			continue
		}
		conditions, _ := rule["Conditions"].(map[string]interface{})
		matches := true
		for key, wanted := range conditions {
			var actual interface{}
			switch key {
			case "ApRawProductionMode", "ApCurrentProductionMode":
				actual = parameters["ApProductionMode"]
			case "ApRawSecurityMode":
				actual = parameters["ApSecurityMode"]
			case "ApRequiresImage4":
				actual = parameters["ApSupportsImg4"]
			case "ApDemotionPolicyOverride":
				actual = parameters["DemotionPolicy"]
			case "ApInRomDFU":
				actual = parameters["ApInRomDFU"]
			default:
				log.Debugf("unhandled restore request rule condition %s", key)
				actual = nil
			}
			if actual != wanted {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		actions, _ := rule["Actions"].(map[string]interface{})
		for key, value := range actions {
			if toInt(value) == 255 {
				continue
			}
			entry[key] = value
		}
	}
}

// tssClient talks to gs.apple.com for personalized image signatures.
type tssClient struct {
	h *http.Client
}

func newTssClient() tssClient {
	return tssClient{
		h: &http.Client{
			// the default transport verifies the peer against the system
			// roots including the hostname, which is what we want here
			Timeout: 1 * time.Minute,
		},
	}
}

// getSignature posts the signing request and returns the ApImg4Ticket.
func (t tssClient) getSignature(request map[string]interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := plist.NewEncoderForFormat(buf, plist.XMLFormat)
	err := enc.Encode(request)
	if err != nil {
		return nil, fmt.Errorf("getSignature: failed to encode request body: %w", err)
	}

	req, err := http.NewRequest("POST", tssUrl(), buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", "InetURL/1.0")
	req.Header.Set("Expect", "")
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)

	res, err := t.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getSignature: failed to send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getSignature: unexpected response status %d", res.StatusCode)
	}
	resp, err := parseResponse(res.Body)
	if err != nil {
		return nil, fmt.Errorf("getSignature: failed to parse response: %w", err)
	}
	if resp.status != 0 {
		return nil, fmt.Errorf("signing request denied with status %d: %s", resp.status, resp.message)
	}
	var ticket map[string]interface{}
	_, err = plist.Unmarshal([]byte(resp.requestString), &ticket)
	if err != nil {
		return nil, fmt.Errorf("getSignature: failed to decode plist data: %w", err)
	}
	if ticketBytes, ok := ticket["ApImg4Ticket"].([]byte); ok {
		return ticketBytes, nil
	}
	return nil, fmt.Errorf("getSignature: could not get 'ApImg4Ticket' value from response")
}

// response is the urlencoded-ish body the signing service answers with:
// STATUS=0&MESSAGE=SUCCESS&REQUEST_STRING=<xml>
type response struct {
	status        int
	message       string
	requestString string
}

func parseResponse(r io.Reader) (response, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return response{}, fmt.Errorf("parseResponse: could not read content. %w", err)
	}
	s := string(b)
	end := func(s string) int {
		idx := strings.Index(s, "&")
		if idx < 0 {
			return len(s)
		}
		return idx
	}

	var res response

	statusIdx := strings.Index(s, "STATUS=")
	if statusIdx >= 0 {
		status := s[statusIdx+len("STATUS="):]
		status = status[:end(status)]
		stat, err := strconv.ParseInt(status, 10, 64)
		if err != nil {
			return response{}, fmt.Errorf("parseResponse: could not parse status '%s'. %w", status, err)
		}
		res.status = int(stat)
	}
	messageIdx := strings.Index(s, "MESSAGE=")
	if messageIdx >= 0 {
		message := s[messageIdx+len("MESSAGE="):]
		res.message = message[:end(message)]
	}
	requestStringIdx := strings.Index(s, "REQUEST_STRING=")
	if requestStringIdx >= 0 {
		// REQUEST_STRING is the xml plist and may itself contain '&',
		// it has to come last so we can take everything to the end
		if requestStringIdx <= messageIdx || requestStringIdx <= statusIdx {
			return response{}, fmt.Errorf("REQUEST_STRING value must come last")
		}
		res.requestString = s[requestStringIdx+len("REQUEST_STRING="):]
	}
	return res, nil
}
