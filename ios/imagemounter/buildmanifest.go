package imagemounter

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	plist "howett.net/plist"
)

// loadBuildManifest reads a BuildManifest.plist into a generic map. The
// manifest entries are kept generic because the TSS request copies them
// through mostly untouched.
func loadBuildManifest(p string) (map[string]interface{}, error) {
	f, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open build manifest: %w", err)
	}
	var m map[string]interface{}
	_, err = plist.Unmarshal(f, &m)
	if err != nil {
		return nil, fmt.Errorf("could not decode build manifest: %w", err)
	}
	return m, nil
}

// findBuildIdentity returns the BuildIdentity matching the device board and
// chip. The manifest stores both as "0x.." strings.
func findBuildIdentity(buildManifest map[string]interface{}, boardID int, chipID int) (map[string]interface{}, error) {
	identities, ok := buildManifest["BuildIdentities"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("build manifest has no BuildIdentities")
	}
	for _, identityIntf := range identities {
		identity, ok := identityIntf.(map[string]interface{})
		if !ok {
			continue
		}
		if hexToInt(identity["ApBoardID"]) == boardID && hexToInt(identity["ApChipID"]) == chipID {
			return identity, nil
		}
	}
	return nil, fmt.Errorf("no build identity for ApBoardID 0x%x and ApChipID 0x%x", boardID, chipID)
}

func hexToInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return -1
	}
	i, err := strconv.ParseInt(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return -1
	}
	return int(i)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return -1
	}
}
