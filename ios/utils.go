package ios

import (
	"encoding/binary"
	"fmt"

	plist "howett.net/plist"
)

// ToPlist converts a given struct to an XML plist using howett.net/plist.
// Make sure your struct fields are exported.
func ToPlist(data interface{}) string {
	return string(ToPlistBytes(data))
}

// ToPlistBytes converts a given struct to an XML plist byte slice.
func ToPlistBytes(data interface{}) []byte {
	b, err := plist.Marshal(data, plist.XMLFormat)
	if err != nil {
		// this should not happen
		panic(fmt.Sprintf("failed converting to plist %v error:%v", data, err))
	}
	return b
}

// ParsePlist decodes a plist, XML or binary, into a map[string]interface{}.
func ParsePlist(data []byte) (map[string]interface{}, error) {
	var result map[string]interface{}
	_, err := plist.Unmarshal(data, &result)
	return result, err
}

// ParsePlistInto decodes a plist, XML or binary, into the given struct.
func ParsePlistInto(data []byte, v interface{}) (int, error) {
	return plist.Unmarshal(data, v)
}

func plistUnmarshal(data []byte, v interface{}) (int, error) {
	return plist.Unmarshal(data, v)
}

// Ntohs swaps the endianness of a 16 bit integer the way the C ntohs does.
// Usbmuxd wants the device port byte swapped into a little endian field,
// not a straight htons, so keep this exact swap.
func Ntohs(port uint16) uint16 {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return binary.LittleEndian.Uint16(buf)
}

// InterfaceToStringSlice casts an interface{} to []interface{} and converts
// each entry to a string. It returns an empty slice in case of an error.
func InterfaceToStringSlice(intfSlice interface{}) []string {
	slice, ok := intfSlice.([]interface{})
	if !ok {
		return []string{}
	}
	result := make([]string, len(slice))
	for i, v := range slice {
		s, ok := v.(string)
		if !ok {
			return []string{}
		}
		result[i] = s
	}
	return result
}
