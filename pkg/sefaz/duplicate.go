package sefaz

import "strings"

// duplicateMarker precedes the correct receipt number inside the
// free-text reason of a 204 duplicate-submission protocol. The message
// format is not contractually guaranteed by the clearinghouse; the
// marker itself has been stable across observed autorizadores.
const duplicateMarker = "nRec:"

// ParseDuplicateReceipt extracts the receipt number embedded in the
// reason text of a duplicate-submission ruling. Returns a
// ProtocolError when the marker is absent or carries no digits.
func ParseDuplicateReceipt(reason string) (string, error) {
	idx := strings.Index(reason, duplicateMarker)
	if idx < 0 {
		return "", &ProtocolError{
			Operation: "duplicate recovery",
			Reason:    "status message carried no " + duplicateMarker + " marker",
		}
	}

	rest := strings.TrimSpace(reason[idx+len(duplicateMarker):])
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return "", &ProtocolError{
			Operation: "duplicate recovery",
			Reason:    "status message carried no receipt number after " + duplicateMarker,
		}
	}

	return rest[:end], nil
}
