// Package manifest provides MDF-e document identifiers and the
// environment selector shared by the clearinghouse client and the
// lifecycle engine.
//
// An MDF-e access key is the 44-digit identifier printed on the
// manifest and embedded in every clearinghouse exchange. Its layout is
// fixed by the national standard:
//
//	positions  0-1   cUF     issuer state code
//	positions  2-5   AAMM    issuance period (year, month)
//	positions  6-19  CNPJ    issuer tax ID
//	positions 20-21  mod     document model (58 for MDF-e)
//	positions 22-24  serie   document series
//	positions 25-33  nMDF    document number
//	position  34     tpEmis  emission type
//	positions 35-42  cMDF    numeric code
//	position  43     cDV     check digit
package manifest

import (
	"fmt"
	"strconv"
)

// KeyLength is the fixed length of an MDF-e access key.
const KeyLength = 44

// Key is a 44-digit MDF-e access key.
type Key string

// ParseKey validates the raw access key and returns it as a Key.
func ParseKey(raw string) (Key, error) {
	if len(raw) != KeyLength {
		return "", fmt.Errorf("access key must be %d digits, got %d", KeyLength, len(raw))
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return "", fmt.Errorf("access key must be numeric, found %q at position %d", raw[i], i)
		}
	}
	return Key(raw), nil
}

// String returns the key digits.
func (k Key) String() string { return string(k) }

// CNPJ returns the issuer tax ID embedded in the key.
func (k Key) CNPJ() string { return string(k)[6:20] }

// UF returns the issuer state code embedded in the key.
func (k Key) UF() string { return string(k)[:2] }

// Series returns the document series embedded in the key.
func (k Key) Series() string { return string(k)[22:25] }

// Number returns the document number embedded in the key.
func (k Key) Number() string { return string(k)[25:34] }

// Year returns the four-digit issuance year derived from the key's
// AAMM field. Keys carry a two-digit year; the standard began in 2012
// so every value maps into the 2000s.
func (k Key) Year() int {
	yy, _ := strconv.Atoi(string(k)[2:4])
	return 2000 + yy
}

// Month returns the issuance month from the key's AAMM field.
func (k Key) Month() int {
	mm, _ := strconv.Atoi(string(k)[4:6])
	return mm
}
