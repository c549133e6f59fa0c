package manifest

import "fmt"

// Environment selects the clearinghouse endpoint set. The numeric
// values match the tpAmb field of the wire protocol.
type Environment int

const (
	// Production is the live SEFAZ environment (tpAmb 1).
	Production Environment = 1
	// Staging is the homologation SEFAZ environment (tpAmb 2).
	Staging Environment = 2
)

// ParseEnvironment accepts the environment names used by the CLI and
// configuration, plus the raw tpAmb digits.
func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case "production", "1":
		return Production, nil
	case "staging", "2":
		return Staging, nil
	}
	return 0, fmt.Errorf("unknown environment %q (want production or staging)", s)
}

func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Staging:
		return "staging"
	}
	return fmt.Sprintf("environment(%d)", int(e))
}

// TPAmb returns the wire value for the tpAmb field.
func (e Environment) TPAmb() string {
	if e == Production {
		return "1"
	}
	return "2"
}

// Valid reports whether the environment is one of the two selectors.
func (e Environment) Valid() bool {
	return e == Production || e == Staging
}
