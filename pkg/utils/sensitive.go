package utils

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
)

const redacted = "[REDACTED]"

// SensitiveString holds a credential that must never reach logs, reports or
// rendered config. Use Value() only when handing it to the container runtime
// or a database driver.
type SensitiveString string

func (s SensitiveString) String() string   { return redacted }
func (s SensitiveString) GoString() string { return redacted }

// Format redacts every fmt verb, including %q and %#v.
func (s SensitiveString) Format(f fmt.State, verb rune) {
	if verb == 'q' {
		fmt.Fprintf(f, "%q", redacted)
		return
	}
	fmt.Fprint(f, redacted)
}

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

// MarshalText is picked up by yaml.v3 and koanf when rendering config.
func (s SensitiveString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalText lets koanf decode plain strings straight into a SensitiveString.
func (s *SensitiveString) UnmarshalText(text []byte) error {
	*s = SensitiveString(text)
	return nil
}

func (s SensitiveString) Value() string {
	return string(s)
}

func (s SensitiveString) IsEmpty() bool {
	return s == ""
}

// Equals compares in constant time.
func (s SensitiveString) Equals(other SensitiveString) bool {
	return subtle.ConstantTimeCompare([]byte(s), []byte(other)) == 1
}

func NewSensitiveString(value string) SensitiveString {
	return SensitiveString(value)
}

// SensitiveStringFromEnv resolves key through FileEnv, so both KEY and
// KEY_FILE are honoured. A lookup error yields the fallback.
func SensitiveStringFromEnv(key string, fallback SensitiveString) SensitiveString {
	value, err := FileEnv(key, fallback.Value())
	if err != nil {
		return fallback
	}
	return SensitiveString(value)
}
