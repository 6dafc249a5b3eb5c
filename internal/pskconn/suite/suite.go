// Package suite names the PSK cipher suites this module's configuration
// accepts, following the Cipher-enum-with-Stringer/Parse idiom of
// certificates/cipher.
package suite

import "strings"

// Suite identifies a negotiated PSK cipher suite name. All suites use the
// same ChaCha20-Poly1305 record layer (see internal/pskconn), and the name
// does not affect key derivation or the record layer, since none of the legacy ciphers
// these names historically referred to (AES-CBC, 3DES, RC4) are available
// from the standard library and this module does not need wire
// compatibility with an OpenSSL PSK peer.
type Suite uint8

const (
	Unknown Suite = iota
	AES256CBCSHA
	AES128CBCSHA
	TripleDESEDECBCSHA
	RC4SHA
)

var names = map[Suite]string{
	AES256CBCSHA:       "PSK-AES256-CBC-SHA",
	AES128CBCSHA:       "PSK-AES128-CBC-SHA",
	TripleDESEDECBCSHA: "PSK-3DES-EDE-CBC-SHA",
	RC4SHA:             "PSK-RC4-SHA",
}

// String returns the suite's canonical wire name, or "" for Unknown.
func (s Suite) String() string {
	return names[s]
}

// List returns every known suite in declaration order.
func List() []Suite {
	return []Suite{AES256CBCSHA, AES128CBCSHA, TripleDESEDECBCSHA, RC4SHA}
}

// Parse resolves a suite name case-insensitively, returning Unknown if s
// does not match any known suite.
func Parse(s string) Suite {
	s = strings.ToUpper(strings.TrimSpace(s))
	for suite, name := range names {
		if strings.ToUpper(name) == s {
			return suite
		}
	}
	return Unknown
}

// MarshalText implements encoding.TextMarshaler.
func (s Suite) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Suite) UnmarshalText(text []byte) error {
	*s = Parse(string(text))
	return nil
}
