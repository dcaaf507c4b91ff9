package domain

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NewID returns a short random identifier with the given prefix,
// e.g. NewID("PROV") -> "PROV_9F2C41AB".
func NewID(prefix string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return prefix + "_00000000"
	}
	return prefix + "_" + strings.ToUpper(hex.EncodeToString(b))
}
