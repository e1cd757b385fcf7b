package protocol

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// tunnel id alphabet: lowercase alphanumerics only, so ids are safe in both
// hostnames and path segments.
const _tunnel_id_alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// TunnelIDLength is the fixed length of generated tunnel ids.
const TunnelIDLength = 12

// GenerateTunnelID mints a random tunnel id of 12 lowercase alphanumeric
// characters. the id appears in public URLs and acts as a capability, so it
// is drawn from crypto/rand.
func GenerateTunnelID() string {
	buf := make([]byte, TunnelIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is broken; nothing
		// sensible to fall back to.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = _tunnel_id_alphabet[int(b)%len(_tunnel_id_alphabet)]
	}
	return string(buf)
}

// GenerateRequestID mints a correlation id in the form "req_" + UUID v4.
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
