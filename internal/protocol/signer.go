// signer.go computes and verifies request signatures.
// The MAC is HMAC-SHA256 over the little-endian request id followed by the
// canonical command payload, hex encoded.
package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// GenerateSecret returns a fresh random handshake secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}

// Sign computes the hex MAC for (id, cmd) under secret.
func Sign(secret []byte, id uint64, cmd Command) (string, error) {
	payload, err := CommandPayload(cmd)
	if err != nil {
		return "", fmt.Errorf("encode command for signing: %w", err)
	}
	return hex.EncodeToString(mac(secret, id, payload)), nil
}

// Verify reports whether sig is a valid MAC for (id, cmd) under secret.
// Comparison is constant time.
func Verify(secret []byte, id uint64, cmd Command, sig string) bool {
	payload, err := CommandPayload(cmd)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, id, payload))
}

func mac(secret []byte, id uint64, payload []byte) []byte {
	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], id)

	h := hmac.New(sha256.New, secret)
	h.Write(idBytes[:])
	h.Write(payload)
	return h.Sum(nil)
}
