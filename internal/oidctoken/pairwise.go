package oidctoken

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PairwiseSubject derives a per-(sectorIdentifier, user) subject value per
// OIDC core §8's pairwise pseudonymous identifier algorithm. Dex derives
// federated subjects by simply concatenating connector id and user id
// (server/oauth2.go's federatedIDClaims); this generalizes that into an
// HKDF-derived value so the same user presents a different, unlinkable sub
// to every client sector without the provider storing one row per pair.
func PairwiseSubject(salt []byte, sectorIdentifier, userID string) (string, error) {
	info := []byte("authrim:pairwise:" + sectorIdentifier)
	reader := hkdf.New(sha256.New, []byte(userID), salt, info)
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", fmt.Errorf("oidctoken: derive pairwise subject: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}
