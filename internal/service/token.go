package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateDownloadToken mints an unguessable download token bound to a
// purchaser and product. The token encodes nothing retrievable; it is purely
// a lookup key. Uniqueness is enforced by the store's unique index, with the
// caller re-minting on the astronomically unlikely collision.
func GenerateDownloadToken(userID, productID uint) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("download token nonce: %w", err)
	}
	data := fmt.Sprintf("%d:%d:%d:%s", userID, productID, time.Now().UnixNano(), hex.EncodeToString(nonce))
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}
