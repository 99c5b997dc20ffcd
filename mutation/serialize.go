package mutation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// MarshalBatch serialises a Batch to JSON.
func MarshalBatch(b *Batch) ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBatch deserialises a Batch from JSON.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// HashHTML returns the SHA-256 hex digest of serialised markup.
func HashHTML(html []byte) string {
	h := sha256.Sum256(html)
	return hex.EncodeToString(h[:])
}

// StringPtr returns a pointer to s, for building records with an old value.
func StringPtr(s string) *string { return &s }
