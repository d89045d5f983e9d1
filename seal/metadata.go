// Package seal recovers plaintext from threshold-encrypted blobs by
// collecting key material from a quorum of independent key-holder
// services.
package seal

import (
	"encoding/binary"
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"
)

// Metadata is the encryption envelope embedded ahead of the ciphertext.
type Metadata struct {
	PolicyID           string `json:"policy_id"`
	EncryptedDEKBase64 string `json:"encrypted_dek_base64"`
	IVBase64           string `json:"iv_base64"`
	Algorithm          string `json:"encryption_algorithm"`
}

// metadataSchema is validated before any metadata field is trusted;
// blobs with malformed envelopes degrade to the raw-ciphertext path
// instead of failing.
const metadataSchema = `{
	"type": "object",
	"required": ["policy_id"],
	"properties": {
		"policy_id": {"type": "string", "minLength": 1},
		"encrypted_dek_base64": {"type": "string"},
		"iv_base64": {"type": "string"},
		"encryption_algorithm": {"type": "string"}
	}
}`

var metadataSchemaLoader = gojsonschema.NewStringLoader(metadataSchema)

// ExtractMetadata splits a blob into its metadata envelope and
// ciphertext. Blob format: 4-byte little-endian metadata length, UTF-8
// JSON metadata, ciphertext. A missing, zero, or out-of-bounds length
// means the whole blob is ciphertext with no metadata - graceful
// degradation, never an error.
func ExtractMetadata(blob []byte) (*Metadata, []byte) {
	if len(blob) < 4 {
		return nil, blob
	}

	length := int(binary.LittleEndian.Uint32(blob[:4]))
	if length <= 0 || length > len(blob)-4 {
		return nil, blob
	}

	raw := blob[4 : 4+length]
	result, err := gojsonschema.Validate(metadataSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil || !result.Valid() {
		return nil, blob
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, blob
	}
	return &md, blob[4+length:]
}

// EncodeMetadata builds the length-prefixed blob from a metadata
// envelope and ciphertext, the inverse of ExtractMetadata.
func EncodeMetadata(md *Metadata, ciphertext []byte) ([]byte, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 4, 4+len(raw)+len(ciphertext))
	binary.LittleEndian.PutUint32(blob, uint32(len(raw)))
	blob = append(blob, raw...)
	return append(blob, ciphertext...), nil
}
