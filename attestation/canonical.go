// Package attestation builds and verifies signed attestation documents.
// The canonical serialization here is the security boundary: signer and
// verifier must produce byte-identical payloads or verification fails.
package attestation

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// TimestampFormat is the single canonical timestamp precision used in
// attestation payloads: ISO-8601 UTC with 'Z' suffix, second precision.
const TimestampFormat = time.RFC3339

// FormatTimestamp renders t in the canonical payload form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampFormat)
}

// CanonicalBytes serializes a flat string->string payload with keys
// sorted lexicographically and no extraneous whitespace, encoded UTF-8.
// Both signing and verification go through this function.
func CanonicalBytes(payload map[string]string) []byte {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		// json.Marshal on a string cannot fail
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(payload[k])
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// IsFresh checks whether a canonical timestamp lies within maxSkew of
// now. Freshness is a policy layered above canonical signing: a proof
// stays verifiable after its freshness window closes, callers decide
// whether that matters.
func IsFresh(timestamp string, now time.Time, maxSkew time.Duration) bool {
	ts, err := time.Parse(TimestampFormat, timestamp)
	if err != nil {
		return false
	}
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= maxSkew
}
