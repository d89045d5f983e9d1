package seal

import (
	"bytes"
	"math"
)

const (
	entropySampleSize = 256
	entropyThreshold  = 0.85
	minEncryptedSize  = 32
)

// LooksEncrypted guesses whether a blob is ciphertext by checking for a
// sealing magic prefix and sampling the Shannon entropy of a fixed-size
// prefix. This is a best-effort heuristic, not a proof: it only decides
// whether decryption is attempted, and a negative result is never a
// security guarantee.
func LooksEncrypted(data []byte) bool {
	if len(data) < minEncryptedSize {
		return false
	}
	if bytes.HasPrefix(data, []byte("SEAL")) || bytes.HasPrefix(data, []byte("\x00SEAL")) {
		return true
	}

	sample := data
	if len(sample) > entropySampleSize {
		sample = sample[:entropySampleSize]
	}
	return shannonEntropy(sample) > entropyThreshold
}

// shannonEntropy returns the byte entropy of data normalized to [0,1].
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	var entropy float64
	total := float64(len(data))
	for _, count := range counts {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy / 8
}
