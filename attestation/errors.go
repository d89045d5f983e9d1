package attestation

import "errors"

var (
	errAmbiguousProof = errors.New("attestation document carries both signature and attestation_hash")
	errMissingProof   = errors.New("attestation document carries no proof field")
)
