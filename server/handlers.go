package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"tee-verify/attestation"
	"tee-verify/pipeline"
	"tee-verify/scoring"
	"tee-verify/seal"
)

type evaluateRequest struct {
	RequestID         string `json:"request_id"`
	ModelBase64       string `json:"model_base64"`
	DatasetBase64     string `json:"dataset_base64"`
	ModelURL          string `json:"model_url"`
	DatasetURL        string `json:"dataset_url"`
	AssessmentType    string `json:"assessment_type"`
	UserAddress       string `json:"user_address"`
	TransactionDigest string `json:"transaction_digest"`
}

// HandleEvaluate handles POST /evaluate: resolve the model and dataset
// blobs (inline base64 or URL), run the pipeline and return the
// verification result with the full evaluation report attached.
func HandleEvaluate(p *pipeline.Pipeline, fetcher *Fetcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req evaluateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		model, err := resolveInput(c, fetcher, req.ModelBase64, req.ModelURL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("model: %v", err)})
			return
		}
		dataset, err := resolveInput(c, fetcher, req.DatasetBase64, req.DatasetURL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("dataset: %v", err)})
			return
		}

		res, err := p.Process(c.Request.Context(), pipeline.Request{
			RequestID:         req.RequestID,
			Model:             model,
			Dataset:           dataset,
			AssessmentType:    req.AssessmentType,
			UserAddress:       req.UserAddress,
			TransactionDigest: req.TransactionDigest,
		})
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"verification_result": res,
			"evaluation_report":   res.Report,
		})
	}
}

// resolveInput picks the inline payload when present, otherwise fetches
// the URL. Exactly one source must be given.
func resolveInput(c *gin.Context, fetcher *Fetcher, inline, url string) ([]byte, error) {
	switch {
	case inline != "" && url != "":
		return nil, errors.New("provide either inline data or a url, not both")
	case inline != "":
		data, err := base64.StdEncoding.DecodeString(inline)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %v", err)
		}
		return data, nil
	case url != "":
		return fetcher.Fetch(c.Request.Context(), url)
	default:
		return nil, errors.New("missing input")
	}
}

// statusForError maps pipeline failures to HTTP statuses: unusable
// inputs are the caller's fault, an unsatisfied quorum is an upstream
// availability problem, everything else is internal.
func statusForError(err error) int {
	switch {
	case errors.Is(err, scoring.ErrModelLoad), errors.Is(err, scoring.ErrDatasetLoad):
		return http.StatusUnprocessableEntity
	case errors.Is(err, seal.ErrDecryptFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, seal.ErrInsufficientQuorum):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type verifyRequest struct {
	Result               *pipeline.VerificationResult `json:"result" binding:"required"`
	ExpectedMeasurements map[string]string            `json:"expected_measurements"`
	SignerAddress        string                       `json:"signer_address"`
	MaxSkewSeconds       int                          `json:"max_skew_seconds"`
}

// HandleVerify handles POST /verify: re-check a previously issued
// verification result against the caller's policy. Defaults to this
// instance's own signing address when none is given.
func HandleVerify(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		policy := attestation.VerifyPolicy{
			ExpectedMeasurements: req.ExpectedMeasurements,
			SignerAddress:        p.Identity.Address(),
			MaxSkew:              time.Duration(req.MaxSkewSeconds) * time.Second,
		}
		if req.SignerAddress != "" {
			if !common.IsHexAddress(req.SignerAddress) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "signer_address must be a hex address"})
				return
			}
			policy.SignerAddress = common.HexToAddress(req.SignerAddress)
		}

		valid := pipeline.VerifyResult(req.Result, policy, time.Now())
		c.JSON(http.StatusOK, gin.H{"valid": valid})
	}
}

// HandleHealth handles GET /health. Reports degraded with 503 when the
// key-server fleet cannot currently satisfy the quorum threshold.
func HandleHealth(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":         "healthy",
			"enclave_id":     p.Identity.EnclaveID,
			"can_sign":       p.Identity.CanSign(),
			"signer_address": p.Identity.Address().Hex(),
		}
		if p.Decryptor == nil {
			c.JSON(http.StatusOK, body)
			return
		}

		health, weight, ok := p.Decryptor.QuorumReachable(c.Request.Context())
		body["key_servers"] = health
		body["reachable_weight"] = weight
		body["quorum_threshold"] = p.Decryptor.Threshold()
		if !ok {
			body["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, body)
	}
}
