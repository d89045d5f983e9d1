// verify-client submits a model and dataset to a running tee-verify
// instance and independently re-verifies the returned result against
// the instance's signing address.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tee-verify/attestation"
	"tee-verify/pipeline"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "tee-verify instance URL")
	modelPath := flag.String("model", "", "path to the model file")
	datasetPath := flag.String("dataset", "", "path to the dataset file")
	maxSkew := flag.Duration("max-skew", 5*time.Minute, "attestation freshness window")
	flag.Parse()

	if *modelPath == "" || *datasetPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*serverURL, *modelPath, *datasetPath, *maxSkew); err != nil {
		log.Fatalf("verification failed: %v", err)
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	EnclaveID     string `json:"enclave_id"`
	CanSign       bool   `json:"can_sign"`
	SignerAddress string `json:"signer_address"`
}

type evaluateResponse struct {
	Result *pipeline.VerificationResult `json:"verification_result"`
	Report json.RawMessage              `json:"evaluation_report"`
}

func run(serverURL, modelPath, datasetPath string, maxSkew time.Duration) error {
	model, err := os.ReadFile(modelPath)
	if err != nil {
		return err
	}
	dataset, err := os.ReadFile(datasetPath)
	if err != nil {
		return err
	}

	health, err := fetchHealth(serverURL)
	if err != nil {
		return fmt.Errorf("health check failed: %v", err)
	}
	fmt.Printf("instance %s, status %s, signer %s\n", health.EnclaveID, health.Status, health.SignerAddress)

	resp, err := submit(serverURL, model, dataset)
	if err != nil {
		return err
	}
	res := resp.Result
	fmt.Printf("request %s: quality score %d (proof mode %s)\n",
		res.RequestID, res.MLResult.QualityScore, res.MLResult.Proof.Mode)

	policy := attestation.VerifyPolicy{
		SignerAddress: common.HexToAddress(health.SignerAddress),
		MaxSkew:       maxSkew,
	}
	if !pipeline.VerifyResult(res, policy, time.Now()) {
		return fmt.Errorf("result does not verify under signer %s", health.SignerAddress)
	}
	fmt.Println("result verified: attestation and evaluation proofs check out")

	report, _ := json.MarshalIndent(resp.Report, "", "  ")
	fmt.Println(string(report))
	return nil
}

func fetchHealth(serverURL string) (*healthResponse, error) {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}

func submit(serverURL string, model, dataset []byte) (*evaluateResponse, error) {
	body, err := json.Marshal(map[string]string{
		"model_base64":   base64.StdEncoding.EncodeToString(model),
		"dataset_base64": base64.StdEncoding.EncodeToString(dataset),
	})
	if err != nil {
		return nil, err
	}

	resp, err := http.Post(serverURL+"/evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("evaluate returned %d: %s", resp.StatusCode, msg)
	}

	var out evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Result == nil {
		return nil, fmt.Errorf("response carries no verification result")
	}
	return &out, nil
}
