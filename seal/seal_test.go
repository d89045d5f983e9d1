package seal

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tee-verify/shared"
)

var testMaterial = []byte("0123456789abcdef0123456789abcdef")

// newKeyServer stands up a fake key holder that releases the given
// material to any authorized session-key request.
func newKeyServer(t *testing.T, id string, material []byte, weight int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path != "/v1/session_keys" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["session_id"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		json.NewEncoder(w).Encode(KeyShareResponse{
			ServerID:    id,
			KeyMaterial: base64.StdEncoding.EncodeToString(material),
			Weight:      weight,
		})
	}))
}

func newFailingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
}

func testConfig(threshold int, servers ...*httptest.Server) Config {
	cfg := Config{
		PackageID:      "policy-default",
		Threshold:      threshold,
		ContactTimeout: 2 * time.Second,
	}
	for i, s := range servers {
		cfg.KeyServers = append(cfg.KeyServers, KeyServerConfig{
			ObjectID: "ks-" + string(rune('a'+i)),
			URL:      s.URL,
			Weight:   1,
		})
	}
	return cfg
}

func TestDecryptQuorumRoundTrip(t *testing.T) {
	s1 := newKeyServer(t, "ks-a", testMaterial, 1, nil)
	s2 := newKeyServer(t, "ks-b", testMaterial, 1, nil)
	s3 := newKeyServer(t, "ks-c", testMaterial, 1, nil)
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	plaintext := []byte("feature,label\n0.1,0\n0.9,1\n")
	blob, err := Seal(plaintext, "policy-1", testMaterial)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	d := NewDecryptor(testConfig(2, s1, s2, s3), shared.NewNopLogger())
	got, err := d.Decrypt(context.Background(), blob, RequestContext{UserAddress: "0xabc"})
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("round trip did not recover the plaintext")
	}
	if d.State() != StateDecrypted {
		t.Errorf("expected state %s, got %s", StateDecrypted, d.State())
	}
}

func TestDecryptExactThresholdSatisfies(t *testing.T) {
	s1 := newKeyServer(t, "ks-a", testMaterial, 1, nil)
	s2 := newKeyServer(t, "ks-b", testMaterial, 1, nil)
	s3 := newFailingServer(t)
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	blob, err := Seal([]byte("payload"), "policy-1", testMaterial)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	// 2 of 3 responding with threshold 2 is exactly enough.
	d := NewDecryptor(testConfig(2, s1, s2, s3), shared.NewNopLogger())
	if _, err := d.Decrypt(context.Background(), blob, RequestContext{}); err != nil {
		t.Fatalf("exact-threshold decrypt failed: %v", err)
	}
}

func TestDecryptInsufficientQuorum(t *testing.T) {
	s1 := newKeyServer(t, "ks-a", testMaterial, 1, nil)
	s2 := newFailingServer(t)
	s3 := newFailingServer(t)
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	blob, err := Seal([]byte("payload"), "policy-1", testMaterial)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	d := NewDecryptor(testConfig(2, s1, s2, s3), shared.NewNopLogger())
	_, err = d.Decrypt(context.Background(), blob, RequestContext{})
	if !errors.Is(err, ErrInsufficientQuorum) {
		t.Fatalf("expected ErrInsufficientQuorum, got %v", err)
	}
	if d.State() != StateQuorumUnsatisfied {
		t.Errorf("expected state %s, got %s", StateQuorumUnsatisfied, d.State())
	}
	if shared.IsRetryableError(err) {
		t.Error("quorum failures are permanent and must not be retryable")
	}
}

func TestDecryptWeightedQuorum(t *testing.T) {
	// A single weight-3 holder alone satisfies threshold 3.
	s1 := newKeyServer(t, "ks-a", testMaterial, 3, nil)
	s2 := newFailingServer(t)
	defer s1.Close()
	defer s2.Close()

	cfg := testConfig(3, s1, s2)
	cfg.KeyServers[0].Weight = 3

	blob, err := Seal([]byte("payload"), "policy-1", testMaterial)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	d := NewDecryptor(cfg, shared.NewNopLogger())
	if _, err := d.Decrypt(context.Background(), blob, RequestContext{}); err != nil {
		t.Fatalf("weighted quorum decrypt failed: %v", err)
	}
}

func TestDecryptInconsistentMaterialFails(t *testing.T) {
	other := []byte("ffffffffffffffffffffffffffffffff")
	s1 := newKeyServer(t, "ks-a", testMaterial, 1, nil)
	s2 := newKeyServer(t, "ks-b", other, 1, nil)
	defer s1.Close()
	defer s2.Close()

	blob, err := Seal([]byte("payload"), "policy-1", testMaterial)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	d := NewDecryptor(testConfig(2, s1, s2), shared.NewNopLogger())
	_, err = d.Decrypt(context.Background(), blob, RequestContext{})
	if !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed for split material, got %v", err)
	}
}

func TestDecryptWrongMaterialFails(t *testing.T) {
	wrong := []byte("ffffffffffffffffffffffffffffffff")
	s1 := newKeyServer(t, "ks-a", wrong, 1, nil)
	s2 := newKeyServer(t, "ks-b", wrong, 1, nil)
	defer s1.Close()
	defer s2.Close()

	blob, err := Seal([]byte("payload"), "policy-1", testMaterial)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	d := NewDecryptor(testConfig(2, s1, s2), shared.NewNopLogger())
	_, err = d.Decrypt(context.Background(), blob, RequestContext{})
	if !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed for wrong key, got %v", err)
	}
	if d.State() != StateFailed {
		t.Errorf("expected state %s, got %s", StateFailed, d.State())
	}
}

func TestDecryptPassThroughPlainData(t *testing.T) {
	var hits atomic.Int32
	s1 := newKeyServer(t, "ks-a", testMaterial, 1, &hits)
	defer s1.Close()

	plain := []byte("feature,label\n0.1,0\n0.2,0\n0.9,1\n0.8,1\nmore,rows\n")
	d := NewDecryptor(testConfig(1, s1), shared.NewNopLogger())
	got, err := d.Decrypt(context.Background(), plain, RequestContext{})
	if err != nil {
		t.Fatalf("pass-through failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("plain data must pass through unchanged")
	}
	if hits.Load() != 0 {
		t.Error("plain data must not contact key servers")
	}
}

func TestExtractMetadata(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		want := &Metadata{PolicyID: "p1", IVBase64: "aXY=", Algorithm: "aes-256-gcm"}
		blob, err := EncodeMetadata(want, []byte("cipher"))
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		md, ct := ExtractMetadata(blob)
		if md == nil || md.PolicyID != "p1" || md.Algorithm != "aes-256-gcm" {
			t.Fatalf("metadata not recovered: %+v", md)
		}
		if string(ct) != "cipher" {
			t.Errorf("ciphertext not recovered: %q", ct)
		}
	})

	t.Run("short blob falls back to raw", func(t *testing.T) {
		md, ct := ExtractMetadata([]byte{0x01})
		if md != nil || string(ct) != "\x01" {
			t.Error("short blob must be treated as raw ciphertext")
		}
	})

	t.Run("out of bounds length falls back to raw", func(t *testing.T) {
		blob := []byte{0xff, 0xff, 0xff, 0x7f, 'x'}
		md, ct := ExtractMetadata(blob)
		if md != nil || !bytes.Equal(ct, blob) {
			t.Error("oversized length must be treated as raw ciphertext")
		}
	})

	t.Run("schema violation falls back to raw", func(t *testing.T) {
		raw := []byte(`{"encryption_algorithm":"aes-256-gcm"}`)
		blob := make([]byte, 4+len(raw))
		blob[0] = byte(len(raw))
		copy(blob[4:], raw)
		md, ct := ExtractMetadata(blob)
		if md != nil || !bytes.Equal(ct, blob) {
			t.Error("metadata without policy_id must be treated as raw ciphertext")
		}
	})
}

func TestLooksEncrypted(t *testing.T) {
	t.Run("short data", func(t *testing.T) {
		if LooksEncrypted([]byte("tiny")) {
			t.Error("data under the minimum size must not look encrypted")
		}
	})

	t.Run("magic prefix", func(t *testing.T) {
		blob := append([]byte("SEAL"), bytes.Repeat([]byte("a"), 40)...)
		if !LooksEncrypted(blob) {
			t.Error("magic prefix must look encrypted")
		}
	})

	t.Run("plain text", func(t *testing.T) {
		if LooksEncrypted([]byte(strings.Repeat("name,age,label\nalice,30,1\n", 10))) {
			t.Error("CSV text must not look encrypted")
		}
	})

	t.Run("random bytes", func(t *testing.T) {
		blob := make([]byte, 256)
		if _, err := rand.Read(blob); err != nil {
			t.Fatal(err)
		}
		if !LooksEncrypted(blob) {
			t.Error("random bytes must look encrypted")
		}
	})
}

func TestDeriveSessionIDStable(t *testing.T) {
	blob := bytes.Repeat([]byte{0xab}, 64)
	a, b := deriveSessionID(blob), deriveSessionID(blob)
	if a != b {
		t.Error("session id must be deterministic per blob")
	}
	if len(a) != 16 {
		t.Errorf("session id must be 16 hex chars, got %d", len(a))
	}
	if deriveSessionID([]byte("other")) == a {
		t.Error("distinct blobs must yield distinct session ids")
	}
}

func TestHealthReportsReachability(t *testing.T) {
	up := newKeyServer(t, "ks-a", testMaterial, 1, nil)
	down := newFailingServer(t)
	defer up.Close()
	down.Close()

	d := NewDecryptor(testConfig(2, up, down), shared.NewNopLogger())
	health := d.Health(context.Background())
	if !health["ks-a"] {
		t.Error("reachable server must report healthy")
	}
	if health["ks-b"] {
		t.Error("closed server must report unhealthy")
	}
}
