package seal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"tee-verify/shared"
)

// KeyServerConfig identifies one key-holder service.
type KeyServerConfig struct {
	ObjectID string
	URL      string
	Weight   int
}

// Config is the quorum configuration, loaded once at startup and
// immutable for the process lifetime.
type Config struct {
	PackageID      string
	Threshold      int
	KeyServers     []KeyServerConfig
	ContactTimeout time.Duration
}

// LoadConfigFromEnv reads the quorum configuration from SEAL_* env
// variables, mirroring the deployment layout of the key-server fleet.
func LoadConfigFromEnv() Config {
	cfg := Config{
		PackageID:      shared.GetEnvOrDefault("SEAL_PACKAGE_ID", ""),
		Threshold:      shared.GetEnvIntOrDefault("SEAL_THRESHOLD", 2),
		ContactTimeout: time.Duration(shared.GetEnvIntOrDefault("SEAL_CONTACT_TIMEOUT_SECONDS", 10)) * time.Second,
	}
	for i := 1; ; i++ {
		url := shared.GetEnvOrDefault("SEAL_KEY_SERVER_"+strconv.Itoa(i)+"_URL", "")
		if url == "" {
			break
		}
		cfg.KeyServers = append(cfg.KeyServers, KeyServerConfig{
			ObjectID: shared.GetEnvOrDefault("SEAL_KEY_SERVER_"+strconv.Itoa(i)+"_OBJECT_ID", ""),
			URL:      url,
			Weight:   shared.GetEnvIntOrDefault("SEAL_KEY_SERVER_"+strconv.Itoa(i)+"_WEIGHT", 1),
		})
	}
	return cfg
}

// RequestContext carries the caller identity forwarded to key servers
// for authorization.
type RequestContext struct {
	SessionID         string `json:"session_id"`
	UserAddress       string `json:"user_address,omitempty"`
	TransactionDigest string `json:"transaction_digest,omitempty"`
}

// KeyShareResponse is one key-holder's contribution. Ephemeral:
// collected during decryption and discarded once the quorum check
// resolves.
type KeyShareResponse struct {
	ServerID    string `json:"server_id"`
	KeyMaterial string `json:"key_material"`
	Weight      int    `json:"weight"`
}

type keyShareRequest struct {
	SessionID         string `json:"session_id"`
	UserAddress       string `json:"user_address,omitempty"`
	TransactionDigest string `json:"transaction_digest,omitempty"`
	ObjectID          string `json:"object_id"`
}

// sessionToken builds the HS256 authorization token a key server checks
// before releasing material. The signing secret is bound to both the
// session and the policy so tokens cannot be replayed across policies.
func sessionToken(sessionID, policyID string, now time.Time) (string, error) {
	secret := sha256.Sum256([]byte("seal-session:" + sessionID + ":" + policyID))
	claims := jwt.MapClaims{
		"sid":    sessionID,
		"policy": policyID,
		"iat":    now.Unix(),
		"exp":    now.Add(5 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret[:])
}

// fetchKeyShare contacts a single key server. Errors are returned to
// the collector, which treats them as that holder abstaining - never
// fatal to the overall collection.
func (d *Decryptor) fetchKeyShare(ctx context.Context, server KeyServerConfig, policyID string, reqCtx RequestContext) (*KeyShareResponse, error) {
	body, err := json.Marshal(keyShareRequest{
		SessionID:         reqCtx.SessionID,
		UserAddress:       reqCtx.UserAddress,
		TransactionDigest: reqCtx.TransactionDigest,
		ObjectID:          server.ObjectID,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ContactTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/v1/session_keys", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := sessionToken(reqCtx.SessionID, policyID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to build session token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key server returned status %d", resp.StatusCode)
	}

	var share KeyShareResponse
	if err := json.NewDecoder(resp.Body).Decode(&share); err != nil {
		return nil, fmt.Errorf("malformed key server response: %v", err)
	}
	if share.KeyMaterial == "" {
		return nil, fmt.Errorf("key server response carries no key material")
	}
	if share.ServerID == "" {
		share.ServerID = server.ObjectID
	}
	if share.Weight == 0 {
		share.Weight = server.Weight
	}
	return &share, nil
}

// collectKeyShares fans out to every configured key server in parallel
// and fans results in, returning as soon as the accumulated weight
// satisfies the threshold. The shared context is cancelled on early
// exit so outstanding contacts stop; responses that still arrive land
// in the buffered channel and are discarded safely.
func (d *Decryptor) collectKeyShares(ctx context.Context, policyID string, reqCtx RequestContext) []KeyShareResponse {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *KeyShareResponse, len(d.cfg.KeyServers))
	for _, server := range d.cfg.KeyServers {
		go func(server KeyServerConfig) {
			share, err := d.fetchKeyShare(ctx, server, policyID, reqCtx)
			if err != nil {
				d.logger.WithKeyServer(server.ObjectID, server.URL).Warn(
					"key server contact failed", zap.Error(err))
				results <- nil
				return
			}
			results <- share
		}(server)
	}

	var collected []KeyShareResponse
	weight := 0
	for range d.cfg.KeyServers {
		share := <-results
		if share == nil {
			continue
		}
		collected = append(collected, *share)
		weight += share.Weight
		if weight >= d.cfg.Threshold {
			break
		}
	}
	return collected
}

// Health probes every configured key server, reporting which are
// reachable. Used by the service health endpoint to decide whether the
// quorum threshold is currently satisfiable.
func (d *Decryptor) Health(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(d.cfg.KeyServers))
	for _, server := range d.cfg.KeyServers {
		results[server.ObjectID] = d.probe(ctx, server)
	}
	return results
}

// Threshold returns the configured quorum weight threshold.
func (d *Decryptor) Threshold() int {
	return d.cfg.Threshold
}

// QuorumReachable probes the fleet once, summing the weight of
// reachable key servers and reporting whether it satisfies the
// threshold.
func (d *Decryptor) QuorumReachable(ctx context.Context) (map[string]bool, int, bool) {
	health := d.Health(ctx)
	weight := 0
	for _, server := range d.cfg.KeyServers {
		if health[server.ObjectID] {
			weight += server.Weight
		}
	}
	return health, weight, weight >= d.cfg.Threshold
}

func (d *Decryptor) probe(ctx context.Context, server KeyServerConfig) bool {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ContactTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
