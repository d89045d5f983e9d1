// Package measurement computes the fixed set of PCR-style registers that
// describe the execution environment. The register set is closed: the
// same four names are always present, and verification compares the full
// map, so a missing or extra name invalidates the comparison.
package measurement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"

	"go.uber.org/zap"

	"tee-verify/shared"
)

// Register names. PCR0 covers the platform, PCR1 the runtime
// configuration, PCR2 the application binary, PCR8 the environment.
const (
	PCR0 = "pcr0"
	PCR1 = "pcr1"
	PCR2 = "pcr2"
	PCR8 = "pcr8"
)

// RegisterNames returns the closed register set in canonical order.
func RegisterNames() []string {
	return []string{PCR0, PCR1, PCR2, PCR8}
}

// Set holds the name -> digest mapping. Computed once at startup and
// immutable thereafter; digests are lowercase hex sha256.
type Set struct {
	registers map[string]string
}

// Compute measures the current process environment. Individual
// measurements that cannot be taken fall back to a deterministic
// placeholder derived from the register name and whatever partial
// information is available; Compute itself never fails.
func Compute(logger *shared.Logger) *Set {
	registers := map[string]string{
		PCR0: measurePlatform(),
		PCR1: measureRuntimeConfig(logger),
		PCR2: measureApplication(logger),
		PCR8: measureEnvironment(),
	}
	logger.InfoIf("computed measurement registers",
		zap.String(PCR0, registers[PCR0][:16]),
		zap.String(PCR2, registers[PCR2][:16]))
	return &Set{registers: registers}
}

// measurePlatform hashes OS, architecture and toolchain version.
func measurePlatform() string {
	info := fmt.Sprintf("%s-%s-%s", runtime.GOOS, runtime.GOARCH, runtime.Version())
	return hexDigest([]byte(info))
}

// measureRuntimeConfig hashes the runtime configuration: toolchain
// version plus working directory.
func measureRuntimeConfig(logger *shared.Logger) string {
	wd, err := os.Getwd()
	if err != nil {
		logger.WarnIf("working directory unavailable, using fallback measurement", zap.Error(err))
		return fallbackDigest(PCR1, runtime.Version())
	}
	return hexDigest([]byte(fmt.Sprintf("%s-%s", runtime.Version(), wd)))
}

// measureApplication hashes the running executable file.
func measureApplication(logger *shared.Logger) string {
	path, err := os.Executable()
	if err != nil {
		logger.WarnIf("executable path unavailable, using fallback measurement", zap.Error(err))
		return fallbackDigest(PCR2, runtime.Version())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		logger.WarnIf("executable unreadable, using fallback measurement",
			zap.String("path", path), zap.Error(err))
		return fallbackDigest(PCR2, path)
	}
	return hexDigest(content)
}

// measureEnvironment hashes a canonical JSON rendering of a fixed subset
// of environment variables. The subset is fixed so the digest stays
// stable across unrelated env churn.
func measureEnvironment() string {
	env := map[string]string{
		"user": os.Getenv("USER"),
		"home": os.Getenv("HOME"),
	}
	if wd, err := os.Getwd(); err == nil {
		env["pwd"] = wd
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fallbackDigest(PCR8, os.Getenv("USER"))
	}
	return hexDigest(data)
}

func hexDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fallbackDigest(name, partial string) string {
	return hexDigest([]byte("fallback-" + name + "-" + partial))
}

// FromMap builds a Set from an existing register map, for verification
// against a received document. The map is copied.
func FromMap(registers map[string]string) *Set {
	copied := make(map[string]string, len(registers))
	for k, v := range registers {
		copied[k] = v
	}
	return &Set{registers: copied}
}

// Get returns the digest for a register name.
func (s *Set) Get(name string) (string, bool) {
	v, ok := s.registers[name]
	return v, ok
}

// CanonicalMap returns the name -> digest mapping as a fresh map. The
// caller iterates it with Names for a stable order.
func (s *Set) CanonicalMap() map[string]string {
	out := make(map[string]string, len(s.registers))
	for k, v := range s.registers {
		out[k] = v
	}
	return out
}

// Names returns the register names sorted lexicographically.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.registers))
	for k := range s.registers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both sets contain exactly the same registers
// with identical digests.
func (s *Set) Equal(other *Set) bool {
	if other == nil || len(s.registers) != len(other.registers) {
		return false
	}
	for k, v := range s.registers {
		if ov, ok := other.registers[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
