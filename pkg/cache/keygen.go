package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeyGenerator generates cache keys for entity API reads
type KeyGenerator interface {
	// GenerateKey creates a cache key from resource kind, operation and parameters
	GenerateKey(resource, operation string, params interface{}) (string, error)
}

// DefaultKeyGenerator builds readable keys such as Lead_list_["-created_date",50].
// encoding/json sorts map keys, so structurally equal params yield equal keys.
type DefaultKeyGenerator struct{}

// NewDefaultKeyGenerator creates a new default key generator
func NewDefaultKeyGenerator() *DefaultKeyGenerator {
	return &DefaultKeyGenerator{}
}

// GenerateKey joins resource, operation and the JSON form of params
func (g *DefaultKeyGenerator) GenerateKey(resource, operation string, params interface{}) (string, error) {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}

	return fmt.Sprintf("%s_%s_%s", resource, operation, paramsBytes), nil
}

// HashedKeyGenerator replaces the params part with its SHA-256 digest.
// The resource prefix is kept so substring invalidation still works.
type HashedKeyGenerator struct{}

// NewHashedKeyGenerator creates a new hashed key generator
func NewHashedKeyGenerator() *HashedKeyGenerator {
	return &HashedKeyGenerator{}
}

// GenerateKey generates a cache key based on resource, operation and params hash
func (g *HashedKeyGenerator) GenerateKey(resource, operation string, params interface{}) (string, error) {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}

	hash := sha256.Sum256(paramsBytes)

	return fmt.Sprintf("%s_%s_%s", resource, operation, hex.EncodeToString(hash[:])), nil
}

// CustomKeyGenerator allows custom key generation logic
type CustomKeyGenerator struct {
	keyFunc func(resource, operation string, params interface{}) (string, error)
}

// NewCustomKeyGenerator creates a new custom key generator
func NewCustomKeyGenerator(keyFunc func(resource, operation string, params interface{}) (string, error)) *CustomKeyGenerator {
	return &CustomKeyGenerator{
		keyFunc: keyFunc,
	}
}

// GenerateKey generates a cache key using custom logic
func (g *CustomKeyGenerator) GenerateKey(resource, operation string, params interface{}) (string, error) {
	return g.keyFunc(resource, operation, params)
}
