package nonce

import (
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

// HashicorpNonceService backs the NonceService interface with the
// time-boxed implementation from go-secure-stdlib. Minted values expire
// on their own; redeeming marks a value used so a second redemption with
// the same value fails.
type HashicorpNonceService struct {
	backend nonceutil.NonceService
}

func NewHashicorpNonceService() (*HashicorpNonceService, error) {
	backend := nonceutil.NewNonceService()
	if err := backend.Initialize(); err != nil {
		return nil, fmt.Errorf("could not initialize nonce service: %w", err)
	}
	return &HashicorpNonceService{backend: backend}, nil
}

// Get mints a fresh single-use value.
func (s *HashicorpNonceService) Get() (string, error) {
	value, _, err := s.backend.Get()
	if err != nil {
		return "", fmt.Errorf("could not mint nonce: %w", err)
	}
	return value, nil
}

// Redeem consumes the value. A value that was never issued, has expired
// or was already redeemed is rejected.
func (s *HashicorpNonceService) Redeem(value string) error {
	if !s.backend.Redeem(value) {
		return fmt.Errorf("nonce %s is unknown or already redeemed", value)
	}
	return nil
}
