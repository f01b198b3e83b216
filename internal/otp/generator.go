package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/BytePhi0/edulearn/internal/domain"
)

var codeSpace = big.NewInt(1_000_000)

// GenerateCode produces a uniformly distributed, zero-padded 6-digit
// code from the platform's secure random source.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", domain.OTPLength, n.Int64()), nil
}
