package warmup

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/quantpilot/trader/internal/domain"
)

// Shuffle performs an unbiased Fisher-Yates shuffle of the queue order
// using the cryptographic RNG. Queue position decides who trades first
// each day, so the shuffle must not be seedable or biased.
func Shuffle(accounts []domain.AccountKey) error {
	for i := len(accounts) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("failed to draw shuffle index: %w", err)
		}
		j := int(n.Int64())
		accounts[i], accounts[j] = accounts[j], accounts[i]
	}
	return nil
}
