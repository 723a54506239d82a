// Package verify issues and checks the one-time codes used to confirm an
// account's email address.
package verify

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"
)

// CodeLength is the number of decimal digits in a code.
const CodeLength = 6

// Outcome is the result of checking a submitted code.
type Outcome int

const (
	Verified Outcome = iota
	Expired
	Mismatch
)

func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case Expired:
		return "expired"
	default:
		return "mismatch"
	}
}

// Issuer creates codes valid for a fixed TTL.
type Issuer struct {
	ttl time.Duration
	now func() time.Time
}

// NewIssuer returns an Issuer whose codes expire after ttl.
func NewIssuer(ttl time.Duration) *Issuer {
	return &Issuer{ttl: ttl, now: time.Now}
}

// Issue returns a fresh code and its expiry.
func (i *Issuer) Issue() (string, time.Time, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate verification code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), i.now().Add(i.ttl), nil
}

// Check compares submitted against the stored code. An expired code reports
// Expired even when it matches.
func Check(stored string, expiry time.Time, submitted string, now time.Time) Outcome {
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(submitted)) != 1 {
		return Mismatch
	}
	if !now.Before(expiry) {
		return Expired
	}
	return Verified
}
