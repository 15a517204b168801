// Package randstring generates the random strings used as OAuth2
// "state" values. Letters are drawn from crypto/rand since the state is
// the only protection the callback has against forged redirects.
package randstring

import (
	"crypto/rand"
	"math/big"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// StateLength is the length of a generated oauth state string
const StateLength = 24

var nLetters = big.NewInt(int64(len(letters)))

// RandString produces a randomly generated string of length n
func RandString(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, nLetters)
		if err != nil {
			return "", err
		}
		b[i] = letters[idx.Int64()]
	}
	return string(b), nil
}

// State returns a new oauth state string
func State() (string, error) {
	return RandString(StateLength)
}
