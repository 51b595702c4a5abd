package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLength    = 11
	maxRetries  = 5
)

// GenID mints an internal capsule identifier: 64 random bits rendered as
// fixed-width base62. These never appear in shareable links; that is the
// share token's job.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < maxRetries; retry++ {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		id := toBase62(new(big.Int).SetBytes(buf))
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.Errorf("id collision after %d retries", maxRetries)
}

func toBase62(num *big.Int) string {
	if num.Sign() == 0 {
		return string(base62Chars[0])
	}
	base := big.NewInt(62)
	result := make([]byte, 0, idLength)
	zero := big.NewInt(0)
	temp := new(big.Int).Set(num)
	for temp.Cmp(zero) > 0 {
		mod := new(big.Int)
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < idLength {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
