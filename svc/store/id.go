package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"math/big"

	"github.com/pkg/errors"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const docIDLen = 20

// newDocID assigns an opaque identifier for a new document: 20 base62
// characters from the system CSPRNG, collision-checked against the
// collection before use.
func (s *SQLite) newDocID(ctx context.Context, collection string) (string, error) {
	for retry := 0; retry < 5; retry++ {
		buf := make([]byte, 15)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		id := toBase62(new(big.Int).SetBytes(buf))
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM documents WHERE collection = ? AND id = ? LIMIT 1`,
			collection, id,
		).Scan(&one)
		if err == sql.ErrNoRows {
			return id, nil
		}
		if err != nil {
			return "", errors.Wrap(err, "id collision check")
		}
		// taken, roll again
	}
	return "", errors.New("id collision after 5 retries")
}

func toBase62(num *big.Int) string {
	if num.Sign() == 0 {
		return string(base62Chars[0])
	}
	base := big.NewInt(62)
	result := make([]byte, 0, docIDLen)
	zero := big.NewInt(0)
	temp := new(big.Int).Set(num)
	for temp.Cmp(zero) > 0 {
		mod := new(big.Int)
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < docIDLen {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
