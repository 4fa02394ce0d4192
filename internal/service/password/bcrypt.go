package password

import (
	"crypto/sha256"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Accounts imported from the previous service keep bcrypt hashes of sha256(password)
// They verify here and get rehashed with argon2id on the next successful login

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

// HashBcrypt produces a legacy hash. Only used to seed imported accounts
func HashBcrypt(plaintext string) (string, error) {
	sum := sha256.Sum256([]byte(plaintext))
	hash, err := bcrypt.GenerateFromPassword(sum[:], bcrypt.DefaultCost)
	return string(hash), err
}

func compareBcrypt(encoded string, plaintext string) bool {
	sum := sha256.Sum256([]byte(plaintext))
	return bcrypt.CompareHashAndPassword([]byte(encoded), sum[:]) == nil
}
