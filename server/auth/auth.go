// credential store behind login and register
// stores are shared by all conns and lock themselves
// registered secrets are bcrypt hashes, seeded users may carry plain passwords
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists       = errors.New("auth: user already exists")
	ErrEmptyCredentials = errors.New("auth: empty user or password")
)

// Store looks up and creates users.
type Store interface {
	// Lookup returns the stored secret of user, ok is false if there is no such user.
	Lookup(user string) (secret string, ok bool, err error)
	// Register creates user, ErrUserExists if it is taken.
	Register(user, password string) error
}

// Hash returns the secret stored for password.
func Hash(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Verify reports whether password matches secret.
func Verify(secret, password string) bool {
	if isHash(secret) {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}

func isHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
