// Package authn handles the handshake-time password check (§2 AUTH) and
// the signing of opaque resume tokens handed to viewers so a reconnect
// (§2 HELLO resume=) cannot be forged by guessing another session's id.
package authn

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when the AUTH record's password
	// does not match the configured one.
	ErrInvalidCredentials = errors.New("authn: invalid credentials")
	// ErrAuthDisabled is returned by Check when no password was
	// configured. Callers test Enabled first; streamserver admits every
	// viewer without calling Check when it is false.
	ErrAuthDisabled = errors.New("authn: authentication is disabled")
)

// Authenticator checks the single shared viewer password configured for
// this server instance (§2, §6.2 password). There is no per-user
// identity; every authenticated viewer is equally privileged.
type Authenticator struct {
	enabled      bool
	passwordHash []byte
}

// New builds an Authenticator from the configured plaintext password. An
// empty password disables authentication entirely (Enabled reports
// false and Check always returns ErrAuthDisabled).
func New(password string) (*Authenticator, error) {
	if password == "" {
		return &Authenticator{enabled: false}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Authenticator{enabled: true, passwordHash: hash}, nil
}

// Enabled reports whether a password has been configured.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Check compares password against the configured hash in constant time,
// resolving spec.md's Open Question on comparison safety (DESIGN.md §1).
func (a *Authenticator) Check(password string) error {
	if !a.enabled {
		return ErrAuthDisabled
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
