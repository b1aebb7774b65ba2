// Package auth implements the credential authority for remote-control pairing.
//
// Two credentials can admit a peer: a rotating 6-character pairing code and
// an optional persistent static password. Exactly one code is valid at a
// time. The code rotates after every successful code authentication while no
// password is configured, so a captured code cannot be replayed later.
//
// Brute force is slowed two ways: every failed attempt from a source address
// delays the reply by min(100ms x attempts, 2s), and five failures within a
// five-minute window lock the source out for fifteen minutes. Lockouts are
// checked before any credential comparison and expire passively.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// codeAlphabet excludes visually ambiguous glyphs (I, O, 0, 1) so codes can
// be read aloud or retyped from a small screen without confusion.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a pairing code.
const CodeLength = 6

// ErrInvalidCredential is returned when a candidate matches neither the
// current pairing code nor the configured password.
var ErrInvalidCredential = errors.New("invalid pairing code or password")

// LockoutError is returned when a source is locked out. The reply carries
// the remaining lockout duration so the peer can display it.
type LockoutError struct {
	Remaining time.Duration
}

// Error implements the error interface.
func (e *LockoutError) Error() string {
	return fmt.Sprintf("rate limit exceeded, locked out for %s", e.Remaining.Round(time.Second))
}

// RemainingSeconds returns the remaining lockout rounded up to whole seconds.
func (e *LockoutError) RemainingSeconds() int {
	secs := int((e.Remaining + time.Second - 1) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// PasswordStore persists the static password hash across restarts.
// Implemented by the storage package; tests use an in-memory fake.
type PasswordStore interface {
	SetPasswordHash(hash string) error
	PasswordHash() (string, error)
	ClearPasswordHash() error
}

// AuditLog records authentication attempts for later review.
// Optional; a nil log disables auditing.
type AuditLog interface {
	RecordAuthEvent(source, outcome string, at time.Time) error
}

// Audit outcomes, mirrored by the storage package.
const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeLockout  = "lockout"
	outcomeRejected = "rejected"
)

// Config holds configuration for the credential authority.
type Config struct {
	// PasswordStore persists the static password hash. Optional: when nil,
	// a configured password lasts only for the process lifetime.
	PasswordStore PasswordStore

	// Audit receives one event per authentication attempt. Optional.
	Audit AuditLog

	// MaxAttempts is the failure count that triggers a lockout.
	// Default: 5.
	MaxAttempts int

	// AttemptWindow is how long a failure record stays live. A record whose
	// first failure is older than the window is discarded.
	// Default: 5 minutes.
	AttemptWindow time.Duration

	// LockoutDuration is how long a locked-out source stays rejected.
	// Default: 15 minutes.
	LockoutDuration time.Duration

	// DelayStep and DelayCap shape the per-failure response delay:
	// min(DelayStep x attemptCount, DelayCap).
	// Defaults: 100ms and 2s.
	DelayStep time.Duration
	DelayCap  time.Duration

	// OnCodeRotated is invoked with each newly active pairing code so the
	// surrounding UI can display it. Optional.
	OnCodeRotated func(code string)

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time

	// Sleep applies the response delay. Useful for testing.
	// Default: time.Sleep.
	Sleep func(time.Duration)
}

// attemptRecord tracks authentication failures from one source address.
// Created lazily on first failure, reset when the window elapses or the
// lockout expires, deleted on success.
type attemptRecord struct {
	count        int
	firstFailure time.Time
	lockedUntil  time.Time
}

// Authority generates and validates pairing credentials.
type Authority struct {
	mu sync.Mutex

	config Config

	// code is the single currently valid pairing code, uppercase.
	// Empty until GenerateCode is called.
	code string

	// passwordHash is the bcrypt hash of the lowercased static password,
	// or "" when no password is configured.
	passwordHash string

	// attempts maps source address to its failure record.
	attempts map[string]*attemptRecord
}

// New creates a credential authority. If a PasswordStore is configured,
// any previously persisted password hash is loaded so the static password
// survives host restarts.
func New(config Config) (*Authority, error) {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	if config.AttemptWindow == 0 {
		config.AttemptWindow = 5 * time.Minute
	}
	if config.LockoutDuration == 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if config.DelayStep == 0 {
		config.DelayStep = 100 * time.Millisecond
	}
	if config.DelayCap == 0 {
		config.DelayCap = 2 * time.Second
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}
	if config.Sleep == nil {
		config.Sleep = time.Sleep
	}

	a := &Authority{
		config:   config,
		attempts: make(map[string]*attemptRecord),
	}

	if config.PasswordStore != nil {
		hash, err := config.PasswordStore.PasswordHash()
		if err != nil {
			return nil, fmt.Errorf("load password hash: %w", err)
		}
		a.passwordHash = hash
	}

	return a, nil
}

// GenerateCode creates a new pairing code, invalidating the previous one.
// Returns the code string to display to the user.
func (a *Authority) GenerateCode() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotateCodeLocked()
}

// rotateCodeLocked draws a fresh code and notifies the status callback.
// Must be called with a.mu held.
func (a *Authority) rotateCodeLocked() (string, error) {
	code, err := randomCode(CodeLength)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	a.code = code

	log.Printf("auth: new pairing code active")
	if a.config.OnCodeRotated != nil {
		a.config.OnCodeRotated(code)
	}

	return code, nil
}

// CurrentCode returns the active pairing code, or "" if none was generated.
func (a *Authority) CurrentCode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code
}

// HasPassword reports whether a static password is configured.
func (a *Authority) HasPassword() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.passwordHash != ""
}

// SetPassword installs a persistent static password. The comparison during
// authentication is case-insensitive, so the password is lowercased before
// hashing. While a password is configured the pairing code stays fixed.
func (a *Authority) SetPassword(value string) error {
	if value == "" {
		return errors.New("password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(strings.ToLower(value)), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.PasswordStore != nil {
		if err := a.config.PasswordStore.SetPasswordHash(string(hash)); err != nil {
			return fmt.Errorf("persist password hash: %w", err)
		}
	}
	a.passwordHash = string(hash)

	log.Printf("auth: static password configured")
	return nil
}

// ClearPassword removes the static password, reverting to code-only pairing.
func (a *Authority) ClearPassword() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.PasswordStore != nil {
		if err := a.config.PasswordStore.ClearPasswordHash(); err != nil {
			return fmt.Errorf("clear password hash: %w", err)
		}
	}
	a.passwordHash = ""

	log.Printf("auth: static password cleared")
	return nil
}

// Authenticate checks a candidate credential from the given source address.
//
// Order of checks:
//  1. An active lockout rejects the attempt before any credential
//     comparison, returning a LockoutError with the remaining duration.
//  2. The candidate is compared case-insensitively against the password
//     (if configured), then the current pairing code.
//
// On failure the source's attempt record is incremented, the reply is
// delayed by min(DelayStep x attemptCount, DelayCap), and a lockout is armed
// once the failure count reaches MaxAttempts within the window.
//
// On success the attempt record is deleted, and the code rotates if the
// match was against the code while no password is configured.
func (a *Authority) Authenticate(candidate, source string) error {
	a.mu.Lock()

	now := a.config.TimeNow()
	rec := a.liveRecordLocked(source, now)

	// Lockout check comes first: a locked-out source never reaches
	// credential comparison.
	if rec != nil && now.Before(rec.lockedUntil) {
		remaining := rec.lockedUntil.Sub(now)
		a.auditLocked(source, outcomeRejected, now)
		a.mu.Unlock()
		log.Printf("auth: rejected attempt from %s during lockout (%s remaining)",
			source, remaining.Round(time.Second))
		return &LockoutError{Remaining: remaining}
	}

	matched := a.matchesLocked(candidate)
	if matched == matchNone {
		rec = a.recordFailureLocked(source, rec, now)
		delay := a.failureDelayLocked(rec)
		a.mu.Unlock()

		// The delay is applied outside the lock so a slow reply to one
		// source cannot stall authentication for others.
		a.config.Sleep(delay)
		return ErrInvalidCredential
	}

	delete(a.attempts, source)
	a.auditLocked(source, outcomeSuccess, now)

	// Rotate the code after a successful code authentication so it cannot
	// be replayed. The code stays fixed while a password is configured.
	if matched == matchCode && a.passwordHash == "" {
		if _, err := a.rotateCodeLocked(); err != nil {
			log.Printf("auth: code rotation after pairing failed: %v", err)
		}
	}

	a.mu.Unlock()
	return nil
}

// RemainingLockout returns how long the source stays locked out.
// Returns zero when the source is not locked out.
func (a *Authority) RemainingLockout(source string) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.config.TimeNow()
	rec := a.liveRecordLocked(source, now)
	if rec == nil || !now.Before(rec.lockedUntil) {
		return 0
	}
	return rec.lockedUntil.Sub(now)
}

// credentialMatch identifies which credential a candidate matched.
type credentialMatch int

const (
	matchNone credentialMatch = iota
	matchPassword
	matchCode
)

// matchesLocked compares the candidate against the password and the code.
// Both comparisons are case-insensitive; the original observed this behavior
// for the password too, which narrows its entropy (see DESIGN.md).
// Must be called with a.mu held.
func (a *Authority) matchesLocked(candidate string) credentialMatch {
	if a.passwordHash != "" {
		err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(strings.ToLower(candidate)))
		if err == nil {
			return matchPassword
		}
	}
	if a.code != "" && strings.EqualFold(candidate, a.code) {
		return matchCode
	}
	return matchNone
}

// liveRecordLocked returns the source's attempt record after discarding it
// if its window elapsed and any lockout has expired. Must hold a.mu.
func (a *Authority) liveRecordLocked(source string, now time.Time) *attemptRecord {
	rec, ok := a.attempts[source]
	if !ok {
		return nil
	}

	// A lockout keeps the record alive until it expires, regardless of
	// the attempt window.
	if !rec.lockedUntil.IsZero() {
		if now.Before(rec.lockedUntil) {
			return rec
		}
		delete(a.attempts, source)
		return nil
	}

	if now.Sub(rec.firstFailure) >= a.config.AttemptWindow {
		delete(a.attempts, source)
		return nil
	}
	return rec
}

// recordFailureLocked increments the source's failure count and arms a
// lockout once the count reaches MaxAttempts. Must hold a.mu.
func (a *Authority) recordFailureLocked(source string, rec *attemptRecord, now time.Time) *attemptRecord {
	if rec == nil {
		rec = &attemptRecord{firstFailure: now}
		a.attempts[source] = rec
	}
	rec.count++

	if rec.count >= a.config.MaxAttempts {
		rec.lockedUntil = now.Add(a.config.LockoutDuration)
		a.auditLocked(source, outcomeLockout, now)
		log.Printf("auth: locked out %s for %s after %d failures",
			source, a.config.LockoutDuration, rec.count)
	} else {
		a.auditLocked(source, outcomeFailure, now)
		log.Printf("auth: failed attempt %d from %s", rec.count, source)
	}

	return rec
}

// failureDelayLocked computes the response delay for the source's current
// failure count: min(DelayStep x count, DelayCap). Must hold a.mu.
func (a *Authority) failureDelayLocked(rec *attemptRecord) time.Duration {
	delay := time.Duration(rec.count) * a.config.DelayStep
	if delay > a.config.DelayCap {
		delay = a.config.DelayCap
	}
	return delay
}

// auditLocked writes an audit event, ignoring storage failures: auditing
// must never block or fail authentication. Must hold a.mu.
func (a *Authority) auditLocked(source, outcome string, now time.Time) {
	if a.config.Audit == nil {
		return
	}
	if err := a.config.Audit.RecordAuthEvent(source, outcome, now); err != nil {
		log.Printf("auth: audit write failed: %v", err)
	}
}

// randomCode draws a code of the given length from the unambiguous
// alphabet using a cryptographically secure random source.
func randomCode(length int) (string, error) {
	code := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))

	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[n.Int64()]
	}

	return string(code), nil
}
