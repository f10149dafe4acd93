// Package errors defines all exported error sentinels for the leek library.
//
// This is the single source of truth for error values. Both the top-level
// leek package and the internal packages import from here, so errors.Is
// checks work across package boundaries.
package errors

import "errors"

// Configuration errors
var (
	ErrInvalidKeySize  = errors.New("leek: key size must be a power of two between 1024 and 8192")
	ErrInvalidWorkers  = errors.New("leek: worker count must be between 1 and 512")
	ErrInvalidRange    = errors.New("leek: invalid public exponent range")
	ErrInvalidLength   = errors.New("leek: prefix length range must be within 4..16")
	ErrNoMatcher       = errors.New("leek: no prefix matcher configured")
	ErrSearcherRunning = errors.New("leek: searcher is already running")
	ErrWorkerFailed    = errors.New("leek: worker terminated abnormally")
	ErrTooManyFailures = errors.New("leek: too many consecutive item failures")
)

// Implementation registry errors
var (
	ErrUnknownImplementation = errors.New("leek: unknown implementation")
	ErrUnavailable           = errors.New("leek: implementation not supported by this CPU")
)

// Prefix errors
var (
	ErrInvalidPrefix = errors.New("leek: invalid base32 prefix")
	ErrNoPrefixes    = errors.New("leek: no usable prefix loaded")
)

// Item errors. These abort the current item only.
var (
	ErrPrimeExhausted = errors.New("leek: no pool left to pair the prime with")
	ErrKeyGeneration  = errors.New("leek: RSA key synthesis failed")
	ErrLayout         = errors.New("leek: public key DER has an unsupported layout")
)

// Recheck errors
var (
	ErrExponentNotCoprime = errors.New("leek: public exponent is not coprime to lambda(n)")
	ErrExponentTooLarge   = errors.New("leek: public exponent is not below n-1")
	ErrInvalidKey         = errors.New("leek: RSA key failed validation")
	ErrAddressMismatch    = errors.New("leek: recomputed address does not match the candidate")
)
