// Package errs defines the error-kind taxonomy shared across the sync core.
//
// Callers use errors.Is against the sentinels below to distinguish recoverable
// storage/IO failures from fatal integrity failures. Parse and crypto errors
// are deliberately generic — they never indicate which half of a check failed.
package errs

import "errors"

var (
	// ErrIO covers path-not-found, permission-denied, short-read, rename failures.
	ErrIO = errors.New("io error")

	// ErrStorage covers remote read/write/list/exists failures.
	ErrStorage = errors.New("storage error")

	// ErrParse covers malformed manifest, stub, index entry, or event payloads.
	ErrParse = errors.New("parse error")

	// ErrCrypto covers AEAD verification failure, KDF parameter errors, and
	// wrong-length key material. Never reveals which check failed.
	ErrCrypto = errors.New("crypto error")

	// ErrIntegrity covers chunk hash mismatch and reassembled-file hash
	// mismatch on download. Fatal for the object in question.
	ErrIntegrity = errors.New("integrity error")

	// ErrSafety covers git preflight blocking signals.
	ErrSafety = errors.New("safety error")
)
