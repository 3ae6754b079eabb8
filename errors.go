package fortress

import "errors"

var (
	// ErrInvalidParameters is returned for caller errors (bad K/N, empty
	// secret, malformed vacation range). Never retried automatically.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrInsufficientShares is returned when fewer shares than the recorded
	// threshold are supplied to Combine.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrInconsistentShares is returned when the supplied shares disagree on
	// threshold, total, algorithm or length, or contain duplicate indexes.
	ErrInconsistentShares = errors.New("inconsistent shares")

	// ErrInvalidShare is returned when a share fails its checksum.
	ErrInvalidShare = errors.New("invalid share")

	// ErrUnknownIncident is returned when resolving an incident id that was
	// never reported.
	ErrUnknownIncident = errors.New("unknown incident")

	// ErrKeyNotFound is returned by a KeyProvider when no key blob has been
	// persisted yet.
	ErrKeyNotFound = errors.New("alert key not found")
)
