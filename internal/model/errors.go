package model

import "errors"

var (
	// ErrTransientExternal covers embedding/oracle timeouts and server errors.
	ErrTransientExternal = errors.New("transient external failure")

	// ErrOracleUnavailable means the oracle could not be reached at all.
	ErrOracleUnavailable = errors.New("categorization oracle unavailable")

	// ErrMalformedOracleResponse means the oracle answered with the wrong shape.
	ErrMalformedOracleResponse = errors.New("malformed oracle response")

	ErrUnparseableTimestamp = errors.New("unparseable timestamp")

	// ErrInsufficientInstances is returned when a recurrence fit is attempted
	// from fewer than two distinct dates.
	ErrInsufficientInstances = errors.New("insufficient instances for recurrence")
)
