package servx

import "errors"

var (
	ErrBadRequest        = errors.New("servx: bad request")
	ErrHeaderTooLarge    = errors.New("servx: header too large")
	ErrBodyTooLarge      = errors.New("servx: body too large")
	ErrTimeout           = errors.New("servx: timeout")
	ErrProtocolViolation = errors.New("servx: protocol violation")

	// ErrAddrInUse wraps every bind/listen failure returned by Listen,
	// mirroring cinatra's listen() returning address_in_use.
	ErrAddrInUse = errors.New("servx: address in use")
	// ErrIOFailed names an unclassified accept/read/write failure. No
	// function in this package returns it: a failed accept is logged
	// and retried, and a connection I/O error ends that connection.
	ErrIOFailed = errors.New("servx: io failed")
	// ErrCanceled names cancellation by Stop. No function in this
	// package returns it: after Stop the accept loop returns and
	// SyncStart returns nil.
	ErrCanceled = errors.New("servx: canceled")
	// ErrNoUpstreamHosts is returned when a proxy route is registered
	// with an empty host list.
	ErrNoUpstreamHosts = errors.New("servx: proxy route has no hosts")
)
