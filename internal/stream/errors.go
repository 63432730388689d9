package stream

import "errors"

// Sentinel errors returned by sessions and subscriptions.
var (
	// ErrAppKeyRequired is returned when a session is constructed
	// without an application key.
	ErrAppKeyRequired = errors.New("application key is required")

	// ErrNameRequired is returned when a subscription is constructed
	// without an instrument name.
	ErrNameRequired = errors.New("instrument name is required")

	// ErrSessionClosed is returned when an operation needs an open
	// session and the session is closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNoProxy is returned when an operation needs the data proxy
	// and the session was built without a proxy client.
	ErrNoProxy = errors.New("session has no proxy client")

	// ErrNotConnected is returned when a frame is sent while the
	// websocket is down.
	ErrNotConnected = errors.New("websocket not connected")

	// ErrStaleConnection is reported when no traffic has been seen
	// within the stale timeout.
	ErrStaleConnection = errors.New("websocket connection is stale")

	// ErrAlreadyRegistered is returned when a subscription that
	// already holds a stream ID is registered again.
	ErrAlreadyRegistered = errors.New("subscription already registered")

	// ErrNotRegistered is returned when an unregistered subscription
	// is unregistered.
	ErrNotRegistered = errors.New("subscription not registered")

	// ErrUnknownStream is returned when a stream ID is not present in
	// the session's subscription table.
	ErrUnknownStream = errors.New("unknown stream id")

	// ErrUnknownSession is returned when a session handle is not
	// present in the registry.
	ErrUnknownSession = errors.New("unknown session handle")

	// ErrFieldNotRequested is returned by cache lookups for fields
	// outside the requested view.
	ErrFieldNotRequested = errors.New("field was not requested")

	// ErrInstrumentNotRequested is returned by snapshot builds for
	// instruments outside the group's universe.
	ErrInstrumentNotRequested = errors.New("instrument was not requested")

	// ErrDuplicateInstrument is returned when a price group is built
	// with a repeated instrument name.
	ErrDuplicateInstrument = errors.New("duplicate instrument name")
)
