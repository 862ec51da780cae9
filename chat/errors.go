package chat

import "errors"

var (
	// ErrUsernameRequired indicates an empty or whitespace-only display name.
	ErrUsernameRequired = errors.New("chat: username is required")
	// ErrInitialization indicates the transport could not assign a local peer ID.
	ErrInitialization = errors.New("chat: initialization failed")
	// ErrNotInitialized indicates the session has no running transport.
	ErrNotInitialized = errors.New("chat: session not initialized")
	// ErrAlreadyInitialized indicates Initialize was called on a running session.
	ErrAlreadyInitialized = errors.New("chat: session already initialized")
	// ErrTransport wraps faults reported by the transport or a channel.
	ErrTransport = errors.New("chat: transport error")
	// ErrSelfConnect indicates an attempt to dial the local peer ID.
	ErrSelfConnect = errors.New("chat: cannot connect to self")
	// ErrPeerIDRequired indicates an empty target peer ID.
	ErrPeerIDRequired = errors.New("chat: peer id is required")
)
