package playback

import "errors"

var (
	ErrNoTrack         = errors.New("no track selected in room")
	ErrConflictRetries = errors.New("playback write kept conflicting with other writers")
	ErrInvalidPosition = errors.New("position must be a non-negative number")
	ErrUnknownCommand  = errors.New("unknown playback command")
	ErrSessionClosed   = errors.New("session closed")
)
