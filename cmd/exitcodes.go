package cmd

import (
	"errors"

	"github.com/thenoetrevino/boardsync/internal/client"
	"github.com/thenoetrevino/boardsync/internal/config"
	"github.com/thenoetrevino/boardsync/internal/events"
)

// Exit codes for commands. These follow Unix conventions.
const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess = 0

	// ExitError indicates a general error occurred.
	// Use for: database errors, network errors, unexpected failures.
	ExitError = 1

	// ExitUsage indicates incorrect command usage or an invalid config file.
	ExitUsage = 2

	// ExitUnauthorized indicates the server rejected the credential.
	ExitUnauthorized = 3

	// ExitUnavailable indicates the server could not be reached before the
	// reconnect budget ran out.
	ExitUnavailable = 4
)

// ExitCode maps an error returned by Execute onto a process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, config.ErrInvalid), errors.Is(err, errUsage):
		return ExitUsage
	case errors.Is(err, events.ErrUnauthorized):
		return ExitUnauthorized
	case errors.Is(err, client.ErrGaveUp):
		return ExitUnavailable
	}
	return ExitError
}
