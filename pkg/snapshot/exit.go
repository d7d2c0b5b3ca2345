package snapshot

import (
	"github.com/pkg/errors"

	"github.com/willibrandon/LimeGo/pkg/memsource"
	"github.com/willibrandon/LimeGo/pkg/upload"
)

// ErrInvalidArgument indicates a rejected CLI or plan parameter.
var ErrInvalidArgument = errors.New("invalid argument")

// Exit codes form a contract for scripted callers.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitLockdown        = 2
	ExitUploadFailed    = 3
	ExitDiskCapExceeded = 4
)

// ExitCode maps an error from the pipeline to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, memsource.ErrLockdown):
		return ExitLockdown
	case errors.Is(err, upload.ErrUploadFailed):
		return ExitUploadFailed
	case errors.Is(err, ErrDiskCapExceeded):
		return ExitDiskCapExceeded
	default:
		return ExitFailure
	}
}
