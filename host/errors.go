package host

import (
	"errors"
	"fmt"

	"github.com/filecoin-project/go-state-types/exitcode"
)

// ErrSlotEmpty is returned by Runtime.StoreGet when nothing has been written
// to the requested slot.
var ErrSlotEmpty = errors.New("storage slot is empty")

// ExecutionError is the failure of a single invocation. Entry points raise
// it through Runtime.Abortf; the host recovers it at the invocation boundary
// and unwinds any writes staged by the failed call.
type ExecutionError struct {
	Code    exitcode.ExitCode
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed (exit %s): %s", e.Code, e.Message)
}

// RetCode extracts the exit code from an invocation result.
func RetCode(err error) exitcode.ExitCode {
	if err == nil {
		return exitcode.Ok
	}

	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitcode.SysErrIllegalInstruction
}
