//go:build unix

package lock

import (
	"errors"
	"os"
	"syscall"
)

// sigProbe is signal 0: existence check without delivery.
var sigProbe os.Signal = syscall.Signal(0)

// isPermissionDenied distinguishes "exists but not ours" from "gone".
func isPermissionDenied(err error) bool {
	return errors.Is(err, syscall.EPERM)
}
