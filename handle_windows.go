//go:build windows

package edk

import (
	"os"
	"syscall"
)

// platformHandleFromRawWindowsHandle wraps a raw Windows HANDLE value as a
// PlatformHandle of this process, without duplicating it.
func platformHandleFromRawWindowsHandle(h uint64) *PlatformHandle {
	return NewPlatformHandle(os.NewFile(uintptr(syscall.Handle(h)), "edk-handle"))
}
