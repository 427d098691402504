//go:build unix

package staging

import (
	"errors"

	"golang.org/x/sys/unix"
)

func canWrite(dir string) bool {
	return unix.Access(dir, unix.W_OK) == nil
}

func crossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
