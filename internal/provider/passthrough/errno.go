package passthrough

import (
	"errors"
	"syscall"
)

func isDirNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY)
}
