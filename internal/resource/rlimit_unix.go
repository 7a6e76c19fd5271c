//go:build unix

package resource

import (
	"math"

	"golang.org/x/sys/unix"
)

func openFileLimit() int64 {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return DefaultFileHandleLimit
	}
	if uint64(rl.Cur) > math.MaxInt32 {
		return math.MaxInt32
	}
	return int64(rl.Cur)
}
