//go:build unix

package loopmon

import (
	"time"

	"golang.org/x/sys/unix"
)

func readCPUTimes() CPUTimes {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return CPUTimes{}
	}
	return CPUTimes{
		UserTime:   time.Duration(ru.Utime.Nano()).Seconds(),
		SystemTime: time.Duration(ru.Stime.Nano()).Seconds(),
	}
}
