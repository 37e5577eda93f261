package loopmon

import (
	"github.com/prometheus/procfs"
)

func readProcessMemory() MemInfo {
	proc, err := procfs.Self()
	if err != nil {
		return MemInfo{}
	}
	stat, err := proc.Stat()
	if err != nil {
		return MemInfo{}
	}
	return MemInfo{
		RSSBytes: uint64(stat.ResidentMemory()),
		VSZBytes: uint64(stat.VirtualMemory()),
	}
}

func countOpenFileDescriptors() int {
	proc, err := procfs.Self()
	if err != nil {
		return 0
	}
	n, err := proc.FileDescriptorsLen()
	if err != nil {
		return 0
	}
	return n
}
