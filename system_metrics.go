package loopmon

// ReadProcessStats captures resource usage of the current process. Fields
// that cannot be read on this platform are left at zero.
func ReadProcessStats() ProcessStats {
	var stats ProcessStats
	stats.MemInfo = readProcessMemory()
	stats.CPU = readCPUTimes()
	stats.NumFDs = countOpenFileDescriptors()
	return stats
}
