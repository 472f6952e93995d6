//go:build unix

package fs

import (
	"io/fs"
	"syscall"
	"time"
)

const platformStat = "unix"

// ownerInfo is the ownership and timestamp data FileInfo does not expose portably.
type ownerInfo struct {
	UID   int64
	GID   int64
	Atime time.Time
	Ctime time.Time
}

// extractOwner reads Unix stat data from a FileInfo.
func extractOwner(info fs.FileInfo) (ownerInfo, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ownerInfo{}, false
	}
	return ownerInfo{
		UID:   int64(stat.Uid),
		GID:   int64(stat.Gid),
		Atime: time.Unix(int64(stat.Atim.Sec), int64(stat.Atim.Nsec)),
		Ctime: time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec)),
	}, true
}
