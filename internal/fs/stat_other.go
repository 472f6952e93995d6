//go:build !unix

package fs

import (
	"io/fs"
	"time"
)

const platformStat = "generic"

type ownerInfo struct {
	UID   int64
	GID   int64
	Atime time.Time
	Ctime time.Time
}

func extractOwner(fs.FileInfo) (ownerInfo, bool) { return ownerInfo{}, false }
