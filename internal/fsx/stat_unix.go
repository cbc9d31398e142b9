//go:build unix

package fsx

import (
	"io/fs"
	"syscall"
)

func statSummaryFrom(info fs.FileInfo) StatSummary {
	s := StatSummary{
		Mode:    uint32(info.Mode()),
		Size:    info.Size(),
		MtimeNs: info.ModTime().UnixNano(),
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		s.Uid = sys.Uid
		s.Gid = sys.Gid
	}
	return s
}
