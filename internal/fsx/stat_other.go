//go:build !unix

package fsx

import "io/fs"

func statSummaryFrom(info fs.FileInfo) StatSummary {
	return StatSummary{
		Mode:    uint32(info.Mode()),
		Size:    info.Size(),
		MtimeNs: info.ModTime().UnixNano(),
	}
}
