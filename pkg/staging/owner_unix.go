//go:build unix

package staging

import (
	"io/fs"
	"os"
	"syscall"
)

func copyOwner(path string, fi fs.FileInfo) error {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return os.Lchown(path, int(st.Uid), int(st.Gid))
}
