package mount

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// KernelSupports reports whether fsType is listed in /proc/filesystems.
// A type provided by an unloaded module is not listed until first use.
func KernelSupports(fsType string) (bool, error) {
	f, err := os.Open(procFilesystems)
	if err != nil {
		return false, err
	}
	defer f.Close()

	types, err := parseFilesystems(f)
	if err != nil {
		return false, err
	}
	for _, t := range types {
		if t == fsType {
			return true, nil
		}
	}
	return false, nil
}

// parseFilesystems reads the "[nodev]\t<type>" lines of /proc/filesystems.
func parseFilesystems(r io.Reader) ([]string, error) {
	var types []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		types = append(types, fields[len(fields)-1])
	}
	return types, scanner.Err()
}
