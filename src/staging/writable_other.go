//go:build !unix

package staging

import "os"

// canWrite probes the directory by creating and removing a file.
func canWrite(dir string) bool {
	f, err := os.CreateTemp(dir, ".probe*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func crossDevice(error) bool { return false }
