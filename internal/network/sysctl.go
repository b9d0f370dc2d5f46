package network

import (
	"os"
	"strings"
)

// RealSystemController reads and writes procfs and sysfs files directly.
type RealSystemController struct{}

// ReadSysctl returns the trimmed content of path.
func (s *RealSystemController) ReadSysctl(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteSysctl writes value to path.
func (s *RealSystemController) WriteSysctl(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

// IsNotExist checks if an error indicates that a file or directory does not exist.
func (s *RealSystemController) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}
