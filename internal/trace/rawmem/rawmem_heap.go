//go:build !linux && !darwin

package rawmem

import "os"

func pageSize() int {
	return os.Getpagesize()
}

func allocPlatform(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func freePlatform([]byte) error {
	return nil
}
