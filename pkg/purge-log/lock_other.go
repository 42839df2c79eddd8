//go:build !unix

package purgelog

import "os"

// no advisory locks here, the in-process mutex is all we get
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
