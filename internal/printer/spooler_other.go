//go:build !windows

package printer

func newPlatformSpooler() (NativeSpooler, error) {
	return nil, ErrUnsupportedBackend
}
