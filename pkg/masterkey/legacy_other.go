//go:build !windows

package masterkey

type unsupportedProtector struct{}

func (unsupportedProtector) Unprotect([]byte) ([]byte, error) {
	return nil, ErrLegacyUnsupported
}

// DefaultProtector returns the platform protector. Only Windows has one.
func DefaultProtector() Protector {
	return unsupportedProtector{}
}
