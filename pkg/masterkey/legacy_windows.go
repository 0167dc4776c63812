//go:build windows

package masterkey

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type dpapiProtector struct{}

// Unprotect calls CryptUnprotectData for the current user.
func (dpapiProtector) Unprotect(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("masterkey: empty DPAPI blob")
	}
	in := windows.DataBlob{Size: uint32(len(blob)), Data: &blob[0]}
	var out windows.DataBlob

	err := windows.CryptUnprotectData(&in, nil, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out)
	if err != nil {
		return nil, fmt.Errorf("masterkey: CryptUnprotectData: %w", err)
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.Data)))

	raw := unsafe.Slice(out.Data, out.Size)
	plaintext := make([]byte, len(raw))
	copy(plaintext, raw)
	for i := range raw {
		raw[i] = 0
	}
	return plaintext, nil
}

// DefaultProtector returns the DPAPI protector.
func DefaultProtector() Protector {
	return dpapiProtector{}
}
