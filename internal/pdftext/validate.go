package pdftext

import (
	"fmt"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCount returns the page count of the PDF at path using pdfcpu.
// Encrypted documents are reported as a distinct error.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		if isEncryptedErr(err) {
			return 0, fmt.Errorf("pdf is password protected: %w", err)
		}
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}

// IsEncrypted reports whether the PDF refuses to open without a password.
func IsEncrypted(path string) bool {
	_, err := api.PageCountFile(path)
	return err != nil && isEncryptedErr(err)
}

func isEncryptedErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "encrypt") || strings.Contains(msg, "password")
}
