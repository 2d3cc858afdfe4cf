package manager

import (
	"path/filepath"
	"strings"
)

const maxFileNameLen = 120

func isAllowedFileNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-' || r == '_' || r == ' ' || r == '(' || r == ')':
		return true
	}

	return false
}

func isSeparatorRune(r rune) bool {
	return r == '.' || r == '-' || r == '_' || r == ' '
}

// SanitizeFileName reduces a remote file name to a safe local one: strips
// everything outside the allow-list, collapses runs of separators, trims
// leading and trailing separators and caps the length while keeping the
// extension intact.
func SanitizeFileName(name string) string {
	var (
		b       strings.Builder
		lastSep bool
	)

	for _, r := range name {
		if !isAllowedFileNameRune(r) {
			continue
		}

		if isSeparatorRune(r) {
			if lastSep {
				continue
			}

			lastSep = true
		} else {
			lastSep = false
		}

		b.WriteRune(r)
	}

	cleaned := strings.TrimFunc(b.String(), isSeparatorRune)
	if cleaned == "" {
		return "download"
	}

	if len(cleaned) <= maxFileNameLen {
		return cleaned
	}

	ext := filepath.Ext(cleaned)
	if len(ext) >= maxFileNameLen {
		return cleaned[:maxFileNameLen]
	}

	stem := cleaned[:maxFileNameLen-len(ext)]
	stem = strings.TrimRightFunc(stem, isSeparatorRune)

	return stem + ext
}
