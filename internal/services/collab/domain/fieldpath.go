package domain

import (
	"strings"
	"unicode/utf8"

	platformerrors "github.com/louisbranch/campaign-collab/internal/platform/errors"
	"golang.org/x/text/unicode/norm"
)

// MaxFieldPathRunes bounds lock keys.
const MaxFieldPathRunes = 256

// NormalizeFieldPath trims and NFC-normalises a field path so visually
// identical paths map to the same lock key.
func NormalizeFieldPath(raw string) (string, error) {
	path := norm.NFC.String(strings.TrimSpace(raw))
	if path == "" {
		return "", platformerrors.New(platformerrors.CodeFieldPathEmpty, "field_path is required")
	}
	if utf8.RuneCountInString(path) > MaxFieldPathRunes {
		return "", platformerrors.WithMetadata(
			platformerrors.CodeFieldPathTooLong,
			"field_path must be at most 256 characters",
			map[string]string{"limit": "256"},
		)
	}
	return path, nil
}
