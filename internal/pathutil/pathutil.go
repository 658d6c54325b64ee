// Package pathutil normalizes filesystem paths to the canonical form used
// for equality and prefix checks throughout fileward: absolute, lowercased,
// forward-slash separated.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Normalize returns the canonical form of p: absolute, forward-slash,
// lowercased. It does not require p to exist.
func Normalize(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	abs = strings.ReplaceAll(filepath.ToSlash(abs), `\`, "/")
	return strings.ToLower(abs)
}

// Basename returns the final path component, case-preserved.
func Basename(p string) string {
	return filepath.Base(filepath.FromSlash(p))
}

// Ext returns the lowercased extension, including the leading dot.
func Ext(p string) string {
	return strings.ToLower(filepath.Ext(p))
}

// HasPrefixDir reports whether path is equal to dir or nested under it,
// comparing normalized forms and respecting path separator boundaries so
// that "/tmp" does not match "/tmpfoo".
func HasPrefixDir(path, dir string) bool {
	np := Normalize(path)
	nd := strings.TrimRight(Normalize(dir), "/")
	if np == nd {
		return true
	}
	return strings.HasPrefix(np, nd+"/")
}

// ContainsSegment reports whether any path component of p, compared
// case-insensitively, equals segment.
func ContainsSegment(p, segment string) bool {
	segment = strings.ToLower(segment)
	np := Normalize(p)
	for _, part := range strings.Split(np, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

// Exists reports whether p refers to an existing filesystem entry.
func Exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// IsRegularFile reports whether p exists and is a regular file.
func IsRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
