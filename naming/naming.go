// Package naming builds the capture filenames used by the collection
// tools, so a capture's parameters are recoverable from its name alone.
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// BuildBaseName builds the base filename for a capture using the
// convention:
//
//	YYYYMMDDTHHMMSS_{tag}_s{bytes}_i{interval}
//
// where tag identifies the source device (its serial, e.g.
// "QC0000000217"), bytes > 0 is the sample size per collection, and
// interval > 0 is the seconds between collections. The timestamp comes
// from the provided time instant.
func BuildBaseName(now time.Time, tag string, bytes int, intervalSeconds int) (string, error) {
	if tag == "" {
		return "", errors.New("tag must not be empty")
	}
	if strings.ContainsAny(tag, "_/\\ ") {
		return "", fmt.Errorf("tag %q must not contain separators or spaces", tag)
	}
	if bytes <= 0 {
		return "", errors.New("bytes must be > 0")
	}
	if intervalSeconds <= 0 {
		return "", errors.New("intervalSeconds must be > 0")
	}
	stamp := now.Format("20060102T150405")
	return fmt.Sprintf("%s_%s_s%d_i%d", stamp, tag, bytes, intervalSeconds), nil
}

// WithExt appends an extension (with or without leading dot) to a base
// name. Empty ext returns base unchanged.
func WithExt(base string, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + strings.TrimPrefix(ext, ".")
}

// JoinDir joins an optional directory with a filename. An empty dir
// returns name as-is.
func JoinDir(dir string, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// BuildBinCSVNames builds both .bin and .csv filenames (without directory)
// based on the convention.
func BuildBinCSVNames(now time.Time, tag string, bytes int, intervalSeconds int) (binName string, csvName string, err error) {
	base, err := BuildBaseName(now, tag, bytes, intervalSeconds)
	if err != nil {
		return "", "", err
	}
	return WithExt(base, ".bin"), WithExt(base, ".csv"), nil
}

// BuildBinCSVPaths builds full paths for .bin and .csv inside dir (dir may
// be empty).
func BuildBinCSVPaths(dir string, now time.Time, tag string, bytes int, intervalSeconds int) (binPath string, csvPath string, err error) {
	binName, csvName, err := BuildBinCSVNames(now, tag, bytes, intervalSeconds)
	if err != nil {
		return "", "", err
	}
	return JoinDir(dir, binName), JoinDir(dir, csvName), nil
}

// ParseBaseName recovers the capture parameters from a base filename (or a
// filename with extension) produced by BuildBaseName.
func ParseBaseName(name string) (stamp time.Time, tag string, bytes int, intervalSeconds int, err error) {
	base := name
	if dot := strings.LastIndexByte(base, '.'); dot > 0 {
		base = base[:dot]
	}
	parts := strings.Split(base, "_")
	if len(parts) != 4 {
		return time.Time{}, "", 0, 0, fmt.Errorf("name %q does not match the capture convention", name)
	}
	stamp, err = time.Parse("20060102T150405", parts[0])
	if err != nil {
		return time.Time{}, "", 0, 0, fmt.Errorf("timestamp in %q: %w", name, err)
	}
	tag = parts[1]
	if _, err = fmt.Sscanf(parts[2], "s%d", &bytes); err != nil || bytes <= 0 {
		return time.Time{}, "", 0, 0, fmt.Errorf("sample size in %q", name)
	}
	if _, err = fmt.Sscanf(parts[3], "i%d", &intervalSeconds); err != nil || intervalSeconds <= 0 {
		return time.Time{}, "", 0, 0, fmt.Errorf("interval in %q", name)
	}
	return stamp, tag, bytes, intervalSeconds, nil
}
