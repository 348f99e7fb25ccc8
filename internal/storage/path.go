package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Location is a path request URI resolved against an object store.
type Location struct {
	Bucket string
	Prefix string
}

// ParseLocation accepts "s3://bucket/prefix", "/prefix" and "prefix". The
// bucket is empty unless the URI names one.
func ParseLocation(uri string) (Location, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Location{}, fmt.Errorf("path is required")
	}
	if strings.Contains(uri, "://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return Location{}, fmt.Errorf("parse path %q: %w", uri, err)
		}
		switch parsed.Scheme {
		case "s3", "s3a", "minio":
		default:
			return Location{}, fmt.Errorf("unsupported path scheme %q", parsed.Scheme)
		}
		if parsed.Host == "" {
			return Location{}, fmt.Errorf("path %q has no bucket", uri)
		}
		prefix, err := cleanKeyPrefix(parsed.Path)
		if err != nil {
			return Location{}, err
		}
		return Location{Bucket: parsed.Host, Prefix: prefix}, nil
	}
	prefix, err := cleanKeyPrefix(uri)
	if err != nil {
		return Location{}, err
	}
	return Location{Prefix: prefix}, nil
}

// IsDataFile reports whether key names a parquet data file. Hidden and
// bookkeeping files (leading "." or "_") are skipped.
func IsDataFile(key string) bool {
	base := path.Base(key)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(base), ".parquet")
}

func cleanKeyPrefix(raw string) (string, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", nil
	}
	cleaned := path.Clean(raw)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid path: %q", raw)
	}
	return cleaned, nil
}
