// Package store locates the on-disk location a policy module reference
// maps to, using the <root>/<scheme>/<host>/<path>/<filename> layout the
// original policy-fetcher store uses.
package store

import (
	"encoding/base64"
	"net/url"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// knownRemoteSchemes mirrors policy-fetcher's store/scheme.rs.
var knownRemoteSchemes = map[string]bool{
	"http":     true,
	"https":    true,
	"registry": true,
}

// IsKnownRemoteScheme reports whether scheme is one the store downloads
// policies from, as opposed to a local file:// reference.
func IsKnownRemoteScheme(scheme string) bool {
	return knownRemoteSchemes[scheme]
}

// base64Encoding is the URL-safe, unpadded alphabet the Rust store uses on
// Windows, where ':' and other URL characters are illegal in filenames.
var base64Encoding = base64.RawURLEncoding

// PathFor returns the filesystem location under root at which the module
// backing reference should be stored or read from. reference must be a
// well-formed URL whose scheme is one of the known remote schemes.
func PathFor(root, reference string) (string, error) {
	u, err := url.Parse(reference)
	if err != nil {
		return "", errors.Wrap(err, "cannot parse policy reference")
	}
	if !IsKnownRemoteScheme(u.Scheme) {
		return "", errors.Errorf("unknown scheme: %s", u.Scheme)
	}

	host := u.Host
	dir, file := path.Split(strings.TrimPrefix(u.Path, "/"))
	dir = strings.Trim(dir, "/")

	components := []string{u.Scheme, host}
	if dir != "" {
		components = append(components, strings.Split(dir, "/")...)
	}
	components = append(components, file)

	for i := 1; i < len(components); i++ {
		components[i] = encodeComponent(components[i])
	}

	return filepath.Join(append([]string{root}, components...)...), nil
}

// encodeComponent applies the platform-specific filename transform. On
// non-Windows platforms this is a no-op, matching store/path/default.rs. On
// Windows it base64url-encodes the component without padding, matching
// store/path/windows.rs, since Windows forbids ':' (and other characters)
// that OCI registry hosts and tags routinely contain.
func encodeComponent(component string) string {
	if runtime.GOOS != "windows" {
		return component
	}
	return base64Encoding.EncodeToString([]byte(component))
}

// DecodeComponent reverses encodeComponent, for callers walking an existing
// store directory tree back into a policy reference.
func DecodeComponent(component string) (string, error) {
	if runtime.GOOS != "windows" {
		return component, nil
	}
	decoded, err := base64Encoding.DecodeString(component)
	if err != nil {
		return "", errors.Wrap(err, "cannot decode store path component")
	}
	return string(decoded), nil
}
