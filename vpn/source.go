package vpn

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/yllada/ovpn-launcher/common"
)

// SourceKind identifies which variant of a ConfigSource is populated.
type SourceKind int

const (
	SourceRemoteURL SourceKind = iota + 1
	SourceLocalFile
	SourceInlineText
)

func (k SourceKind) String() string {
	switch k {
	case SourceRemoteURL:
		return "url"
	case SourceLocalFile:
		return "file"
	case SourceInlineText:
		return "inline"
	default:
		return "none"
	}
}

// ConfigSource says where a configuration document comes from. Build one
// with RemoteURL, LocalFile or InlineText; the zero value is invalid.
type ConfigSource struct {
	kind  SourceKind
	value string
}

// RemoteURL is a configuration served over HTTP(S).
func RemoteURL(u string) ConfigSource {
	return ConfigSource{kind: SourceRemoteURL, value: u}
}

// LocalFile is a configuration stored on disk.
func LocalFile(path string) ConfigSource {
	return ConfigSource{kind: SourceLocalFile, value: path}
}

// InlineText is a configuration supplied directly.
func InlineText(text string) ConfigSource {
	return ConfigSource{kind: SourceInlineText, value: text}
}

func (s ConfigSource) Kind() SourceKind { return s.kind }

// Value returns the URL, path or text, depending on Kind.
func (s ConfigSource) Value() string { return s.value }

// String describes the source without dumping inline documents.
func (s ConfigSource) String() string {
	switch s.kind {
	case SourceRemoteURL, SourceLocalFile:
		return s.kind.String() + ":" + s.value
	case SourceInlineText:
		return fmt.Sprintf("inline:%d bytes", len(s.value))
	default:
		return "none"
	}
}

// Validate reports ErrInvalidSource for empty sources and malformed URLs.
func (s ConfigSource) Validate() error {
	switch s.kind {
	case SourceRemoteURL:
		u, err := url.Parse(strings.TrimSpace(s.value))
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrInvalidSource, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: unsupported scheme %q", common.ErrInvalidSource, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: missing host in %q", common.ErrInvalidSource, s.value)
		}
	case SourceLocalFile:
		if strings.TrimSpace(s.value) == "" {
			return fmt.Errorf("%w: empty path", common.ErrInvalidSource)
		}
	case SourceInlineText:
	default:
		return fmt.Errorf("%w: no source given", common.ErrInvalidSource)
	}
	return nil
}
