// Package imageref classifies image references and loads them into pixel buffers.
package imageref

import (
	"fmt"
	"strings"
)

// Kind is the syntactic form of an image reference.
type Kind int

const (
	KindPath Kind = iota
	KindURL
	KindDataURI
)

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindDataURI:
		return "data-uri"
	case KindPath:
		return "path"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Ref is an image reference tagged with its kind.
type Ref struct {
	Kind  Kind
	Value string
}

// URL references a remote image fetched over HTTP.
func URL(u string) Ref { return Ref{Kind: KindURL, Value: u} }

// DataURI references an image embedded as base64 in a data URI.
func DataURI(s string) Ref { return Ref{Kind: KindDataURI, Value: s} }

// Path references a local file.
func Path(p string) Ref { return Ref{Kind: KindPath, Value: p} }

// Classify picks the kind of s from its prefix: an http or https scheme is a URL,
// "data:image" is a data URI, anything else is a local path.
func Classify(s string) Ref {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return URL(s)
	case strings.HasPrefix(lower, "data:image"):
		return DataURI(s)
	default:
		return Path(s)
	}
}

// String returns a log-safe description. Data URI payloads are elided.
func (r Ref) String() string {
	if r.Kind == KindDataURI {
		head, _, _ := strings.Cut(r.Value, ",")
		return fmt.Sprintf("%s(%s,…%d bytes)", r.Kind, head, len(r.Value))
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Value)
}
