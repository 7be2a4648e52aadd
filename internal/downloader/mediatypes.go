package downloader

import "strings"

// excludeMediaTypes lists the media types that are treated as content
// rather than downloadable files. Matching is case-insensitive on the
// parsed media type.
var excludeMediaTypes = map[string]struct{}{
	"text/html":                         {},
	"text/plain":                        {},
	"text/richtext":                     {},
	"text/xml":                          {},
	"text/json":                         {},
	"text/javascript":                   {},
	"application/soap+xml":              {},
	"application/xml":                   {},
	"application/json":                  {},
	"application/x-javascript":          {},
	"application/javascript":            {},
	"application/x-www-form-urlencoded": {},
}

// isTextMediaType reports whether the media type belongs to the
// text/markup/JSON/form set that is decoded instead of saved to disk.
func isTextMediaType(mediaType string) bool {
	_, ok := excludeMediaTypes[strings.ToLower(mediaType)]
	return ok
}
