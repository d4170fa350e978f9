package iiif

import (
	"net/url"
	"strconv"
	"strings"
)

// Identifier is the image identifier from the URL, with an optional page
// number for multipage containers written as "identifier@page".
type Identifier struct {
	Name string
	Page int
}

// ParseIdentifier splits the optional "@page" suffix and URL-decodes the
// identifier part. A malformed page suffix yields page 0, never an error.
func ParseIdentifier(raw string) Identifier {
	name := raw
	page := 0
	if pos := strings.LastIndex(raw, "@"); pos >= 0 {
		name = raw[:pos]
		if n, err := strconv.Atoi(raw[pos+1:]); err == nil {
			page = n
		}
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return Identifier{Name: name, Page: page}
}
