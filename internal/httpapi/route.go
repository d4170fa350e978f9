package httpapi

import "strings"

// RouteKind classifies a request path below the handler mount point.
type RouteKind int

const (
	RouteNone RouteKind = iota
	RouteImage
	RouteInfo
	RouteBlob
	RouteSpecial
)

// RouteParts holds the split URL segments of an IIIF request. Identifier is
// the raw (still URL-encoded) segment; parsing happens later.
type RouteParts struct {
	Prefix     string
	Identifier string
	Region     string
	Size       string
	Rotation   string
	Quality    string
	Format     string
	Special    string
}

// splitRoute decides which endpoint a path addresses:
//
//	.../{identifier}/{region}/{size}/{rotation}/{quality}.{format}  image
//	.../{identifier}/info.json                                      info
//	.../{identifier}/file  or  .../{identifier}                     blob
//	.../{identifier}/{named}                                        special
//
// Everything in front of the identifier is the prefix and may span several
// segments. The image form is recognized by its four trailing parameter
// segments with a dotted last one.
func splitRoute(path string) (RouteParts, RouteKind) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return RouteParts{}, RouteNone
	}
	segs := strings.Split(trimmed, "/")
	n := len(segs)
	last := segs[n-1]

	switch {
	case last == "info.json" && n >= 2:
		return RouteParts{
			Prefix:     strings.Join(segs[:n-2], "/"),
			Identifier: segs[n-2],
		}, RouteInfo

	case last == "file" && n >= 2:
		return RouteParts{
			Prefix:     strings.Join(segs[:n-2], "/"),
			Identifier: segs[n-2],
		}, RouteBlob

	case n >= 5 && strings.Contains(last, "."):
		dot := strings.LastIndex(last, ".")
		return RouteParts{
			Prefix:     strings.Join(segs[:n-5], "/"),
			Identifier: segs[n-5],
			Region:     segs[n-4],
			Size:       segs[n-3],
			Rotation:   segs[n-2],
			Quality:    last[:dot],
			Format:     last[dot+1:],
		}, RouteImage

	case n >= 3:
		return RouteParts{
			Prefix:     strings.Join(segs[:n-2], "/"),
			Identifier: segs[n-2],
			Special:    last,
		}, RouteSpecial

	case n == 2:
		return RouteParts{
			Prefix:     segs[0],
			Identifier: segs[1],
		}, RouteBlob

	default:
		return RouteParts{Identifier: segs[0]}, RouteBlob
	}
}
