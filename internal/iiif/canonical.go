package iiif

import "strings"

// CanonicalURL builds the canonical fingerprint and the matching Link header
// value for a fully parsed request. Region and size are resolved against the
// image dimensions if that has not happened yet. Only jpg, jp2, tif and png
// have a canonical extension; other formats are rejected here.
func CanonicalURL(imgW, imgH int, secure bool, host, route, prefix string,
	identifier string, region *Region, size *Size, rotation Rotation,
	qf QualityFormat) (linkHeader, canonical string, err error) {

	if region.Kind != RegionFull && !region.resolved {
		if _, _, _, _, err = region.CropCoords(imgW, imgH); err != nil {
			return "", "", err
		}
	}
	regionCanon, err := region.Canonical()
	if err != nil {
		return "", "", err
	}

	if size.Kind != SizeFull && !size.resolved {
		if _, _, _, _, err = size.GetSize(imgW, imgH, -1); err != nil {
			return "", "", err
		}
	}
	sizeCanon, err := size.Canonical()
	if err != nil {
		return "", "", err
	}

	var ext string
	switch qf.Format {
	case FormatJPG, FormatJP2, FormatTIF, FormatPNG:
		ext = qf.Format.String()
	default:
		return "", "", newError(KindUnsupportedFormat,
			"unsupported format requested, supported are .jpg, .jp2, .tif, .png")
	}

	var b strings.Builder
	b.WriteString(host)
	if route != "" {
		b.WriteString("/" + route)
	}
	if prefix != "" {
		b.WriteString("/" + prefix)
	}
	b.WriteString("/" + identifier)
	b.WriteString("/" + regionCanon)
	b.WriteString("/" + sizeCanon)
	b.WriteString("/" + rotation.Canonical())
	b.WriteString("/" + qf.Quality.String() + "." + ext)
	canonical = b.String()

	scheme := "http"
	if secure {
		scheme = "https"
	}
	return "<" + scheme + "://" + canonical + ">", canonical, nil
}
