package iiif

// Quality enumerates the IIIF quality parameter.
type Quality int

const (
	QualityDefault Quality = iota
	QualityColor
	QualityGray
	QualityBitonal
)

func (q Quality) String() string {
	switch q {
	case QualityColor:
		return "color"
	case QualityGray:
		return "gray"
	case QualityBitonal:
		return "bitonal"
	default:
		return "default"
	}
}

// Format enumerates output formats. Unknown formats parse to
// FormatUnsupported and are rejected later in the pipeline.
type Format int

const (
	FormatUnsupported Format = iota
	FormatJPG
	FormatTIF
	FormatPNG
	FormatGIF
	FormatJP2
	FormatPDF
	FormatWEBP
)

func (f Format) String() string {
	switch f {
	case FormatJPG:
		return "jpg"
	case FormatTIF:
		return "tif"
	case FormatPNG:
		return "png"
	case FormatGIF:
		return "gif"
	case FormatJP2:
		return "jp2"
	case FormatPDF:
		return "pdf"
	case FormatWEBP:
		return "webp"
	default:
		return "unsupported"
	}
}

// MimeType returns the Content-Type for the format, or "" when unsupported.
func (f Format) MimeType() string {
	switch f {
	case FormatJPG:
		return "image/jpeg"
	case FormatTIF:
		return "image/tiff"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatJP2:
		return "image/jp2"
	case FormatPDF:
		return "application/pdf"
	case FormatWEBP:
		return "image/webp"
	default:
		return ""
	}
}

// QualityFormat is the parsed "{quality}.{format}" URL segment.
type QualityFormat struct {
	Quality Quality
	Format  Format
}

// ParseQualityFormat validates the quality and classifies the format. Both
// empty means the IIIF defaults (default quality, jpg). An unknown quality is
// an immediate error; an unknown format is carried as FormatUnsupported.
func ParseQualityFormat(quality, format string) (QualityFormat, error) {
	if quality == "" && format == "" {
		return QualityFormat{Quality: QualityDefault, Format: FormatJPG}, nil
	}

	qf := QualityFormat{}
	switch quality {
	case "default":
		qf.Quality = QualityDefault
	case "color":
		qf.Quality = QualityColor
	case "gray":
		qf.Quality = QualityGray
	case "bitonal":
		qf.Quality = QualityBitonal
	default:
		return QualityFormat{}, newError(KindBadQualityFormat, "invalid quality %q", quality)
	}

	switch format {
	case "jpg":
		qf.Format = FormatJPG
	case "tif":
		qf.Format = FormatTIF
	case "png":
		qf.Format = FormatPNG
	case "gif":
		qf.Format = FormatGIF
	case "jp2":
		qf.Format = FormatJP2
	case "pdf":
		qf.Format = FormatPDF
	case "webp":
		qf.Format = FormatWEBP
	default:
		qf.Format = FormatUnsupported
	}
	return qf, nil
}
