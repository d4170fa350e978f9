package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"iiifserv/internal/iiif"
)

// sniffFile determines the best mimetype for a file from its magic bytes,
// falling back to the extension. The returned format is the IIIF source
// format classification driving the direct-send fast path.
func sniffFile(path string) (iiif.Format, string) {
	head := make([]byte, 512)
	if f, err := os.Open(path); err == nil {
		n, _ := f.Read(head)
		f.Close()
		head = head[:n]
	} else {
		head = nil
	}

	mimetype := ""
	switch {
	case len(head) >= 4 && (bytes.HasPrefix(head, []byte("II*\x00")) || bytes.HasPrefix(head, []byte("MM\x00*"))):
		mimetype = "image/tiff"
	case len(head) >= 12 && bytes.Equal(head[4:12], []byte("jP  \r\n\x87\n")):
		mimetype = "image/jp2"
	case len(head) >= 4 && bytes.HasPrefix(head, []byte("\xff\x4f\xff\x51")):
		mimetype = "image/jpx"
	case len(head) >= 5 && bytes.HasPrefix(head, []byte("%PDF-")):
		mimetype = "application/pdf"
	case len(head) > 0:
		if detected := http.DetectContentType(head); detected != "application/octet-stream" {
			mimetype = detected
		}
	}
	if mimetype == "" {
		mimetype = mimetypeByExtension(path)
	}
	return formatForMimetype(mimetype), mimetype
}

func mimetypeByExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".jp2", ".jpx":
		return "image/jp2"
	case ".pdf":
		return "application/pdf"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func formatForMimetype(mimetype string) iiif.Format {
	switch mimetype {
	case "image/jpeg":
		return iiif.FormatJPG
	case "image/tiff":
		return iiif.FormatTIF
	case "image/png":
		return iiif.FormatPNG
	case "image/gif":
		return iiif.FormatGIF
	case "image/jp2", "image/jpx":
		return iiif.FormatJP2
	case "application/pdf":
		return iiif.FormatPDF
	case "image/webp":
		return iiif.FormatWEBP
	default:
		return iiif.FormatUnsupported
	}
}

// isImageMimetype reports whether info.json should describe the file as an
// IIIF image service.
func isImageMimetype(mimetype string) bool {
	switch mimetype {
	case "image/tiff", "image/jpeg", "image/png", "image/jpx", "image/jp2":
		return true
	default:
		return false
	}
}
