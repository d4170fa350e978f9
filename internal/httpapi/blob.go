package httpapi

import (
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"iiifserv/internal/iiif"
	"iiifserv/internal/preflight"
)

// handleBlob streams the original file as-is, with byte-range support. The
// file pre-flight callback (when configured) gates access and may redirect
// to a different path.
func (h *Handler) handleBlob(c *gin.Context, parts RouteParts) {
	ident := iiif.ParseIdentifier(parts.Identifier)

	info, err := h.runPreflight(c, h.cfg.IIIF.FilePreflight, parts.Prefix, ident.Name)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, err.Error())
		return
	}
	switch info.Type() {
	case preflight.TypeAllow, preflight.TypeRestrict:
	default:
		h.sendError(c, http.StatusUnauthorized, "unauthorized access")
		return
	}
	infile := info["infile"]

	fi, err := os.Stat(infile)
	if err != nil {
		h.logger.Warn("file not accessible", "infile", infile)
		h.sendError(c, http.StatusNotFound, "file not accessible")
		return
	}

	_, mimetype := sniffFile(infile)
	lastModified := fi.ModTime().UTC().Format(http.TimeFormat)

	c.Header("Content-Type", mimetype)
	c.Header("Cache-Control", "public, must-revalidate, max-age=0")
	c.Header("Pragma", "no-cache")
	c.Header("Accept-Ranges", "bytes")
	c.Header("Last-Modified", lastModified)

	rangeHeader := c.GetHeader("Range")
	if rangeHeader == "" {
		c.Header("Content-Length", strconv.FormatInt(fi.Size(), 10))
		c.Status(http.StatusOK)
		h.streamFile(c, infile, 0, fi.Size()-1)
		return
	}

	start, end, err := parseRange(rangeHeader, fi.Size())
	if err != nil {
		h.sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.Header("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(fi.Size(), 10))
	c.Header("Content-Length", strconv.FormatInt(end-start+1, 10))
	c.Header("Content-Disposition", "inline; filename="+parts.Identifier)
	c.Status(http.StatusPartialContent)
	h.streamFile(c, infile, start, end)
}
