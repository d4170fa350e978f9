package httpapi

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"log/slog"

	"github.com/gin-gonic/gin"

	"iiifserv/internal/iiif"
)

// sendError emits a plain-text error response "{reason}[: {detail}]" and
// logs the request URI with the failure.
func (h *Handler) sendError(c *gin.Context, status int, detail string) {
	reason := http.StatusText(status)
	body := reason
	if detail != "" {
		body += ": " + detail
	}
	c.Header("Content-Type", "text/plain")
	c.String(status, body)
	c.Abort()
	h.logger.Error("request failed",
		slog.String("uri", c.Request.RequestURI),
		slog.Int("status", status),
		slog.String("reason", reason))
}

// statusForError maps parameter/resolution failures to HTTP status codes.
func statusForError(err error) int {
	switch iiif.KindOf(err) {
	case iiif.KindBadRegion, iiif.KindBadSize, iiif.KindBadRotation,
		iiif.KindBadQualityFormat, iiif.KindBadIdentifier,
		iiif.KindUpscalingForbidden, iiif.KindSizeTooLarge,
		iiif.KindUnsupportedFormat:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var rangePattern = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

// parseRange parses a strict "bytes=A-(B)?" header. B defaults to the last
// byte of the file.
func parseRange(header string, fsize int64) (start, end int64, err error) {
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return 0, 0, fmt.Errorf("range expression invalid: %q", header)
	}
	start, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("range expression invalid: %q", header)
	}
	end = fsize - 1
	if m[2] != "" {
		end, err = strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("range expression invalid: %q", header)
		}
	}
	if start > end || start >= fsize {
		return 0, 0, fmt.Errorf("range out of bounds: %q", header)
	}
	if end >= fsize {
		end = fsize - 1
	}
	return start, end, nil
}
