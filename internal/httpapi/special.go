package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"iiifserv/internal/iiif"
)

// handleSpecial invokes a registered named callback with (prefix,
// identifier, cookie) and wraps its single return value in a status JSON.
func (h *Handler) handleSpecial(c *gin.Context, parts RouteParts) {
	fn, ok := h.registry.LookupSpecial(parts.Special)
	if !ok {
		h.sendError(c, http.StatusNotFound, "")
		return
	}

	ident := iiif.ParseIdentifier(parts.Identifier)

	var body gin.H
	result, err := fn(parts.Prefix, ident.Name, c.GetHeader("Cookie"))
	if err != nil {
		body = gin.H{"status": "ERROR", "errormsg": err.Error()}
	} else {
		body = gin.H{"status": "OK", "result": result}
	}

	c.Header("Access-Control-Allow-Origin", "*")
	c.IndentedJSON(http.StatusOK, body)
}
