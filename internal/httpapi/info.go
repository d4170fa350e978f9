package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"iiifserv/internal/iiif"
	"iiifserv/internal/imaging"
	"iiifserv/internal/preflight"
)

const (
	imageContext = "http://iiif.io/api/image/3/context.json"
	fileContext  = "http://omas.io/api/file/3/context.json"
	authContext  = "http://iiif.io/api/auth/1/context.json"
)

var extraFeatures = []string{
	"baseUriRedirect", "canonicalLinkHeader", "cors", "jsonldMediaType",
	"mirroring", "profileLinkHeader", "regionByPct", "regionByPx",
	"regionSquare", "rotationArbitrary", "rotationBy90s", "sizeByConfinedWh",
	"sizeByH", "sizeByPct", "sizeByW", "sizeByWh", "sizeUpscaling",
}

// handleInfo produces the IIIF info.json descriptor for images and a plain
// file descriptor for everything else.
func (h *Handler) handleInfo(c *gin.Context, parts RouteParts) {
	ident := iiif.ParseIdentifier(parts.Identifier)

	info, err := h.runPreflight(c, h.cfg.IIIF.Preflight, parts.Prefix, ident.Name)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if info.Type() == preflight.TypeDeny {
		h.sendError(c, http.StatusUnauthorized, "unauthorized access")
		return
	}
	infile := info["infile"]
	if _, err := os.Stat(infile); err != nil {
		h.sendError(c, http.StatusNotFound, "")
		return
	}

	_, mimetype := sniffFile(infile)
	isImage := isImageMimetype(mimetype)

	root := map[string]any{}
	if isImage {
		root["@context"] = imageContext
	} else {
		root["@context"] = fileContext
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	var id strings.Builder
	id.WriteString(scheme + "://" + c.Request.Host + "/")
	if h.cfg.IIIF.Route != "" {
		id.WriteString(h.cfg.IIIF.Route + "/")
	}
	if parts.Prefix != "" {
		id.WriteString(parts.Prefix + "/")
	}
	id.WriteString(parts.Identifier)
	root["id"] = id.String()

	status := http.StatusOK

	switch info.Type() {
	case preflight.TypeLogin, preflight.TypeClickthrough, preflight.TypeKiosk, preflight.TypeExternal:
		service, err := buildAuthService(info)
		if err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
		root["service"] = service
		status = http.StatusUnauthorized
	}

	if isImage {
		root["type"] = "ImageService3"
		root["protocol"] = "http://iiif.io/api/image"
		root["profile"] = "level2"

		imgW, imgH, resolutions, err := h.lookupDimensions(infile)
		if err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
		root["width"] = imgW
		root["height"] = imgH

		if sizes := buildSizes(imgW, imgH, resolutions); len(sizes) > 0 {
			root["sizes"] = sizes
		}
		if tiles := buildTiles(resolutions); len(tiles) > 0 {
			root["tiles"] = tiles
		}

		root["extraFormats"] = []string{"tif", "jp2"}
		root["extraQualities"] = []string{"color", "gray", "bitonal"}
		root["preferredFormats"] = []string{"jpg", "tif", "jp2", "png"}
		root["extraFeatures"] = extraFeatures
	} else {
		fi, err := os.Stat(infile)
		if err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
		root["internalMimeType"] = mimetype
		root["fileSize"] = fi.Size()
	}

	context := imageContext
	if !isImage {
		context = fileContext
	}
	c.Header("Access-Control-Allow-Origin", "*")
	if c.GetHeader("Accept") == "application/ld+json" {
		c.Header("Content-Type", `application/ld+json;profile="`+context+`"`)
	} else {
		c.Header("Content-Type", "application/json")
		c.Header("Link", `<`+context+`>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`)
	}

	payload, err := json.MarshalIndent(root, "", "   ")
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(status)
	c.Writer.Write(payload)
}

// buildAuthService composes the IIIF Authentication API service descriptor
// for a login-type verdict. cookieUrl and tokenUrl are mandatory; remaining
// verdict keys pass through.
func buildAuthService(info preflight.Info) (map[string]any, error) {
	cookieURL, ok := info["cookieUrl"]
	if !ok {
		return nil, errors.New("pre-flight returned login type but no cookieUrl")
	}
	tokenURL, ok := info["tokenUrl"]
	if !ok {
		return nil, errors.New("pre-flight returned login type but no tokenUrl")
	}

	service := map[string]any{
		"@context": authContext,
		"@id":      cookieURL,
		"profile":  "http://iiif.io/api/auth/1/" + info.Type(),
	}
	for key, value := range info {
		switch key {
		case "cookieUrl", "tokenUrl", "logoutUrl", "infile", "type":
			continue
		}
		service[key] = value
	}

	subservices := []map[string]any{
		{"@id": tokenURL, "profile": "http://iiif.io/api/auth/1/token"},
	}
	if logoutURL, ok := info["logoutUrl"]; ok {
		subservices = append(subservices, map[string]any{
			"@id": logoutURL, "profile": "http://iiif.io/api/auth/1/logout",
		})
	}
	service["service"] = subservices
	return service, nil
}

// buildSizes lists each distinct sub-image resolution except the full size.
func buildSizes(imgW, imgH int, resolutions []imaging.SubImageInfo) []map[string]any {
	sizes := make([]map[string]any, 0, len(resolutions))
	for _, res := range resolutions {
		if res.Width == imgW && res.Height == imgH {
			continue
		}
		sizes = append(sizes, map[string]any{"width": res.Width, "height": res.Height})
	}
	return sizes
}

// buildTiles groups consecutive resolutions sharing a tile geometry into one
// entry carrying their scale factors.
func buildTiles(resolutions []imaging.SubImageInfo) []map[string]any {
	tiles := make([]map[string]any, 0, 2)
	tw, th := 0, 0
	var scaleFactors []int
	flush := func() {
		if len(scaleFactors) == 0 {
			return
		}
		tiles = append(tiles, map[string]any{
			"width": tw, "height": th, "scaleFactors": scaleFactors,
		})
		scaleFactors = nil
	}
	for _, res := range resolutions {
		if res.TileWidth == 0 || res.TileHeight == 0 {
			continue
		}
		if res.TileWidth != tw || res.TileHeight != th {
			flush()
			tw, th = res.TileWidth, res.TileHeight
		}
		scaleFactors = append(scaleFactors, 1<<res.Reduce)
	}
	flush()
	return tiles
}
