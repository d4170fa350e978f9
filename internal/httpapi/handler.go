package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"iiifserv/internal/cache"
	"iiifserv/internal/config"
	"iiifserv/internal/iiif"
	"iiifserv/internal/imaging"
	"iiifserv/internal/preflight"
	"iiifserv/internal/version"
)

const renderedCacheControl = "must-revalidate, post-check=0, pre-check=0"

// Handler serves the IIIF endpoints.
type Handler struct {
	cfg      *config.Config
	cache    *cache.Manager // nil when caching is disabled
	imaging  imaging.Service
	registry *preflight.Registry
	logger   *slog.Logger
}

// NewHandler constructs the HTTP handler.
func NewHandler(cfg *config.Config, cacheManager *cache.Manager, svc imaging.Service, registry *preflight.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		cache:    cacheManager,
		imaging:  svc,
		registry: registry,
		logger:   logger.With("component", "handler"),
	}
}

// Register attaches all IIIF routes to the gin engine. The IIIF grammar has
// a variable number of prefix segments, so dispatch happens on the full path.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/*iiifpath", h.dispatch)
	r.HEAD("/*iiifpath", h.dispatch)
}

func (h *Handler) dispatch(c *gin.Context) {
	start := time.Now()
	requestID := uuid.NewString()
	c.Header("X-Request-Id", requestID)
	c.Header("Server", version.Identifier())

	parts, kind := splitRoute(c.Param("iiifpath"))
	switch kind {
	case RouteImage:
		h.handleImage(c, parts)
	case RouteInfo:
		h.handleInfo(c, parts)
	case RouteBlob:
		h.handleBlob(c, parts)
	case RouteSpecial:
		h.handleSpecial(c, parts)
	default:
		h.sendError(c, http.StatusBadRequest, "cannot interpret request path")
		return
	}

	h.logger.Info("request served",
		slog.String("request_id", requestID),
		slog.String("remote_ip", c.ClientIP()),
		slog.String("uri", c.Request.RequestURI),
		slog.Int("status", c.Writer.Status()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// runPreflight invokes the configured authorization callback, or falls back
// to the imgroot path construction when none is registered.
func (h *Handler) runPreflight(c *gin.Context, name, prefix, identifier string) (preflight.Info, error) {
	fn, ok := h.registry.Lookup(name)
	if !ok {
		return preflight.Info{
			"type":   preflight.TypeAllow,
			"infile": h.cfg.InfilePath(prefix, identifier),
		}, nil
	}
	info, err := fn(prefix, identifier, c.GetHeader("Cookie"))
	if err != nil {
		return nil, err
	}
	if info["infile"] == "" {
		info["infile"] = h.cfg.InfilePath(prefix, identifier)
	}
	return info, nil
}

func (h *Handler) handleImage(c *gin.Context, parts RouteParts) {
	ident := iiif.ParseIdentifier(parts.Identifier)

	region, err := iiif.ParseRegion(parts.Region)
	if err != nil {
		h.sendError(c, statusForError(err), err.Error())
		return
	}
	size, err := iiif.ParseSize(parts.Size, h.cfg.IIIF.MaxImageWidth, h.cfg.IIIF.MaxImageHeight, h.cfg.IIIF.MaxImageArea)
	if err != nil {
		h.sendError(c, statusForError(err), err.Error())
		return
	}
	rotation, err := iiif.ParseRotation(parts.Rotation)
	if err != nil {
		h.sendError(c, statusForError(err), err.Error())
		return
	}
	qf, err := iiif.ParseQualityFormat(parts.Quality, parts.Format)
	if err != nil {
		h.sendError(c, statusForError(err), err.Error())
		return
	}

	// authorization pre-flight
	var (
		infile      string
		watermark   string
		restriction = iiif.UndefinedSize()
	)
	info, err := h.runPreflight(c, h.cfg.IIIF.Preflight, parts.Prefix, ident.Name)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, err.Error())
		return
	}
	infile = info["infile"]
	switch info.Type() {
	case preflight.TypeAllow:
	case preflight.TypeRestrict:
		ok := false
		if wm, present := info["watermark"]; present {
			watermark = wm
			ok = true
		}
		if restr, present := info["size"]; present {
			restriction, err = iiif.ParseSize(restr, h.cfg.IIIF.MaxImageWidth, h.cfg.IIIF.MaxImageHeight, h.cfg.IIIF.MaxImageArea)
			if err != nil {
				h.sendError(c, http.StatusInternalServerError, err.Error())
				return
			}
			ok = true
		}
		if !ok {
			h.sendError(c, http.StatusUnauthorized, "unauthorized access")
			return
		}
	default:
		h.sendError(c, http.StatusUnauthorized, "unauthorized access")
		return
	}

	if _, err := os.Stat(infile); err != nil {
		h.logger.Info("file not found", slog.String("infile", infile))
		h.sendError(c, http.StatusNotFound, "")
		return
	}
	inFormat, _ := sniffFile(infile)

	imgW, imgH, resolutions, err := h.lookupDimensions(infile)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, err.Error())
		return
	}

	if _, _, _, _, err := size.GetSize(imgW, imgH, -1); err != nil {
		h.sendError(c, statusForError(err), err.Error())
		return
	}
	if !restriction.Undefined() {
		if _, _, _, _, err := restriction.GetSize(imgW, imgH, -1); err != nil {
			h.sendError(c, statusForError(err), err.Error())
			return
		}
		if over, err := size.Greater(restriction); err == nil && over {
			size = restriction
		}
	}

	linkHeader, canonical, err := iiif.CanonicalURL(imgW, imgH, c.Request.TLS != nil,
		c.Request.Host, h.cfg.IIIF.Route, parts.Prefix, ident.Name, region, size, rotation, qf)
	if err != nil {
		h.sendError(c, statusForError(err), err.Error())
		return
	}

	// Fast path: the request boils down to the unmodified original.
	if region.Kind == iiif.RegionFull && size.Kind == iiif.SizeFull && rotation.Identity() &&
		watermark == "" && qf.Quality == iiif.QualityDefault && qf.Format == inFormat {
		h.sendFileDirect(c, infile, qf.Format.MimeType(), linkHeader)
		return
	}

	if h.cache != nil {
		cached, err := h.cache.Check(infile, canonical, true)
		if err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
		if cached != "" {
			defer h.cache.Deblock(cached)
			h.logger.Debug("serving from cache", slog.String("cachefile", cached))
			c.Header("Cache-Control", renderedCacheControl)
			c.Header("Link", linkHeader)
			c.Header("Content-Type", qf.Format.MimeType())
			c.File(cached)
			return
		}
	}

	h.renderImage(c, renderRequest{
		infile:      infile,
		canonical:   canonical,
		linkHeader:  linkHeader,
		region:      region,
		size:        size,
		rotation:    rotation,
		qf:          qf,
		watermark:   watermark,
		imgW:        imgW,
		imgH:        imgH,
		resolutions: resolutions,
	})
}

// lookupDimensions reads width/height/resolutions from the size-record cache
// or probes the decoder and caches the probe.
func (h *Handler) lookupDimensions(infile string) (int, int, []imaging.SubImageInfo, error) {
	if h.cache != nil {
		si, err := h.cache.GetSize(infile)
		if err != nil {
			return 0, 0, nil, err
		}
		if si != nil {
			return si.ImgW, si.ImgH, si.Resolutions, nil
		}
	}
	probe, err := h.imaging.GetDim(infile)
	if err != nil {
		return 0, 0, nil, err
	}
	if h.cache != nil {
		if err := h.cache.PutSize(infile, cache.SizeInfo{
			ImgW:        probe.Width,
			ImgH:        probe.Height,
			Resolutions: probe.Resolutions,
		}); err != nil {
			h.logger.Warn("caching image dimensions failed", slog.Any("error", err))
		}
	}
	return probe.Width, probe.Height, probe.Resolutions, nil
}

type renderRequest struct {
	infile      string
	canonical   string
	linkHeader  string
	region      *iiif.Region
	size        *iiif.Size
	rotation    iiif.Rotation
	qf          iiif.QualityFormat
	watermark   string
	imgW        int
	imgH        int
	resolutions []imaging.SubImageInfo
}

// renderImage runs the transformation pipeline and streams the encoded
// result to the client while teeing it into a fresh cache file.
func (h *Handler) renderImage(c *gin.Context, req renderRequest) {
	img, err := h.imaging.Read(req.infile, req.region, req.size,
		req.qf.Format == iiif.FormatJPG, imaging.ScalingQuality(h.cfg.ScalingQualityValue()))
	if err != nil {
		h.sendError(c, statusForError(err), err.Error())
		return
	}

	if !req.rotation.Identity() {
		if err := img.Rotate(req.rotation.Angle, req.rotation.Mirror); err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	switch req.qf.Quality {
	case iiif.QualityDefault:
	case iiif.QualityColor:
		if err := img.ConvertToICC(imaging.ICCsRGB, 8); err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
	case iiif.QualityGray:
		if err := img.ConvertToICC(imaging.ICCGrayD50, 8); err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
	case iiif.QualityBitonal:
		if err := img.ToBitonal(); err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.watermark != "" {
		if err := img.AddWatermark(req.watermark); err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
		h.logger.Info("watermark added", slog.String("uri", c.Request.RequestURI))
	}

	var (
		tmpName string
		tmpFile *os.File
	)
	if h.cache != nil {
		tmpName, err = h.cache.NewCacheFile()
		if err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
		tmpFile, err = os.OpenFile(tmpName, os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			os.Remove(tmpName)
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	discardTemp := func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpName)
			tmpFile = nil
		}
	}

	params := imaging.WriteParams{JPEGQuality: h.cfg.IIIF.JPEGQuality}

	if imaging.SeekableOutput(req.qf.Format) {
		// The encoder needs to seek, so the body is assembled first and sent
		// with an explicit length instead of chunked transfer.
		var buf bytes.Buffer
		var out io.Writer = &buf
		if tmpFile != nil {
			out = io.MultiWriter(&buf, tmpFile)
		}
		if err := img.Write(req.qf.Format, out, params); err != nil {
			discardTemp()
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.Header("Cache-Control", renderedCacheControl)
		c.Header("Link", req.linkHeader)
		c.Data(http.StatusOK, req.qf.Format.MimeType(), buf.Bytes())
	} else {
		c.Header("Cache-Control", renderedCacheControl)
		c.Header("Link", req.linkHeader)
		c.Header("Content-Type", req.qf.Format.MimeType())
		c.Status(http.StatusOK)
		var out io.Writer = c.Writer
		if tmpFile != nil {
			out = io.MultiWriter(c.Writer, tmpFile)
		}
		if err := img.Write(req.qf.Format, out, params); err != nil {
			discardTemp()
			if c.Writer.Written() {
				// Response already underway; a failed write here is almost
				// always the peer hanging up. Release resources and stop.
				h.logger.Warn("client closed connection mid-stream",
					slog.String("uri", c.Request.RequestURI))
				return
			}
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if tmpFile != nil {
		if err := tmpFile.Close(); err != nil {
			os.Remove(tmpName)
			h.logger.Error("closing cache file failed", slog.Any("error", err))
			return
		}
		tmpFile = nil
		if err := h.cache.Add(req.infile, req.canonical, tmpName, req.imgW, req.imgH, req.resolutions); err != nil {
			os.Remove(tmpName)
			h.logger.Error("cache insert failed", slog.Any("error", err))
		}
	}
}

// sendFileDirect streams an unmodified original, honoring byte ranges.
func (h *Handler) sendFileDirect(c *gin.Context, path, mimetype, linkHeader string) {
	info, err := os.Stat(path)
	if err != nil {
		h.sendError(c, http.StatusNotFound, "")
		return
	}

	c.Header("Cache-Control", renderedCacheControl)
	c.Header("Link", linkHeader)
	c.Header("Content-Type", mimetype)

	rangeHeader := c.GetHeader("Range")
	if rangeHeader == "" {
		c.Header("Content-Length", strconv.FormatInt(info.Size(), 10))
		c.Status(http.StatusOK)
		h.streamFile(c, path, 0, info.Size()-1)
		return
	}

	start, end, err := parseRange(rangeHeader, info.Size())
	if err != nil {
		h.sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(info.Size(), 10))
	c.Header("Content-Length", strconv.FormatInt(end-start+1, 10))
	c.Status(http.StatusPartialContent)
	h.streamFile(c, path, start, end)
}

// streamFile copies the byte range [start,end] to the client. Write failures
// are peer hangups and only logged.
func (h *Handler) streamFile(c *gin.Context, path string, start, end int64) {
	f, err := os.Open(path)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			h.sendError(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if _, err := io.CopyN(c.Writer, f, end-start+1); err != nil {
		h.logger.Warn("client closed connection mid-stream",
			slog.String("uri", c.Request.RequestURI))
	}
}
