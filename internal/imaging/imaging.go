package imaging

import (
	"io"

	"iiifserv/internal/iiif"
)

// SubImageInfo describes one resolution level of a source image pyramid as
// reported by the decoder.
type SubImageInfo struct {
	Reduce     int
	Width      int
	Height     int
	TileWidth  int
	TileHeight int
}

// Info is the result of a dimensions probe on an original file.
type Info struct {
	Width       int
	Height      int
	Resolutions []SubImageInfo
}

// ScalingQuality selects the interpolation effort for scaling.
type ScalingQuality int

const (
	ScalingHigh ScalingQuality = iota
	ScalingMedium
	ScalingLow
)

// ICCProfile selects the target color space for ConvertToICC.
type ICCProfile int

const (
	ICCsRGB ICCProfile = iota
	ICCGrayD50
)

// WriteParams carries encoder settings.
type WriteParams struct {
	JPEGQuality int
}

// Service is the decoder/encoder capability. The HTTP core only ever talks
// to this interface; codec internals stay behind it.
type Service interface {
	// GetDim probes width, height and the resolution pyramid of an original.
	GetDim(path string) (Info, error)

	// Read decodes the original, already cropped to the region and scaled to
	// the resolved size. jpegFastPath permits decoder shortcuts that are only
	// valid when the output will be JPEG.
	Read(path string, region *iiif.Region, size *iiif.Size, jpegFastPath bool, quality ScalingQuality) (Image, error)
}

// Image is a decoded raster mid-transformation.
type Image interface {
	Crop(x, y, w, h int) error
	Scale(w, h int) error
	Rotate(angle float64, mirror bool) error
	ConvertToICC(profile ICCProfile, bits int) error
	ToBitonal() error
	AddWatermark(path string) error
	Dimensions() (w, h int)

	// Write encodes to the given format. SeekableOutput reports whether the
	// encoder needs to seek, in which case the caller must not use chunked
	// transfer on the HTTP side.
	Write(format iiif.Format, out io.Writer, params WriteParams) error
}

// SeekableOutput reports formats whose encoders require seekable output.
func SeekableOutput(format iiif.Format) bool {
	return format == iiif.FormatTIF
}

// Metadata is an opaque carrier for EXIF/IPTC/XMP payloads travelling with
// an image. The byte contents are never interpreted here.
type Metadata struct {
	exif []byte
	iptc []byte
	xmp  []byte
}

func (m *Metadata) Exif() []byte        { return m.exif }
func (m *Metadata) SetExif(data []byte) { m.exif = data }
func (m *Metadata) Iptc() []byte        { return m.iptc }
func (m *Metadata) SetIptc(data []byte) { m.iptc = data }
func (m *Metadata) Xmp() []byte         { return m.xmp }
func (m *Metadata) SetXmp(data []byte)  { m.xmp = data }
