package imaging

import (
	"fmt"
	"io"
	"math"
	"os"

	"log/slog"

	"github.com/h2non/bimg"

	"iiifserv/internal/iiif"
)

// BimgService implements the capability on top of libvips via bimg.
type BimgService struct {
	logger *slog.Logger
}

// NewBimgService constructs the libvips-backed capability.
func NewBimgService(logger *slog.Logger) *BimgService {
	return &BimgService{logger: logger.With("component", "imaging")}
}

// GetDim probes the image dimensions. libvips exposes no tile pyramid
// through bimg, so a single full-resolution level is reported.
func (s *BimgService) GetDim(path string) (Info, error) {
	buf, err := bimg.Read(path)
	if err != nil {
		return Info{}, fmt.Errorf("read %s: %w", path, err)
	}
	size, err := bimg.NewImage(buf).Size()
	if err != nil {
		return Info{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	return Info{
		Width:  size.Width,
		Height: size.Height,
		Resolutions: []SubImageInfo{
			{Reduce: 0, Width: size.Width, Height: size.Height},
		},
	}, nil
}

// Read decodes the original, crops it to the resolved region and scales it
// to the resolved size.
func (s *BimgService) Read(path string, region *iiif.Region, size *iiif.Size, jpegFastPath bool, quality ScalingQuality) (Image, error) {
	buf, err := bimg.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	img := &bimgImage{buf: buf, quality: quality}

	dims, err := bimg.NewImage(buf).Size()
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}

	x, y, w, h, err := region.CropCoords(dims.Width, dims.Height)
	if err != nil {
		return nil, err
	}
	if region.Kind != iiif.RegionFull {
		if err := img.Crop(x, y, w, h); err != nil {
			return nil, err
		}
	}

	outW, outH, _, _, err := size.GetSize(w, h, -1)
	if err != nil {
		return nil, err
	}
	if size.Kind != iiif.SizeFull && (outW != w || outH != h) {
		if err := img.Scale(outW, outH); err != nil {
			return nil, err
		}
	}
	return img, nil
}

type bimgImage struct {
	buf     []byte
	quality ScalingQuality
}

func (i *bimgImage) process(opts bimg.Options) error {
	out, err := bimg.NewImage(i.buf).Process(opts)
	if err != nil {
		return fmt.Errorf("process image: %w", err)
	}
	i.buf = out
	return nil
}

func (i *bimgImage) Crop(x, y, w, h int) error {
	out, err := bimg.NewImage(i.buf).Extract(y, x, w, h)
	if err != nil {
		return fmt.Errorf("crop image: %w", err)
	}
	i.buf = out
	return nil
}

func (i *bimgImage) Scale(w, h int) error {
	opts := bimg.Options{Width: w, Height: h, Force: true}
	if i.quality == ScalingLow {
		opts.Interpolator = bimg.Nearest
	}
	return i.process(opts)
}

// Rotate handles the quarter-turn family natively; libvips offers no
// arbitrary-angle rotation through bimg.
func (i *bimgImage) Rotate(angle float64, mirror bool) error {
	opts := bimg.Options{Flop: mirror}
	turns := math.Mod(angle, 360)
	switch turns {
	case 0:
		if !mirror {
			return nil
		}
	case 90, 180, 270:
		opts.Rotate = bimg.Angle(int(turns))
	default:
		return fmt.Errorf("rotation by %g degrees not supported by this backend", angle)
	}
	return i.process(opts)
}

func (i *bimgImage) ConvertToICC(profile ICCProfile, bits int) error {
	opts := bimg.Options{}
	switch profile {
	case ICCGrayD50:
		opts.Interpretation = bimg.InterpretationBW
	default:
		opts.Interpretation = bimg.InterpretationSRGB
	}
	return i.process(opts)
}

func (i *bimgImage) ToBitonal() error {
	return i.process(bimg.Options{Interpretation: bimg.InterpretationBW})
}

func (i *bimgImage) AddWatermark(path string) error {
	mark, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read watermark %s: %w", path, err)
	}
	return i.process(bimg.Options{
		WatermarkImage: bimg.WatermarkImage{Left: 0, Top: 0, Buf: mark, Opacity: 0.5},
	})
}

func (i *bimgImage) Dimensions() (int, int) {
	size, err := bimg.NewImage(i.buf).Size()
	if err != nil {
		return 0, 0
	}
	return size.Width, size.Height
}

func (i *bimgImage) Write(format iiif.Format, out io.Writer, params WriteParams) error {
	opts := bimg.Options{StripMetadata: true, Interlace: true}
	switch format {
	case iiif.FormatJPG:
		opts.Type = bimg.JPEG
		opts.Quality = params.JPEGQuality
	case iiif.FormatPNG:
		opts.Type = bimg.PNG
	case iiif.FormatTIF:
		opts.Type = bimg.TIFF
	case iiif.FormatWEBP:
		opts.Type = bimg.WEBP
	default:
		return fmt.Errorf("format %s not supported by this backend", format)
	}
	encoded, err := bimg.NewImage(i.buf).Process(opts)
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	if _, err := out.Write(encoded); err != nil {
		return fmt.Errorf("write encoded image: %w", err)
	}
	return nil
}
