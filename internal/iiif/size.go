package iiif

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SizeKind tags the size variant from the IIIF v3 grammar.
type SizeKind int

const (
	SizeUndefined SizeKind = iota
	SizeFull
	SizePixelsX
	SizePixelsY
	SizePixelsXY
	SizeMaxDim
	SizePercents
	SizeReduce
)

// LimitDim caps any requested dimension regardless of configuration.
const LimitDim = 32000

// Size is the parsed IIIF size parameter. GetSize resolves it against actual
// image dimensions and computes the pyramid reduce level; the canonical form
// and the ordering operators are only valid afterwards.
type Size struct {
	Kind      SizeKind
	Upscaling bool

	nx, ny  int
	percent float64
	reduce  int

	w, h      int
	outReduce int
	redonly   bool
	resolved  bool
}

// UndefinedSize returns the sentinel used for "no restriction".
func UndefinedSize() *Size {
	return &Size{Kind: SizeUndefined}
}

// ParseSize parses the size segment. maxW, maxH and maxArea are hard caps
// (0 disables each); explicit dimensions beyond them are rejected.
func ParseSize(s string, maxW, maxH, maxArea int) (*Size, error) {
	orig := s
	sz := &Size{}

	if strings.HasPrefix(s, "^") {
		sz.Upscaling = true
		s = s[1:]
	}
	exclamation := strings.HasPrefix(s, "!")
	if exclamation {
		s = s[1:]
	}

	switch {
	case s == "" || s == "max":
		sz.Kind = SizeFull
	case strings.HasPrefix(s, "pct:"):
		if exclamation {
			return nil, newError(KindBadSize, "invalid size %q: %q not allowed here", orig, "!")
		}
		p, err := strconv.ParseFloat(s[4:], 64)
		if err != nil {
			return nil, newError(KindBadSize, "invalid size %q", orig)
		}
		if p < 0 {
			p = 1.0
		}
		sz.Kind = SizePercents
		sz.percent = p
	case strings.HasPrefix(s, "red:"):
		if exclamation {
			return nil, newError(KindBadSize, "invalid size %q: %q not allowed here", orig, "!")
		}
		k, err := strconv.Atoi(s[4:])
		if err != nil {
			return nil, newError(KindBadSize, "invalid size %q", orig)
		}
		if k < 0 {
			k = 0
		}
		sz.Kind = SizeReduce
		sz.reduce = k
	default:
		comma := strings.Index(s, ",")
		if comma < 0 {
			return nil, newError(KindBadSize, "invalid size %q", orig)
		}
		widthStr, heightStr := s[:comma], s[comma+1:]
		if widthStr == "" && heightStr == "" {
			return nil, newError(KindBadSize, "invalid size %q", orig)
		}
		switch {
		case widthStr == "":
			if exclamation {
				return nil, newError(KindBadSize, "invalid size %q: %q not allowed here", orig, "!")
			}
			ny, err := parseSizeDim(heightStr)
			if err != nil {
				return nil, newError(KindBadSize, "invalid size %q", orig)
			}
			sz.Kind = SizePixelsY
			sz.ny = ny
		case heightStr == "":
			if exclamation {
				return nil, newError(KindBadSize, "invalid size %q: %q not allowed here", orig, "!")
			}
			nx, err := parseSizeDim(widthStr)
			if err != nil {
				return nil, newError(KindBadSize, "invalid size %q", orig)
			}
			sz.Kind = SizePixelsX
			sz.nx = nx
		default:
			nx, errW := parseSizeDim(widthStr)
			ny, errH := parseSizeDim(heightStr)
			if errW != nil || errH != nil {
				return nil, newError(KindBadSize, "invalid size %q", orig)
			}
			if exclamation {
				sz.Kind = SizeMaxDim
			} else {
				sz.Kind = SizePixelsXY
			}
			sz.nx, sz.ny = nx, ny
		}
		if sz.nx > LimitDim {
			sz.nx = LimitDim
		}
		if sz.ny > LimitDim {
			sz.ny = LimitDim
		}
		if maxW > 0 && sz.nx > maxW {
			return nil, newError(KindSizeTooLarge, "size %q exceeds maximal width %d", orig, maxW)
		}
		if maxH > 0 && sz.ny > maxH {
			return nil, newError(KindSizeTooLarge, "size %q exceeds maximal height %d", orig, maxH)
		}
		if maxArea > 0 && sz.nx > 0 && sz.ny > 0 && sz.nx*sz.ny > maxArea {
			return nil, newError(KindSizeTooLarge, "size %q exceeds maximal area %d", orig, maxArea)
		}
	}
	return sz, nil
}

func parseSizeDim(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("dimension must be positive, got %d", n)
	}
	return n, nil
}

func ceilDiv(a, b int) int {
	return int(math.Ceil(float64(a) / float64(b)))
}

// GetSize resolves the requested size against the source dimensions. It
// returns the output dimensions plus the largest pyramid reduce level that a
// tiled decoder can exploit; redonly reports whether the reduce level alone
// reaches the target exactly. maxReduce limits the level (-1 = unlimited).
func (s *Size) GetSize(imgW, imgH, maxReduce int) (w, h, reduce int, redonly bool, err error) {
	if maxReduce < 0 {
		maxReduce = math.MaxInt32
	}
	s.redonly = false

	switch s.Kind {
	case SizeUndefined:
		s.w, s.h = 0, 0
		s.outReduce = 0
		s.redonly = true

	case SizeFull:
		s.w, s.h = imgW, imgH
		s.outReduce = 0
		s.redonly = true

	case SizePixelsXY:
		sfW, reduceW, exactW := 1, 0, true
		if s.nx > imgW {
			if !s.Upscaling {
				return 0, 0, 0, false, newError(KindUpscalingForbidden, "upscaling not allowed")
			}
		} else {
			w := ceilDiv(imgW, sfW)
			for w > s.nx && reduceW < maxReduce {
				sfW *= 2
				w = ceilDiv(imgW, sfW)
				reduceW++
			}
			if w < s.nx {
				exactW = false
				sfW /= 2
				reduceW--
			} else if w > s.nx {
				exactW = false
			}
		}

		sfH, reduceH, exactH := 1, 0, true
		if s.ny > imgH {
			if !s.Upscaling {
				return 0, 0, 0, false, newError(KindUpscalingForbidden, "upscaling not allowed")
			}
		} else {
			h := ceilDiv(imgH, sfH)
			for h > s.ny && reduceH < maxReduce {
				sfH *= 2
				h = ceilDiv(imgH, sfH)
				reduceH++
			}
			if h < s.ny {
				exactH = false
				sfH /= 2
				reduceH--
			} else if h > s.ny {
				exactH = false
			}
		}

		if exactW && exactH && reduceW == reduceH {
			s.outReduce = reduceW
			s.redonly = true
		} else {
			s.outReduce = min(reduceW, reduceH)
		}
		s.w, s.h = s.nx, s.ny

	case SizePixelsX:
		sf, red, exact := 1, 0, true
		w := ceilDiv(imgW, sf)
		for w > s.nx && red < maxReduce {
			sf *= 2
			w = ceilDiv(imgW, sf)
			red++
		}
		if w < s.nx {
			exact = false
			sf /= 2
			red--
		} else if w > s.nx {
			exact = false
		}

		s.w = s.nx
		s.outReduce = red
		s.redonly = exact
		if exact {
			s.h = ceilDiv(imgH, sf)
		} else {
			s.h = int(math.Ceil(float64(imgH) * float64(s.nx) / float64(imgW)))
		}
		if !s.Upscaling && (s.w > imgW || s.h > imgH) {
			return 0, 0, 0, false, newError(KindUpscalingForbidden, "upscaling not allowed")
		}

	case SizePixelsY:
		sf, red, exact := 1, 0, true
		h := ceilDiv(imgH, sf)
		for h > s.ny && red < maxReduce {
			sf *= 2
			h = ceilDiv(imgH, sf)
			red++
		}
		if h < s.ny {
			exact = false
			sf /= 2
			red--
		} else if h > s.ny {
			exact = false
		}

		s.h = s.ny
		s.outReduce = red
		s.redonly = exact
		if exact {
			s.w = ceilDiv(imgW, sf)
		} else {
			s.w = int(math.Ceil(float64(imgW) * float64(s.ny) / float64(imgH)))
		}
		if !s.Upscaling && (s.w > imgW || s.h > imgH) {
			return 0, 0, 0, false, newError(KindUpscalingForbidden, "upscaling not allowed")
		}

	case SizePercents:
		s.w = int(math.Ceil(float64(imgW) * s.percent / 100.0))
		s.h = int(math.Ceil(float64(imgH) * s.percent / 100.0))
		if !s.Upscaling && (s.w > imgW || s.h > imgH) {
			return 0, 0, 0, false, newError(KindUpscalingForbidden, "upscaling not allowed")
		}
		s.outReduce = 0
		ratio := 100.0 / s.percent
		sf := 1.0
		for 2.0*sf <= ratio && s.outReduce < maxReduce {
			sf *= 2.0
			s.outReduce++
		}
		if math.Abs(sf-ratio) < 1.0e-5 {
			s.redonly = true
		}

	case SizeReduce:
		if s.reduce == 0 {
			s.w, s.h = imgW, imgH
			s.outReduce = 0
			s.redonly = true
			break
		}
		sf := 1 << s.reduce
		s.w = ceilDiv(imgW, sf)
		s.h = ceilDiv(imgH, sf)
		if s.reduce > maxReduce {
			s.outReduce = maxReduce
			s.redonly = false
		} else {
			s.outReduce = s.reduce
			s.redonly = true
		}

	case SizeMaxDim:
		fx := float64(s.nx) / float64(imgW)
		fy := float64(s.ny) / float64(imgH)
		var ratio float64
		if fx < fy {
			s.w = s.nx
			s.h = int(math.Ceil(float64(imgH) * fx))
			ratio = float64(imgW) / float64(s.w)
		} else {
			s.w = int(math.Ceil(float64(imgW) * fy))
			s.h = s.ny
			ratio = float64(imgH) / float64(s.h)
		}
		if !s.Upscaling && (s.w > imgW || s.h > imgH) {
			return 0, 0, 0, false, newError(KindUpscalingForbidden, "upscaling not allowed")
		}
		sf := 1.0
		s.outReduce = 0
		for 2.0*sf <= ratio && s.outReduce < maxReduce {
			sf *= 2.0
			s.outReduce++
		}
		if math.Abs(sf-ratio) < 1.0e-5 {
			s.redonly = true
		}
	}

	if s.outReduce < 0 {
		s.outReduce = 0
	}
	s.resolved = true
	return s.w, s.h, s.outReduce, s.redonly, nil
}

// Undefined reports whether this size is the "no restriction" sentinel.
func (s *Size) Undefined() bool {
	return s.Kind == SizeUndefined
}

// Dimensions returns the resolved output size.
func (s *Size) Dimensions() (int, int, error) {
	if !s.resolved {
		return 0, 0, newError(KindNotResolved, "final size not yet determined")
	}
	return s.w, s.h, nil
}

// Greater reports w > o.w or h > o.h on the resolved dimensions.
func (s *Size) Greater(o *Size) (bool, error) {
	if !s.resolved || !o.resolved {
		return false, newError(KindNotResolved, "final size not yet determined")
	}
	return s.w > o.w || s.h > o.h, nil
}

// GreaterEqual reports w >= o.w or h >= o.h on the resolved dimensions.
func (s *Size) GreaterEqual(o *Size) (bool, error) {
	if !s.resolved || !o.resolved {
		return false, newError(KindNotResolved, "final size not yet determined")
	}
	return s.w >= o.w || s.h >= o.h, nil
}

// Less reports w < o.w and h < o.h on the resolved dimensions.
func (s *Size) Less(o *Size) (bool, error) {
	if !s.resolved || !o.resolved {
		return false, newError(KindNotResolved, "final size not yet determined")
	}
	return s.w < o.w && s.h < o.h, nil
}

// LessEqual reports w <= o.w and h <= o.h on the resolved dimensions.
func (s *Size) LessEqual(o *Size) (bool, error) {
	if !s.resolved || !o.resolved {
		return false, newError(KindNotResolved, "final size not yet determined")
	}
	return s.w <= o.w && s.h <= o.h, nil
}

// Canonical returns "max" for full requests, otherwise the resolved "w,h",
// prefixed with "^" when upscaling was requested.
func (s *Size) Canonical() (string, error) {
	prefix := ""
	if s.Upscaling {
		prefix = "^"
	}
	switch s.Kind {
	case SizeUndefined:
		return "", newError(KindNotResolved, "canonical size not determined")
	case SizeFull:
		return prefix + "max", nil
	default:
		if !s.resolved {
			return "", newError(KindNotResolved, "canonical size not determined")
		}
		return fmt.Sprintf("%s%d,%d", prefix, s.w, s.h), nil
	}
}
