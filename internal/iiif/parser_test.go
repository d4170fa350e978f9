package iiif

import "testing"

func TestParseRotation(t *testing.T) {
	tests := []struct {
		input     string
		mirror    bool
		angle     float64
		canonical string
	}{
		{"", false, 0, "0"},
		{"0", false, 0, "0"},
		{"90", false, 90, "90"},
		{"!45.0", true, 45, "!45"},
		{"!0", true, 0, "!0"},
		{"22.5", false, 22.5, "22.5"},
		{"359.9", false, 359.9, "359.9"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			r, err := ParseRotation(tt.input)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.input, err)
			}
			if r.Mirror != tt.mirror || r.Angle != tt.angle {
				t.Fatalf("got mirror=%v angle=%g", r.Mirror, r.Angle)
			}
			if canon := r.Canonical(); canon != tt.canonical {
				t.Fatalf("canonical = %q, want %q", canon, tt.canonical)
			}
		})
	}
}

func TestParseRotationErrors(t *testing.T) {
	for _, input := range []string{"-1", "360", "400", "!-90", "abc"} {
		if _, err := ParseRotation(input); err == nil {
			t.Fatalf("expected error for %q", input)
		} else if KindOf(err) != KindBadRotation {
			t.Fatalf("kind = %v, want KindBadRotation", KindOf(err))
		}
	}
}

func TestParseQualityFormat(t *testing.T) {
	qf, err := ParseQualityFormat("default", "jpg")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if qf.Quality != QualityDefault || qf.Format != FormatJPG {
		t.Fatalf("got %v/%v", qf.Quality, qf.Format)
	}

	qf, err = ParseQualityFormat("bitonal", "tif")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if qf.Quality != QualityBitonal || qf.Format != FormatTIF {
		t.Fatalf("got %v/%v", qf.Quality, qf.Format)
	}

	// unknown formats survive parsing, the pipeline rejects them later
	qf, err = ParseQualityFormat("gray", "bmp")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if qf.Format != FormatUnsupported {
		t.Fatalf("format = %v, want FormatUnsupported", qf.Format)
	}

	if _, err := ParseQualityFormat("shiny", "jpg"); KindOf(err) != KindBadQualityFormat {
		t.Fatalf("expected KindBadQualityFormat, got %v", err)
	}

	qf, err = ParseQualityFormat("", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if qf.Quality != QualityDefault || qf.Format != FormatJPG {
		t.Fatalf("defaults not applied: %v/%v", qf.Quality, qf.Format)
	}
}

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		input string
		name  string
		page  int
	}{
		{"simple.tif", "simple.tif", 0},
		{"multi.pdf@3", "multi.pdf", 3},
		{"enc%20oded.jpg", "enc oded.jpg", 0},
		{"bad-page@x7", "bad-page", 0},
		{"neg@-2", "neg", -2},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			id := ParseIdentifier(tt.input)
			if id.Name != tt.name || id.Page != tt.page {
				t.Fatalf("got name=%q page=%d, want name=%q page=%d", id.Name, id.Page, tt.name, tt.page)
			}
		})
	}
}

func TestCanonicalURL(t *testing.T) {
	region, _ := ParseRegion("full")
	size := mustParseSize(t, "max")
	rotation, _ := ParseRotation("0")
	qf, _ := ParseQualityFormat("default", "jpg")

	link, canonical, err := CanonicalURL(4000, 3000, true, "example.org", "", "p", "id",
		region, size, rotation, qf)
	if err != nil {
		t.Fatalf("canonical url: %v", err)
	}
	if canonical != "example.org/p/id/full/max/0/default.jpg" {
		t.Fatalf("canonical = %q", canonical)
	}
	if link != "<https://example.org/p/id/full/max/0/default.jpg>" {
		t.Fatalf("link = %q", link)
	}
}

func TestCanonicalURLResolvesParameters(t *testing.T) {
	region, _ := ParseRegion("square")
	size := mustParseSize(t, "!500,250")
	rotation, _ := ParseRotation("!45")
	qf, _ := ParseQualityFormat("gray", "png")

	link, canonical, err := CanonicalURL(1200, 1000, false, "example.org", "iiif", "", "img.tif",
		region, size, rotation, qf)
	if err != nil {
		t.Fatalf("canonical url: %v", err)
	}
	// square on 1200x1000 crops to 1000x1000; !500,250 confines the full
	// 1200x1000 canvas to 300x250
	want := "example.org/iiif/img.tif/100,0,1000,1000/300,250/!45/gray.png"
	if canonical != want {
		t.Fatalf("canonical = %q, want %q", canonical, want)
	}
	if link != "<http://"+want+">" {
		t.Fatalf("link = %q", link)
	}
}

func TestCanonicalURLRejectsFormats(t *testing.T) {
	region, _ := ParseRegion("full")
	size := mustParseSize(t, "max")
	rotation, _ := ParseRotation("0")
	qf, _ := ParseQualityFormat("default", "webp")

	if _, _, err := CanonicalURL(100, 100, false, "example.org", "", "", "id",
		region, size, rotation, qf); KindOf(err) != KindUnsupportedFormat {
		t.Fatalf("expected KindUnsupportedFormat, got %v", err)
	}
}
