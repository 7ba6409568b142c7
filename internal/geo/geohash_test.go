package geo

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeKnownValue(t *testing.T) {
	got := Encode(57.64911, 10.40744, 11)
	if got != "u4pruydqqvj" {
		t.Errorf("Encode = %q, want %q", got, "u4pruydqqvj")
	}
}

func TestEncodePrefixProperty(t *testing.T) {
	long := Encode(55.8758, -4.2913, 10)
	for p := 1; p < 10; p++ {
		if short := Encode(55.8758, -4.2913, p); long[:p] != short {
			t.Errorf("precision %d: %q is not a prefix of %q", p, short, long)
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	cases := []Point{
		{Lat: 55.8758, Lon: -4.2913},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 40.7128, Lon: -74.0060},
	}
	for _, c := range cases {
		hash := Encode(c.Lat, c.Lon, 9)
		box, err := DecodeBox(hash)
		if err != nil {
			t.Fatalf("DecodeBox(%q): %v", hash, err)
		}
		if !box.Contains(c) {
			t.Errorf("cell %q = %+v does not contain %+v", hash, box, c)
		}
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "gcuvy7gI", "gcuvy7ghgcuvy7g"} {
		if _, err := Decode(in); !errors.Is(err, ErrInvalidGeohash) {
			t.Errorf("Decode(%q) err = %v, want ErrInvalidGeohash", in, err)
		}
	}
}

func TestDecodeCenterMatchesBox(t *testing.T) {
	for _, hash := range []string{"g", "gcuvy", "gcuvy7gh", "u4pruydqqvj"} {
		box, err := DecodeBox(hash)
		if err != nil {
			t.Fatalf("DecodeBox(%q): %v", hash, err)
		}
		p, err := Decode(hash)
		if err != nil {
			t.Fatalf("Decode(%q): %v", hash, err)
		}
		c := box.Center()
		if math.Abs(p.Lat-c.Lat) > 1e-9 || math.Abs(p.Lon-c.Lon) > 1e-9 {
			t.Errorf("Decode(%q) = %+v, want box center %+v", hash, p, c)
		}
		h, w := CellSize(len(hash))
		if math.Abs((box.MaxLat-box.MinLat)-h) > 1e-9 || math.Abs((box.MaxLon-box.MinLon)-w) > 1e-9 {
			t.Errorf("DecodeBox(%q) = %+v, want %v x %v cell", hash, box, h, w)
		}
	}
}

func TestCellSize(t *testing.T) {
	h, w := CellSize(8)
	if math.Abs(h-180/math.Exp2(20)) > 1e-15 {
		t.Errorf("lat size = %v", h)
	}
	if math.Abs(w-360/math.Exp2(20)) > 1e-15 {
		t.Errorf("lon size = %v", w)
	}

	h, w = CellSize(1)
	if h != 45 || w != 45 {
		t.Errorf("precision 1 = (%v, %v), want (45, 45)", h, w)
	}
}

func TestBoundingBox(t *testing.T) {
	box := BoundingBox(55.8758, -4.2913, 500)

	north := Haversine(Point{55.8758, -4.2913}, Point{box.MaxLat, -4.2913})
	if math.Abs(north-500) > 1 {
		t.Errorf("north edge distance = %.2f, want ~500", north)
	}
	east := Haversine(Point{55.8758, -4.2913}, Point{55.8758, box.MaxLon})
	if math.Abs(east-500) > 2 {
		t.Errorf("east edge distance = %.2f, want ~500", east)
	}
	if !box.Contains(Point{55.8758, -4.2913}) {
		t.Error("box does not contain its own center")
	}
}

func TestCoveringCellsCoverBox(t *testing.T) {
	box := BoundingBox(55.8758, -4.2913, 300)
	cells := CoveringCells(box, 7)
	if len(cells) == 0 {
		t.Fatal("expected covering cells")
	}

	set := make(map[string]bool, len(cells))
	for _, c := range cells {
		set[c] = true
	}

	// Sample a grid of points inside the box; each must land in a listed cell.
	for i := 0; i <= 10; i++ {
		for j := 0; j <= 10; j++ {
			lat := box.MinLat + (box.MaxLat-box.MinLat)*float64(i)/10
			lon := box.MinLon + (box.MaxLon-box.MinLon)*float64(j)/10
			if h := Encode(lat, lon, 7); !set[h] {
				t.Fatalf("point (%v, %v) cell %q missing from covering", lat, lon, h)
			}
		}
	}

	if n := CountCells(box, 7); n < len(cells) {
		t.Errorf("CountCells = %d, less than enumerated %d", n, len(cells))
	}
}

func TestCoveringCellsIntersectBox(t *testing.T) {
	box := BoundingBox(-33.8688, 151.2093, 200)
	for _, c := range CoveringCells(box, 8) {
		cb, err := DecodeBox(c)
		if err != nil {
			t.Fatalf("decode %q: %v", c, err)
		}
		if cb.MaxLat < box.MinLat || cb.MinLat > box.MaxLat || cb.MaxLon < box.MinLon || cb.MinLon > box.MaxLon {
			t.Errorf("cell %q %+v does not intersect %+v", c, cb, box)
		}
	}
}

func TestFitPrecision(t *testing.T) {
	box := BoundingBox(55.8758, -4.2913, 5000)
	p := FitPrecision(box, 8, 4096)
	if p >= 8 {
		t.Fatalf("precision = %d, expected a coarser fit", p)
	}
	if n := CountCells(box, p); n > 4096 {
		t.Errorf("cells at fitted precision %d = %d, want <= 4096", p, n)
	}
	if got := FitPrecision(box, 8, 0); got != 8 {
		t.Errorf("unbounded fit = %d, want 8", got)
	}
}

func TestDistance(t *testing.T) {
	cases := []struct {
		a, b     string
		min, max float64
	}{
		{"gcuvy7gh", "gcuvy7gh", 0, 0},
		{"gcuvy7gh", "gcuvyk7h", 300, 310},
		{"gcuvy7gh", "gcuvyke1", 395, 405},
		{"gcuvy7gh", "gcuvyme0", 985, 1000},
	}
	for _, c := range cases {
		d, err := Distance(c.a, c.b)
		if err != nil {
			t.Fatalf("Distance(%q, %q): %v", c.a, c.b, err)
		}
		if d < c.min || d > c.max {
			t.Errorf("Distance(%q, %q) = %.2f, want in [%v, %v]", c.a, c.b, d, c.min, c.max)
		}
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"gcuvy7gh", "gcuvyme0"},
		{"u4pruydq", "u4pruyd0"},
		{"dr5regw3", "9q8yyk8y"},
	}
	for _, p := range pairs {
		ab, err := Distance(p[0], p[1])
		if err != nil {
			t.Fatal(err)
		}
		ba, err := Distance(p[1], p[0])
		if err != nil {
			t.Fatal(err)
		}
		if ab != ba {
			t.Errorf("Distance(%s,%s)=%v != Distance(%s,%s)=%v", p[0], p[1], ab, p[1], p[0], ba)
		}
	}
}

func TestDistanceInvalid(t *testing.T) {
	if _, err := Distance("gcuvy7gh", ""); err == nil {
		t.Error("expected error for empty geohash")
	}
}
