package geo

import (
	"math"
	"testing"
)

func TestDistanceM_SamePointIsZero(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{51.5007, -0.1246},
		{-33.8688, 151.2093},
		{89.9999, 179.9999},
	}
	for _, p := range points {
		d := DistanceM(p[0], p[1], p[0], p[1])
		if d != 0 {
			t.Errorf("DistanceM(%v, %v, same point) = %v, want 0", p[0], p[1], d)
		}
		if math.IsNaN(d) {
			t.Errorf("DistanceM(%v, %v, same point) is NaN", p[0], p[1])
		}
	}
}

func TestDistanceM_KnownDistance(t *testing.T) {
	// Big Ben to the tip of the block across Bridge Street, roughly 111 m
	// per degree of latitude at this scale.
	d := DistanceM(51.5007, -0.1246, 51.5017, -0.1246)
	if d < 110 || d > 113 {
		t.Errorf("one-millidegree latitude step = %.1f m, want ~111 m", d)
	}
}

func TestDistanceM_Symmetric(t *testing.T) {
	a := DistanceM(51.5007, -0.1246, 48.8584, 2.2945)
	b := DistanceM(48.8584, 2.2945, 51.5007, -0.1246)
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("distance not symmetric: %v vs %v", a, b)
	}
	// London to Paris is about 340 km.
	if a < 330000 || a > 350000 {
		t.Errorf("London-Paris distance = %.0f m, want ~340 km", a)
	}
}

func TestDistanceM_AntipodalStable(t *testing.T) {
	d := DistanceM(0, 0, 0, 180)
	if math.IsNaN(d) {
		t.Fatal("antipodal distance is NaN")
	}
	half := math.Pi * EarthRadiusM
	if math.Abs(d-half) > 1 {
		t.Errorf("antipodal distance = %v, want half circumference %v", d, half)
	}
}
