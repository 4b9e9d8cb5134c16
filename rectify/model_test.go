package rectify

import (
	"image"
	"image/color"
	"testing"

	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func checkerboard(w, h, square int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/square)+(y/square))%2 == 0 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}
	return img
}

func sameImage(t *testing.T, a, b image.Image) {
	t.Helper()
	test.That(t, a.Bounds(), test.ShouldResemble, b.Bounds())
	bounds := a.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r1, g1, b1, _ := a.At(x, y).RGBA()
			r2, g2, b2, _ := b.At(x, y).RGBA()
			if r1 != r2 || g1 != g2 || b1 != b2 {
				t.Fatalf("pixel (%d, %d) differs: %v != %v", x, y, a.At(x, y), b.At(x, y))
			}
		}
	}
}

func TestPinholeModelValidation(t *testing.T) {
	good := NewCalibration(testInputs(), Options{})

	_, err := NewPinholeModel(good)
	test.That(t, err, test.ShouldBeNil)

	bad := good
	bad.Size = image.Point{0, 480}
	_, err = NewPinholeModel(bad)
	test.That(t, err, test.ShouldNotBeNil)

	bad = good
	bad.K[0] = 0
	_, err = NewPinholeModel(bad)
	test.That(t, err.Error(), test.ShouldContainSubstring, "focal length")

	bad = good
	bad.D = []float64{1, 2, 3}
	_, err = NewPinholeModel(bad)
	test.That(t, err.Error(), test.ShouldContainSubstring, "distortion coefficients")
}

func TestPinholeModelNoDistortionIsIdentity(t *testing.T) {
	in := Inputs{
		K:         mat.NewDense(3, 3, []float64{100, 0, 32, 0, 100, 24, 0, 0, 1}),
		D:         []float64{},
		ImageSize: image.Point{64, 48},
		Image:     solid(64, 48, color.RGBA{10, 200, 30, 255}),
	}

	for _, mode := range []InterpolationMode{InterpolationNearest, InterpolationLinear} {
		s, err := NewStage(Options{InterpolationMode: mode}, nil, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)

		out, err := s.Process(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Bounds().Dx(), test.ShouldEqual, 64)
		test.That(t, out.Bounds().Dy(), test.ShouldEqual, 48)

		r, g, b, _ := out.At(32, 24).RGBA()
		test.That(t, r>>8, test.ShouldEqual, 10)
		test.That(t, g>>8, test.ShouldEqual, 200)
		test.That(t, b>>8, test.ShouldEqual, 30)

		test.That(t, s.Close(), test.ShouldBeNil)
	}
}

func TestPinholeModelDeterministic(t *testing.T) {
	in := Inputs{
		K:         mat.NewDense(3, 3, []float64{120, 0, 40, 0, 120, 30, 0, 0, 1}),
		D:         []float64{-0.25, 0.08, 0.001, -0.002, 0},
		ImageSize: image.Point{80, 60},
		Image:     checkerboard(80, 60, 8),
	}

	for _, mode := range InterpolationModes() {
		t.Run(mode.String(), func(t *testing.T) {
			opts := Options{InterpolationMode: mode, CxOffset: 0.5, CyOffset: -0.5}

			a, err := NewStage(opts, nil, logging.NewTestLogger(t))
			test.That(t, err, test.ShouldBeNil)
			defer a.Close()
			b, err := NewStage(opts, nil, logging.NewTestLogger(t))
			test.That(t, err, test.ShouldBeNil)
			defer b.Close()

			outA, err := a.Process(in)
			test.That(t, err, test.ShouldBeNil)
			outB, err := b.Process(in)
			test.That(t, err, test.ShouldBeNil)

			sameImage(t, outA, outB)

			// cached maps give the same answer as fresh ones
			outA2, err := a.Process(in)
			test.That(t, err, test.ShouldBeNil)
			sameImage(t, outA, outA2)
			test.That(t, a.Rebuilds(), test.ShouldEqual, 1)
		})
	}
}

func TestPinholeModelSizeMismatch(t *testing.T) {
	s, err := NewStage(Options{}, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()

	in := testInputs()
	in.Image = solid(320, 240, color.RGBA{1, 2, 3, 255})
	_, err = s.Process(in)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "don't match")
}

func TestPinholeModelRectifyBeforeInit(t *testing.T) {
	m, err := NewPinholeModel(NewCalibration(testInputs(), Options{}))
	test.That(t, err, test.ShouldBeNil)
	_, err = m.Rectify(solid(640, 480, color.Black), InterpolationLinear)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, m.InitCache(), test.ShouldBeNil)
	_, err = m.Rectify(solid(640, 480, color.Black), InterpolationLinear)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Close(), test.ShouldBeNil)

	_, err = m.Rectify(solid(640, 480, color.Black), InterpolationLinear)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPinholeModelInitCacheError(t *testing.T) {
	// bypasses NewPinholeModel so OpenCV itself rejects the coefficients
	m := &PinholeModel{
		k:    [9]float64{100, 0, 32, 0, 100, 24, 0, 0, 1},
		d:    []float64{0.1, 0.2, 0.3},
		size: image.Point{64, 48},
	}

	err := m.InitCache()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot build undistortion maps")
	test.That(t, m.cached, test.ShouldBeFalse)
	test.That(t, m.Close(), test.ShouldBeNil)

	_, err = m.Rectify(solid(64, 48, color.Black), InterpolationLinear)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCheckDistortionCount(t *testing.T) {
	for _, n := range []int{0, 4, 5, 8, 12, 14} {
		test.That(t, CheckDistortionCount(n), test.ShouldBeNil)
	}
	for _, n := range []int{1, 3, 6, 15} {
		test.That(t, CheckDistortionCount(n), test.ShouldNotBeNil)
	}
}
