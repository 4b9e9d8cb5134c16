package rectify

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// CameraModel turns distorted camera images into rectified ones.
// Building the remap tables (InitCache) is the expensive step, so a model is
// only rebuilt when Equal reports a parameter change.
type CameraModel interface {
	Equal(other CameraModel) bool
	InitCache() error
	Rectify(img image.Image, mode InterpolationMode) (image.Image, error)
	Close() error
}

// ModelFactory derives a CameraModel from a calibration. It must be cheap;
// the heavy work belongs in InitCache.
type ModelFactory func(cal Calibration) (CameraModel, error)

var validDistortionCounts = map[int]bool{0: true, 4: true, 5: true, 8: true, 12: true, 14: true}

// CheckDistortionCount errors unless n is a coefficient count OpenCV accepts.
func CheckDistortionCount(n int) error {
	if !validDistortionCounts[n] {
		return errors.Errorf("expected 0, 4, 5, 8, 12 or 14 distortion coefficients, got %d", n)
	}
	return nil
}

// PinholeModel is a pinhole camera with OpenCV lens distortion.
type PinholeModel struct {
	k    [9]float64
	d    []float64
	size image.Point

	mapX   gocv.Mat
	mapY   gocv.Mat
	cached bool
}

// NewPinholeModel applies the principal point offset to K and checks that
// OpenCV can build maps from the result.
func NewPinholeModel(cal Calibration) (*PinholeModel, error) {
	if cal.Size.X <= 0 || cal.Size.Y <= 0 {
		return nil, errors.Errorf("invalid image size (%d, %d)", cal.Size.X, cal.Size.Y)
	}
	if cal.Fx() == 0 || cal.Fy() == 0 {
		return nil, errors.Errorf("invalid focal length (%v, %v)", cal.Fx(), cal.Fy())
	}
	if cal.K[8] == 0 {
		return nil, errors.New("K[2][2] cannot be 0")
	}
	if err := CheckDistortionCount(len(cal.D)); err != nil {
		return nil, err
	}
	for _, v := range cal.K {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Errorf("K has non-finite value %v", v)
		}
	}

	pm := &PinholeModel{
		k:    cal.K,
		d:    append([]float64{}, cal.D...),
		size: cal.Size,
	}
	pp := cal.PrincipalPoint()
	pm.k[2] = pp.X
	pm.k[5] = pp.Y
	return pm, nil
}

// NewPinholeCameraModel is a ModelFactory for PinholeModel.
func NewPinholeCameraModel(cal Calibration) (CameraModel, error) {
	return NewPinholeModel(cal)
}

// Equal is bitwise equality over the derived parameters.
func (pm *PinholeModel) Equal(other CameraModel) bool {
	o, ok := other.(*PinholeModel)
	if !ok || o == nil || pm == nil {
		return false
	}
	if pm.size != o.size || len(pm.d) != len(o.d) {
		return false
	}
	for i := range pm.k {
		if math.Float64bits(pm.k[i]) != math.Float64bits(o.k[i]) {
			return false
		}
	}
	for i := range pm.d {
		if math.Float64bits(pm.d[i]) != math.Float64bits(o.d[i]) {
			return false
		}
	}
	return true
}

// Size is the image size the model was built for.
func (pm *PinholeModel) Size() image.Point {
	return pm.size
}

func (pm *PinholeModel) cameraMatrix() gocv.Mat {
	k := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			k.SetDoubleAt(i, j, pm.k[i*3+j])
		}
	}
	return k
}

func (pm *PinholeModel) distCoeffs() gocv.Mat {
	if len(pm.d) == 0 {
		return gocv.NewMat()
	}
	d := gocv.NewMatWithSize(1, len(pm.d), gocv.MatTypeCV64F)
	for i, v := range pm.d {
		d.SetDoubleAt(0, i, v)
	}
	return d
}

// InitCache builds the undistortion maps. The rectified image keeps K as its
// camera matrix, so it has the same size and principal point as the input.
func (pm *PinholeModel) InitCache() error {
	pm.releaseMaps()

	k := pm.cameraMatrix()
	defer k.Close()
	d := pm.distCoeffs()
	defer d.Close()
	r := gocv.NewMat()
	defer r.Close()

	pm.mapX = gocv.NewMat()
	pm.mapY = gocv.NewMat()
	err := gocv.InitUndistortRectifyMap(k, d, r, k, pm.size, int(gocv.MatTypeCV32F), pm.mapX, pm.mapY)
	if err != nil {
		pm.mapX.Close()
		pm.mapY.Close()
		return errors.Wrap(err, "cannot build undistortion maps")
	}
	if pm.mapX.Empty() || pm.mapY.Empty() {
		pm.mapX.Close()
		pm.mapY.Close()
		return errors.New("could not build undistortion maps")
	}
	pm.cached = true
	return nil
}

// Rectify remaps img through the cached maps. Pixels that map outside the
// source are black.
func (pm *PinholeModel) Rectify(img image.Image, mode InterpolationMode) (image.Image, error) {
	if !pm.cached {
		return nil, errors.New("camera model cache not initialized")
	}
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	if !mode.Valid() {
		return nil, errors.Errorf("invalid interpolation mode %d", int(mode))
	}
	b := img.Bounds()
	if b.Dx() != pm.size.X || b.Dy() != pm.size.Y {
		return nil, errors.Errorf("image dimension and calibration don't match Image(%d,%d) != Calibration(%d,%d)",
			b.Dx(), b.Dy(), pm.size.X, pm.size.Y)
	}

	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, errors.Wrap(err, "cannot convert image")
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	err = gocv.Remap(src, &dst, &pm.mapX, &pm.mapY, mode.gocvFlags(), gocv.BorderConstant, color.RGBA{})
	if err != nil {
		return nil, errors.Wrap(err, "remap failed")
	}

	return dst.ToImage()
}

func (pm *PinholeModel) releaseMaps() {
	if !pm.cached {
		return
	}
	pm.mapX.Close()
	pm.mapY.Close()
	pm.cached = false
}

// Close releases the maps. The model can be re-initialized afterwards.
func (pm *PinholeModel) Close() error {
	pm.releaseMaps()
	return nil
}
