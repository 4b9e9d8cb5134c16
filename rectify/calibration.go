package rectify

import (
	"fmt"
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/rimage/transform"
)

// ErrMissingInput is returned when a required stage input is not bound.
var ErrMissingInput = errors.New("required input missing")

// Calibration is everything a CameraModel is derived from.
type Calibration struct {
	// K is the 3x3 intrinsic matrix, row major.
	K      [9]float64  `json:"k"`
	// D holds the distortion coefficients in OpenCV order
	// (k1, k2, p1, p2[, k3[, k4, k5, k6[, s1, s2, s3, s4[, tx, ty]]]]).
	D      []float64   `json:"d"`
	Size   image.Point `json:"size"`
	Offset r2.Point    `json:"offset"`
}

// Fx returns the horizontal focal length.
func (c Calibration) Fx() float64 { return c.K[0] }

// Fy returns the vertical focal length.
func (c Calibration) Fy() float64 { return c.K[4] }

// PrincipalPoint returns the principal point with the offsets applied.
func (c Calibration) PrincipalPoint() r2.Point {
	return r2.Point{X: c.K[2] + c.Offset.X, Y: c.K[5] + c.Offset.Y}
}

// Intrinsics returns the offset-corrected pinhole intrinsics, ignoring skew.
func (c Calibration) Intrinsics() *transform.PinholeCameraIntrinsics {
	pp := c.PrincipalPoint()
	return &transform.PinholeCameraIntrinsics{
		Width:  c.Size.X,
		Height: c.Size.Y,
		Fx:     c.Fx(),
		Fy:     c.Fy(),
		Ppx:    pp.X,
		Ppy:    pp.Y,
	}
}

func (c Calibration) String() string {
	pp := c.PrincipalPoint()
	return fmt.Sprintf("size: %dx%d f: (%0.3f, %0.3f) pp: (%0.3f, %0.3f) d: %v",
		c.Size.X, c.Size.Y, c.Fx(), c.Fy(), pp.X, pp.Y, c.D)
}

// Options are fixed once, before the first frame.
type Options struct {
	InterpolationMode InterpolationMode `json:"interpolation_mode"`
	CxOffset          float64           `json:"cx_offset"`
	CyOffset          float64           `json:"cy_offset"`
}

// Inputs are the per-frame values a Stage consumes. All of them are required.
type Inputs struct {
	K         mat.Matrix
	D         []float64
	ImageSize image.Point
	Image     image.Image
}

// Validate reports every required input that is not bound.
func (in Inputs) Validate() error {
	missing := []string{}
	if in.K == nil {
		missing = append(missing, "K")
	}
	if in.D == nil {
		missing = append(missing, "D")
	}
	if in.ImageSize == (image.Point{}) {
		missing = append(missing, "image_size")
	}
	if in.Image == nil {
		missing = append(missing, "image_in")
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrMissingInput, "%v", missing)
	}

	r, c := in.K.Dims()
	if r != 3 || c != 3 {
		return errors.Errorf("K must be 3x3, got %dx%d", r, c)
	}
	return nil
}

// NewCalibration copies the inputs and options into a Calibration.
func NewCalibration(in Inputs, opts Options) Calibration {
	cal := Calibration{
		D:      append([]float64{}, in.D...),
		Size:   in.ImageSize,
		Offset: r2.Point{X: opts.CxOffset, Y: opts.CyOffset},
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			cal.K[i*3+j] = in.K.At(i, j)
		}
	}
	return cal
}

// DistortionToOpenCV converts an RDK distortion model into OpenCV coefficient order.
// A nil distorter means no distortion.
func DistortionToOpenCV(d transform.Distorter) ([]float64, error) {
	if d == nil {
		return []float64{}, nil
	}
	p := d.Parameters()
	switch d.ModelType() {
	case transform.BrownConradyDistortionType:
		// rdk order is k1, k2, k3, p1, p2
		for len(p) < 5 {
			p = append(p, 0)
		}
		return []float64{p[0], p[1], p[3], p[4], p[2]}, nil
	default:
		return nil, errors.Errorf("cannot rectify with %q distortion model", d.ModelType())
	}
}
