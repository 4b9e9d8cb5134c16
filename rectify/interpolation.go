package rectify

import (
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// InterpolationMode is the resampling strategy used when remapping pixels.
// The zero value is InterpolationLinear.
type InterpolationMode int

const (
	// InterpolationLinear is bilinear interpolation.
	InterpolationLinear InterpolationMode = iota
	// InterpolationNearest is nearest neighbor interpolation.
	InterpolationNearest
	// InterpolationCubic is bicubic interpolation over a 4x4 neighborhood.
	InterpolationCubic
	// InterpolationArea is pixel area resampling. Remapping treats it as linear.
	InterpolationArea
	// InterpolationLanczos is Lanczos interpolation over an 8x8 neighborhood.
	InterpolationLanczos
)

var interpolationNames = map[InterpolationMode]string{
	InterpolationLinear:  "linear",
	InterpolationNearest: "nearest",
	InterpolationCubic:   "cubic",
	InterpolationArea:    "area",
	InterpolationLanczos: "lanczos",
}

// InterpolationModes lists every supported mode.
func InterpolationModes() []InterpolationMode {
	return []InterpolationMode{
		InterpolationLinear,
		InterpolationNearest,
		InterpolationCubic,
		InterpolationArea,
		InterpolationLanczos,
	}
}

// ParseInterpolationMode accepts the short names ("linear", "nearest", ...) as well
// as the OpenCV spellings ("INTER_LINEAR", "lanczos4", ...), case insensitively.
// The empty string is the default mode.
func ParseInterpolationMode(s string) (InterpolationMode, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.TrimPrefix(n, "inter_")
	n = strings.TrimPrefix(n, "cv_inter_")

	switch n {
	case "", "linear", "bilinear":
		return InterpolationLinear, nil
	case "nearest", "nn":
		return InterpolationNearest, nil
	case "cubic", "bicubic":
		return InterpolationCubic, nil
	case "area":
		return InterpolationArea, nil
	case "lanczos", "lanczos4":
		return InterpolationLanczos, nil
	}
	return InterpolationLinear, errors.Errorf("unknown interpolation mode %q", s)
}

// Valid reports whether m is one of the defined modes.
func (m InterpolationMode) Valid() bool {
	_, ok := interpolationNames[m]
	return ok
}

func (m InterpolationMode) String() string {
	if n, ok := interpolationNames[m]; ok {
		return n
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (m InterpolationMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, errors.Errorf("invalid interpolation mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so that a bad mode in a config
// fails when the config is decoded rather than on the first frame.
func (m *InterpolationMode) UnmarshalText(text []byte) error {
	parsed, err := ParseInterpolationMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m InterpolationMode) gocvFlags() gocv.InterpolationFlags {
	switch m {
	case InterpolationNearest:
		return gocv.InterpolationNearestNeighbor
	case InterpolationCubic:
		return gocv.InterpolationCubic
	case InterpolationArea:
		return gocv.InterpolationArea
	case InterpolationLanczos:
		return gocv.InterpolationLanczos4
	default:
		return gocv.InterpolationLinear
	}
}
