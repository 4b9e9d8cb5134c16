package rectify

import (
	"encoding/json"
	"testing"

	"go.viam.com/test"
)

func TestParseInterpolationMode(t *testing.T) {
	for in, expected := range map[string]InterpolationMode{
		"":               InterpolationLinear,
		"linear":         InterpolationLinear,
		"INTER_LINEAR":   InterpolationLinear,
		"nearest":        InterpolationNearest,
		"CV_INTER_NN":    InterpolationNearest,
		"Cubic":          InterpolationCubic,
		"area":           InterpolationArea,
		"lanczos":        InterpolationLanczos,
		"INTER_LANCZOS4": InterpolationLanczos,
	} {
		m, err := ParseInterpolationMode(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m, test.ShouldEqual, expected)
	}

	_, err := ParseInterpolationMode("sinc")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestInterpolationModeJSON(t *testing.T) {
	var opts Options
	err := json.Unmarshal([]byte(`{"interpolation_mode": "cubic", "cx_offset": 1.5}`), &opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.InterpolationMode, test.ShouldEqual, InterpolationCubic)
	test.That(t, opts.CxOffset, test.ShouldEqual, 1.5)

	err = json.Unmarshal([]byte(`{"interpolation_mode": "bogus"}`), &opts)
	test.That(t, err, test.ShouldNotBeNil)

	for _, m := range InterpolationModes() {
		data, err := json.Marshal(m)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(data), test.ShouldEqual, `"`+m.String()+`"`)
	}

	_, err = json.Marshal(InterpolationMode(99))
	test.That(t, err, test.ShouldNotBeNil)
}
