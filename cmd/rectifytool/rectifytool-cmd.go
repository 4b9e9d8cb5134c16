package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"os"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/robot"

	"github.com/erh/vrectify"
	"github.com/erh/vrectify/cells"
	"github.com/erh/vrectify/imgutils"
	"github.com/erh/vrectify/rectify"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

type calibrationFile struct {
	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion []float64                          `json:"distortion_parameters"`
}

func realMain() error {
	logger := logging.NewLogger("rectifytool")
	ctx := context.Background()

	host := flag.String("host", "", "hostname, uses the VIAM_* machine env vars if empty")
	cmd := flag.String("cmd", "", "command: rectify, camera, props, compare")
	cameraName := flag.String("camera", "", "camera to use")
	calibration := flag.String("calibration", "", "json file with intrinsic_parameters and distortion_parameters")
	in := flag.String("in", "", "input file")
	in2 := flag.String("in2", "", "second input file for compare")
	out := flag.String("out", "", "output file")
	var interp rectify.InterpolationMode
	flag.TextVar(&interp, "mode", rectify.InterpolationLinear, "interpolation mode: nearest, linear, cubic, area, lanczos")
	cxOffset := flag.Float64("cx-offset", 0, "principal point x offset")
	cyOffset := flag.Float64("cy-offset", 0, "principal point y offset")
	sideBySide := flag.Bool("side-by-side", false, "write the source next to the rectified image")

	flag.Parse()

	if *cmd == "" {
		return fmt.Errorf("need a cmd")
	}

	opts := rectify.Options{InterpolationMode: interp, CxOffset: *cxOffset, CyOffset: *cyOffset}

	if *cmd == "rectify" {
		if *in == "" || *out == "" || *calibration == "" {
			return fmt.Errorf("need 'in', 'out' and 'calibration'")
		}

		cal, err := readCalibration(*calibration)
		if err != nil {
			return err
		}

		img, err := rimage.ReadImageFromFile(*in)
		if err != nil {
			return err
		}

		stage, err := rectify.NewStage(opts, nil, logger)
		if err != nil {
			return err
		}
		defer stage.Close()

		d := cal.Distortion
		if d == nil {
			d = []float64{}
		}

		res, err := stage.Process(rectify.Inputs{
			K:         cal.Intrinsics.GetCameraMatrix(),
			D:         d,
			ImageSize: image.Point{cal.Intrinsics.Width, cal.Intrinsics.Height},
			Image:     img,
		})
		if err != nil {
			return err
		}

		return writeResult(*out, img, res, *sideBySide)
	}

	if *cmd == "camera" {
		if *out == "" {
			return fmt.Errorf("need an 'out'")
		}

		machine, err := connect(ctx, *host, logger)
		if err != nil {
			return err
		}
		defer machine.Close(ctx)

		deps, err := vrectify.MachineToDependencies(machine)
		if err != nil {
			return err
		}

		conf := &cells.RectifierConfig{
			Camera:            *cameraName,
			InterpolationMode: interp.String(),
			CxOffset:          *cxOffset,
			CyOffset:          *cyOffset,
		}
		if *calibration != "" {
			cal, err := readCalibration(*calibration)
			if err != nil {
				return err
			}
			conf.Intrinsics = cal.Intrinsics
			conf.Distortion = cal.Distortion
		}
		if _, _, err := conf.Validate(""); err != nil {
			return err
		}

		r, err := cells.NewRectifier(ctx, deps, camera.Named("rectifytool"), conf, logger)
		if err != nil {
			return err
		}
		defer r.Close(ctx)

		res, sourceName, err := r.NextImage(ctx, nil)
		if err != nil {
			return err
		}
		logger.Infof("rectified %s from %s", sourceName, *cameraName)

		var src image.Image
		if *sideBySide {
			myCamera, err := camera.FromRobot(machine, *cameraName)
			if err != nil {
				return err
			}
			src, err = camera.DecodeImageFromCamera(ctx, myCamera, nil, nil)
			if err != nil {
				return err
			}
		}

		return writeResult(*out, src, res, *sideBySide)
	}

	if *cmd == "props" {
		machine, err := connect(ctx, *host, logger)
		if err != nil {
			return err
		}
		defer machine.Close(ctx)

		myCamera, err := camera.FromRobot(machine, *cameraName)
		if err != nil {
			return err
		}

		props, err := myCamera.Properties(ctx)
		if err != nil {
			return err
		}
		if props.IntrinsicParams == nil {
			return transform.NewNoIntrinsicsError(*cameraName)
		}

		d, err := rectify.DistortionToOpenCV(props.DistortionParams)
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(calibrationFile{Intrinsics: props.IntrinsicParams, Distortion: d}, "", "  ")
		if err != nil {
			return err
		}

		if *out == "" {
			fmt.Println(string(data))
			return nil
		}
		return os.WriteFile(*out, data, 0o644)
	}

	if *cmd == "compare" {
		a, err := rimage.ReadImageFromFile(*in)
		if err != nil {
			return err
		}
		b, err := rimage.ReadImageFromFile(*in2)
		if err != nil {
			return err
		}

		diff, err := imgutils.MeanAbsDiff(a, b)
		if err != nil {
			return err
		}
		logger.Infof("mean abs diff: %0.3f gray a: %0.2f gray b: %0.2f",
			diff, imgutils.ComputeGrayscaleAverage(a), imgutils.ComputeGrayscaleAverage(b))

		if *out != "" {
			return rimage.WriteImageToFile(*out, imgutils.SideBySide(a, b))
		}
		return nil
	}

	return fmt.Errorf("invalid command [%s]", *cmd)
}

func connect(ctx context.Context, host string, logger logging.Logger) (robot.Robot, error) {
	if host == "" {
		return vrectify.ConnectToMachineFromEnv(ctx, logger)
	}
	return vrectify.ConnectToHostFromCLIToken(ctx, host, logger)
}

func readCalibration(fn string) (*calibrationFile, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}

	cal := &calibrationFile{}
	err = json.Unmarshal(data, cal)
	if err != nil {
		return nil, fmt.Errorf("cannot parse (%s): %w", fn, err)
	}

	if err := cal.Intrinsics.CheckValid(); err != nil {
		return nil, fmt.Errorf("bad calibration (%s): %w", fn, err)
	}
	return cal, nil
}

func writeResult(fn string, src, res image.Image, sideBySide bool) error {
	if sideBySide && src != nil {
		return rimage.WriteImageToFile(fn, imgutils.SideBySide(src, res))
	}
	return rimage.WriteImageToFile(fn, res)
}
