// Package rectify undistorts camera images, caching the undistortion maps
// for as long as the calibration stays the same.
package rectify

import (
	"image"

	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"
)

// Stage rectifies one image per call to Process. It keeps a single cached
// CameraModel and only rebuilds its maps when the derived model changes.
//
// A Stage is not safe for concurrent use; callers serialize Process.
type Stage struct {
	opts     Options
	newModel ModelFactory
	logger   logging.Logger

	model    CameraModel
	last     Calibration
	rebuilds int
}

// NewStage returns a Stage with no cached model. A nil factory means NewPinholeCameraModel.
func NewStage(opts Options, newModel ModelFactory, logger logging.Logger) (*Stage, error) {
	if !opts.InterpolationMode.Valid() {
		return nil, errors.Errorf("invalid interpolation mode %d", int(opts.InterpolationMode))
	}
	if newModel == nil {
		newModel = NewPinholeCameraModel
	}
	return &Stage{
		opts:     opts,
		newModel: newModel,
		logger:   logger,
	}, nil
}

// Options returns the options the stage was configured with.
func (s *Stage) Options() Options {
	return s.opts
}

// Process rectifies in.Image with the calibration in in.
func (s *Stage) Process(in Inputs) (image.Image, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	cal := NewCalibration(in, s.opts)
	candidate, err := s.newModel(cal)
	if err != nil {
		return nil, errors.Wrap(err, "invalid calibration")
	}

	if s.model != nil && s.model.Equal(candidate) {
		if err := candidate.Close(); err != nil {
			return nil, err
		}
	} else {
		if err := s.replaceModel(candidate, cal); err != nil {
			return nil, err
		}
	}

	return s.model.Rectify(in.Image, s.opts.InterpolationMode)
}

func (s *Stage) replaceModel(candidate CameraModel, cal Calibration) error {
	if s.model != nil {
		if err := s.model.Close(); err != nil {
			s.logger.Warnf("error closing old camera model: %v", err)
		}
		s.model = nil
	}

	s.logger.Debugf("calibration changed, rebuilding undistortion maps: %v", cal)
	if err := candidate.InitCache(); err != nil {
		// leave the cache empty so the next frame retries
		return closeAfterError(errors.Wrap(err, "cannot build undistortion maps"), candidate)
	}

	s.model = candidate
	s.last = cal
	s.rebuilds++
	return nil
}

func closeAfterError(err error, m CameraModel) error {
	if closeErr := m.Close(); closeErr != nil {
		return errors.Wrapf(err, "also failed to close model: %v", closeErr)
	}
	return err
}

// Rebuilds is how many times the undistortion maps have been built.
func (s *Stage) Rebuilds() int {
	return s.rebuilds
}

// Calibration returns the calibration of the cached model, and false when nothing is cached.
func (s *Stage) Calibration() (Calibration, bool) {
	if s.model == nil {
		return Calibration{}, false
	}
	return s.last, true
}

// Close releases the cached model.
func (s *Stage) Close() error {
	if s.model == nil {
		return nil
	}
	err := s.model.Close()
	s.model = nil
	return err
}
