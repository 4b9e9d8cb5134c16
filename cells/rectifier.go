package cells

import (
	"context"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/rdk/utils"

	"github.com/erh/vrectify"
	"github.com/erh/vrectify/rectify"
)

var RectifierModel = vrectify.NamespaceFamily.WithModel("rectifier")

func init() {
	resource.RegisterComponent(
		camera.API,
		RectifierModel,
		resource.Registration[camera.Camera, *RectifierConfig]{
			Constructor: newRectifier,
		})
}

type RectifierConfig struct {
	Camera     string `json:"camera"`
	SourceName string `json:"source_name,omitempty"`

	InterpolationMode string  `json:"interpolation_mode,omitempty"`
	CxOffset          float64 `json:"cx_offset,omitempty"`
	CyOffset          float64 `json:"cy_offset,omitempty"`

	// when set, these are used instead of the source camera's properties
	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsic_parameters,omitempty"`
	Distortion []float64                          `json:"distortion_parameters,omitempty"`
}

func (c *RectifierConfig) Validate(path string) ([]string, []string, error) {
	if c.Camera == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "camera")
	}

	if _, err := rectify.ParseInterpolationMode(c.InterpolationMode); err != nil {
		return nil, nil, err
	}

	if c.Intrinsics != nil {
		if err := c.Intrinsics.CheckValid(); err != nil {
			return nil, nil, err
		}
		if err := rectify.CheckDistortionCount(len(c.Distortion)); err != nil {
			return nil, nil, fmt.Errorf("%s.distortion_parameters: %w", path, err)
		}
	} else if len(c.Distortion) > 0 {
		return nil, nil, fmt.Errorf("distortion_parameters need intrinsic_parameters")
	}

	return []string{c.Camera}, nil, nil
}

func (c *RectifierConfig) options() (rectify.Options, error) {
	mode, err := rectify.ParseInterpolationMode(c.InterpolationMode)
	if err != nil {
		return rectify.Options{}, err
	}
	return rectify.Options{
		InterpolationMode: mode,
		CxOffset:          c.CxOffset,
		CyOffset:          c.CyOffset,
	}, nil
}

func newRectifier(ctx context.Context, deps resource.Dependencies, config resource.Config, logger logging.Logger) (camera.Camera, error) {
	newConf, err := resource.NativeConfig[*RectifierConfig](config)
	if err != nil {
		return nil, err
	}
	return NewRectifier(ctx, deps, config.ResourceName(), newConf, logger)
}

// NewRectifier builds a rectifier camera directly, without going through the resource registry.
func NewRectifier(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *RectifierConfig, logger logging.Logger) (*Rectifier, error) {
	opts, err := conf.options()
	if err != nil {
		return nil, err
	}

	stage, err := rectify.NewStage(opts, nil, logger)
	if err != nil {
		return nil, err
	}

	r := &Rectifier{
		name:   name,
		cfg:    conf,
		logger: logger,
		stage:  stage,
	}

	r.src, err = camera.FromProvider(deps, conf.Camera)
	if err != nil {
		return nil, err
	}

	return r, nil
}

type Rectifier struct {
	resource.AlwaysRebuild

	name   resource.Name
	cfg    *RectifierConfig
	logger logging.Logger

	src camera.Camera

	lock  sync.Mutex
	stage *rectify.Stage
}

func (r *Rectifier) Name() resource.Name {
	return r.name
}

// calibration returns the K, D and size for the next frame. Configured
// parameters win over the source camera's properties.
func (r *Rectifier) calibration(ctx context.Context) (*transform.PinholeCameraIntrinsics, []float64, error) {
	if r.cfg.Intrinsics != nil {
		d := r.cfg.Distortion
		if d == nil {
			d = []float64{}
		}
		return r.cfg.Intrinsics, d, nil
	}

	props, err := r.src.Properties(ctx)
	if err != nil {
		return nil, nil, err
	}
	if props.IntrinsicParams == nil {
		return nil, nil, transform.NewNoIntrinsicsError(fmt.Sprintf("camera %s has no intrinsic_parameters", r.cfg.Camera))
	}

	d, err := rectify.DistortionToOpenCV(props.DistortionParams)
	if err != nil {
		return nil, nil, err
	}
	return props.IntrinsicParams, d, nil
}

func (r *Rectifier) sourceImage(ctx context.Context, extra map[string]interface{}) (image.Image, string, error) {
	var filter []string
	if r.cfg.SourceName != "" {
		filter = []string{r.cfg.SourceName}
	}

	imgs, _, err := r.src.Images(ctx, filter, extra)
	if err != nil {
		return nil, "", err
	}
	if len(imgs) == 0 {
		return nil, "", fmt.Errorf("camera %s returned no images", r.cfg.Camera)
	}

	ni := imgs[0]
	if r.cfg.SourceName != "" {
		found := false
		for _, i := range imgs {
			if i.SourceName == r.cfg.SourceName {
				ni = i
				found = true
				break
			}
		}
		if !found {
			return nil, "", fmt.Errorf("camera %s has no image named %s", r.cfg.Camera, r.cfg.SourceName)
		}
	}

	img, err := ni.Image(ctx)
	if err != nil {
		return nil, "", err
	}
	return img, ni.SourceName, nil
}

// NextImage rectifies the next image from the source camera.
func (r *Rectifier) NextImage(ctx context.Context, extra map[string]interface{}) (image.Image, string, error) {
	img, sourceName, err := r.sourceImage(ctx, extra)
	if err != nil {
		return nil, "", err
	}

	intrinsics, d, err := r.calibration(ctx)
	if err != nil {
		return nil, "", err
	}

	in := rectify.Inputs{
		K:         intrinsics.GetCameraMatrix(),
		D:         d,
		ImageSize: image.Point{intrinsics.Width, intrinsics.Height},
		Image:     img,
	}
	if err := in.Validate(); err != nil {
		return nil, "", err
	}

	r.lock.Lock()
	start := time.Now()
	out, err := r.stage.Process(in)
	elapsed := time.Since(start)
	r.lock.Unlock()

	if err != nil {
		return nil, "", err
	}

	if elapsed > (time.Millisecond * 100) {
		r.logger.Infof("rectify took %v", elapsed)
	}

	return out, sourceName, nil
}

func (r *Rectifier) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	img, _, err := r.NextImage(ctx, extra)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}

	if mimeType == "" {
		mimeType = utils.MimeTypePNG
	}

	data, err := rimage.EncodeImage(ctx, img, mimeType)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}

	return data, camera.ImageMetadata{MimeType: mimeType}, nil
}

func (r *Rectifier) Images(ctx context.Context, filterSourceNames []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	img, sourceName, err := r.NextImage(ctx, extra)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}

	if sourceName == "" {
		sourceName = "rectified"
	}
	if len(filterSourceNames) > 0 && !slices.Contains(filterSourceNames, sourceName) {
		return []camera.NamedImage{}, resource.ResponseMetadata{CapturedAt: time.Now()}, nil
	}

	ni, err := camera.NamedImageFromImage(img, sourceName, utils.MimeTypePNG, data.Annotations{})
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}
	return []camera.NamedImage{ni}, resource.ResponseMetadata{CapturedAt: time.Now()}, nil
}

func (r *Rectifier) NextPointCloud(ctx context.Context, extra map[string]interface{}) (pointcloud.PointCloud, error) {
	return nil, fmt.Errorf("rectifier doesn't support point clouds")
}

// Properties reports the source's properties as they are after rectification:
// offset principal point and no distortion.
func (r *Rectifier) Properties(ctx context.Context) (camera.Properties, error) {
	props, err := r.src.Properties(ctx)
	if err != nil {
		return camera.Properties{}, err
	}

	intrinsics, _, err := r.calibration(ctx)
	if err != nil {
		return camera.Properties{}, err
	}
	ri := *intrinsics
	ri.Ppx += r.cfg.CxOffset
	ri.Ppy += r.cfg.CyOffset
	props.IntrinsicParams = &ri

	props.DistortionParams = nil
	props.SupportsPCD = false
	return props, nil
}

type rectifierCommand struct {
	Stats           bool `json:"stats"`
	SaveCalibration bool `json:"save_calibration"`
}

func (r *Rectifier) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	var c rectifierCommand
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &c})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(cmd); err != nil {
		return nil, err
	}

	if c.Stats {
		return r.stats(), nil
	}

	if c.SaveCalibration {
		return nil, r.saveCalibration(ctx)
	}

	return nil, fmt.Errorf("unknown command %v", cmd)
}

func (r *Rectifier) stats() map[string]interface{} {
	r.lock.Lock()
	defer r.lock.Unlock()

	res := map[string]interface{}{
		"rebuilds":           r.stage.Rebuilds(),
		"interpolation_mode": r.stage.Options().InterpolationMode.String(),
	}
	if cal, ok := r.stage.Calibration(); ok {
		res["calibration"] = cal.String()
	}
	return res
}

// saveCalibration pins the calibration the source camera currently reports into this component's config.
func (r *Rectifier) saveCalibration(ctx context.Context) error {
	intrinsics, d, err := r.calibration(ctx)
	if err != nil {
		return err
	}

	// plain maps and slices so the config converts to a proto struct
	distortion := []interface{}{}
	for _, v := range d {
		distortion = append(distortion, v)
	}

	newConfig := utils.AttributeMap{
		"camera":             r.cfg.Camera,
		"interpolation_mode": r.stage.Options().InterpolationMode.String(),
		"cx_offset":          r.cfg.CxOffset,
		"cy_offset":          r.cfg.CyOffset,
		"intrinsic_parameters": map[string]interface{}{
			"width_px":  intrinsics.Width,
			"height_px": intrinsics.Height,
			"fx":        intrinsics.Fx,
			"fy":        intrinsics.Fy,
			"ppx":       intrinsics.Ppx,
			"ppy":       intrinsics.Ppy,
		},
		"distortion_parameters": distortion,
	}
	if r.cfg.SourceName != "" {
		newConfig["source_name"] = r.cfg.SourceName
	}

	return vrectify.UpdateComponentCloudAttributesFromModuleEnv(ctx, r.name, newConfig, r.logger)
}

// CameraMatrix is the intrinsic matrix the rectified images are expressed in.
func (r *Rectifier) CameraMatrix(ctx context.Context) (*mat.Dense, error) {
	props, err := r.Properties(ctx)
	if err != nil {
		return nil, err
	}
	if props.IntrinsicParams == nil {
		return nil, transform.NewNoIntrinsicsError("")
	}
	return props.IntrinsicParams.GetCameraMatrix(), nil
}

func (r *Rectifier) Geometries(ctx context.Context, _ map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

func (r *Rectifier) Close(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stage.Close()
}
