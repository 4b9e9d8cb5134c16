package main

import (
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"github.com/erh/vrectify/cells"
)

func main() {
	module.ModularMain(
		resource.APIModel{camera.API, cells.RectifierModel},
	)
}
