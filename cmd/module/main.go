package main

import (
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	questnav "github.com/STMARobotics/QuestNav-sub003"
	"github.com/STMARobotics/QuestNav-sub003/models"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: questnav.TagTracker},
		resource.APIModel{API: camera.API, Model: models.PassthroughCamera},
	)
}
