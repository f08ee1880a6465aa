package main

import (
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"feedbackbridge"
)

func main() {
	module.ModularMain(resource.APIModel{API: sensor.API, Model: feedbackbridge.FeedbackBridge})
}
