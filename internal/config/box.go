package config

import "github.com/gobuffalo/packr/v2"

// configBox carries configs/ inside the binary so the gateway starts with
// the development policy when no config file is deployed next to it.
var configBox = packr.New("configs", "../../configs")
