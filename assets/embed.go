package assets

import _ "embed"

// VehiclesJSON maps a stable vehicle image slug to its brand and model.
//
//go:embed vehicles.json
var VehiclesJSON []byte
