package signal

import "errors"

var errMissingDeviceID = errors.New("missing device_id in query parameters")
