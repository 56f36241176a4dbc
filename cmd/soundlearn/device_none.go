//go:build noportaudio

package main

import "github.com/MrWong99/soundlearn/internal/app"

// deviceFactory is nil in uploads-only builds; configuring a capture device
// makes startup fail with [app.ErrNoDeviceBackend].
var deviceFactory app.DeviceFactory
