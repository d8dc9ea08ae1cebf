package test

import (
	"testing"
)

// TestSync_Garage_RoundTrip pushes and pulls a file against a real Garage
// backend through the sync engine.
func TestSync_Garage_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	garageServer := StartGarageServer(t)
	if garageServer == nil {
		t.Skip("garage server not available")
	}
	defer garageServer.Stop()

	runUploadDownloadRoundTrip(t, garageServer.ObjectStoreConfig())
}

// TestSync_Garage_SkipsUnchangedFile verifies a second push of an
// untouched file is recognized as already up to date.
func TestSync_Garage_SkipsUnchangedFile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	garageServer := StartGarageServer(t)
	if garageServer == nil {
		t.Skip("garage server not available")
	}
	defer garageServer.Stop()

	runRepeatUploadIsSkipped(t, garageServer.ObjectStoreConfig())
}
