package test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tummycrypt/tcfs/internal/objectstore"
)

// GarageTestServer manages a local Garage server for integration tests.
type GarageTestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	DataDir   string
	ConfigDir string
	cmd       *exec.Cmd
	once      sync.Once
	cleanup   func()
}

var (
	garageServer *GarageTestServer
	garageOnce   sync.Once
	garageError  error
)

// StartGarageServer starts (once per process) a local Garage server for
// integration tests, or skips the calling test if the garage binary isn't
// on PATH.
func StartGarageServer(t *testing.T) *GarageTestServer {
	t.Helper()

	garageOnce.Do(func() {
		exec.Command("pkill", "garage").Run()
		time.Sleep(1 * time.Second)

		garageServer = &GarageTestServer{}

		if !hasGarageBinary() {
			t.Logf("garage binary not found, skipping garage-backed tests")
			garageError = fmt.Errorf("garage binary not found")
			return
		}

		if err := garageServer.startBinaryGarage(); err != nil {
			t.Logf("failed to start garage: %v", err)
			garageError = err
		}
	})

	if garageError != nil {
		t.Skipf("garage server setup failed: %v", garageError)
		return nil
	}
	return garageServer
}

func hasGarageBinary() bool {
	_, err := exec.LookPath("garage")
	return err == nil
}

func (s *GarageTestServer) startBinaryGarage() error {
	tmpDir, err := os.MkdirTemp("", "garage-test-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	s.DataDir = filepath.Join(tmpDir, "data")
	s.ConfigDir = filepath.Join(tmpDir, "meta")
	os.MkdirAll(s.DataDir, 0755)
	os.MkdirAll(s.ConfigDir, 0755)

	configFile := filepath.Join(tmpDir, "config.toml")
	configContent := fmt.Sprintf(`
metadata_dir = "%s"
data_dir = "%s"
db_engine = "sqlite"

rpc_bind_addr = "127.0.0.1:3901"
rpc_public_addr = "127.0.0.1:3901"
rpc_secret = "3fb5c4e9d0e2f8a1b7c6d5e4f3a2b1c03fb5c4e9d0e2f8a1b7c6d5e4f3a2b1c0"
replication_factor = 1

[s3_api]
s3_region = "garage"
api_bind_addr = "127.0.0.1:3900"
root_domain = ".s3.garage"

[s3_web]
bind_addr = "127.0.0.1:3902"
root_domain = ".web.garage"
index = "index.html"
`, s.ConfigDir, s.DataDir)

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	cmd := exec.Command("garage", "-c", configFile, "server")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting garage server: %w", err)
	}
	s.cmd = cmd

	s.Endpoint = "http://127.0.0.1:3900"
	s.Bucket = fmt.Sprintf("test-bucket-%d", time.Now().UnixNano())

	time.Sleep(10 * time.Second)

	if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
		return fmt.Errorf("garage server exited unexpectedly")
	}

	nodeIDCmd := exec.Command("garage", "-c", configFile, "node", "id")
	out, err := nodeIDCmd.CombinedOutput()
	if err != nil {
		s.StopForce()
		return fmt.Errorf("getting node id: %w, output: %s", err, string(out))
	}
	outputID := string(out)
	var nodeID string
	if match := regexp.MustCompile(`Node ID:\s+([a-f0-9]+)`).FindStringSubmatch(outputID); len(match) >= 2 {
		nodeID = match[1]
	} else if hex := regexp.MustCompile(`[a-f0-9]{64}`).FindString(outputID); hex != "" {
		nodeID = hex
	} else {
		nodeID = strings.TrimSpace(outputID)
	}

	var layoutErr error
	for i := 0; i < 5; i++ {
		layoutCmd := exec.Command("garage", "-c", configFile, "layout", "assign", "-z", "dc1", "--capacity", "100M", nodeID)
		if out, err := layoutCmd.CombinedOutput(); err == nil {
			layoutErr = nil
			break
		} else {
			layoutErr = fmt.Errorf("assigning layout: %w, output: %s", err, string(out))
			time.Sleep(1 * time.Second)
		}
	}
	if layoutErr != nil {
		s.StopForce()
		return layoutErr
	}

	applyCmd := exec.Command("garage", "-c", configFile, "layout", "apply", "--version", "1")
	if out, err := applyCmd.CombinedOutput(); err != nil {
		s.StopForce()
		return fmt.Errorf("applying layout: %w, output: %s", err, string(out))
	}

	keyName := "test-key"
	keyCmd := exec.Command("garage", "-c", configFile, "key", "create", keyName)
	out, err = keyCmd.CombinedOutput()
	if err != nil {
		s.StopForce()
		return fmt.Errorf("creating key: %w, output: %s", err, string(out))
	}
	outputStr := string(out)
	accessMatch := regexp.MustCompile(`Key ID:\s+(\S+)`).FindStringSubmatch(outputStr)
	secretMatch := regexp.MustCompile(`(?i)Secret Key:\s+(\S+)`).FindStringSubmatch(outputStr)
	if len(accessMatch) < 2 || len(secretMatch) < 2 {
		s.StopForce()
		return fmt.Errorf("parsing key from output: %s", outputStr)
	}
	s.AccessKey = accessMatch[1]
	s.SecretKey = secretMatch[1]

	bucketCmd := exec.Command("garage", "-c", configFile, "bucket", "create", s.Bucket)
	if out, err := bucketCmd.CombinedOutput(); err != nil {
		s.StopForce()
		return fmt.Errorf("creating bucket: %w, output: %s", err, string(out))
	}
	allowCmd := exec.Command("garage", "-c", configFile, "bucket", "allow", s.Bucket, "--read", "--write", "--key", keyName)
	if out, err := allowCmd.CombinedOutput(); err != nil {
		s.StopForce()
		return fmt.Errorf("allowing key on bucket: %w, output: %s", err, string(out))
	}

	s.cleanup = func() {
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		os.RemoveAll(tmpDir)
	}
	return nil
}

// StopForce forcibly stops the Garage server and removes its data dir.
func (s *GarageTestServer) StopForce() {
	s.once.Do(func() {
		if s.cleanup != nil {
			s.cleanup()
		}
	})
}

// Stop is a no-op: the server is shared across the whole test binary run
// and torn down once via StopForce at process exit, not per-test.
func (s *GarageTestServer) Stop() {}

// ObjectStoreConfig returns the objectstore.Config to reach this Garage
// instance's test bucket.
func (s *GarageTestServer) ObjectStoreConfig() objectstore.Config {
	return objectstore.Config{
		Bucket:    s.Bucket,
		Region:    "garage",
		Endpoint:  s.Endpoint,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		PathStyle: true,
	}
}
