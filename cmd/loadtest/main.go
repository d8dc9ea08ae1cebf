// Command loadtest drives a worker pool of concurrent push/pull cycles
// through internal/syncengine against a real object store backend, and
// checks the resulting throughput against a recorded baseline so a
// regression shows up before it reaches production.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tummycrypt/tcfs/internal/objectstore"
	"github.com/tummycrypt/tcfs/internal/statecache"
	"github.com/tummycrypt/tcfs/internal/syncengine"
)

func main() {
	var (
		endpoint      = flag.String("endpoint", "http://127.0.0.1:3900", "S3-compatible endpoint to push/pull against")
		region        = flag.String("region", "garage", "backend region")
		bucket        = flag.String("bucket", "loadtest-bucket", "backend bucket")
		accessKey     = flag.String("access-key", "", "backend access key")
		secretKey     = flag.String("secret-key", "", "backend secret key")
		duration      = flag.Duration("duration", 30*time.Second, "test duration")
		workers       = flag.Int("workers", 5, "number of worker goroutines")
		qps           = flag.Int("qps", 10, "target push cycles per second per worker")
		objectSize    = flag.Int64("object-size", 4*1024*1024, "size in bytes of each uploaded object (4MB default)")
		baselineDir   = flag.String("baseline-dir", "testdata/baselines", "directory for baseline result files")
		threshold     = flag.Float64("threshold", 15.0, "regression threshold percentage on mean push latency")
		updateBase    = flag.Bool("update-baseline", false, "record a new baseline instead of checking for regression")
		manageGarage  = flag.Bool("manage-garage", false, "start and stop a local garage server for the duration of the run")
		verbose       = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if *manageGarage {
		ak, sk, stop, err := startManagedGarage(logger)
		if err != nil {
			log.Fatalf("starting managed garage: %v", err)
		}
		defer stop()
		*accessKey, *secretKey = ak, sk
		*endpoint = "http://127.0.0.1:3900"
	}

	if err := os.MkdirAll(*baselineDir, 0o755); err != nil {
		log.Fatalf("creating baseline directory: %v", err)
	}

	ctx := context.Background()
	store, err := objectstore.New(ctx, objectstore.Config{
		Bucket:    *bucket,
		Region:    *region,
		Endpoint:  *endpoint,
		AccessKey: *accessKey,
		SecretKey: *secretKey,
		PathStyle: true,
	})
	if err != nil {
		log.Fatalf("building object store: %v", err)
	}

	fmt.Println("=== tcfs sync engine load test ===")
	fmt.Printf("Endpoint: %s\n", *endpoint)
	fmt.Printf("Duration: %v, Workers: %d, QPS/worker: %d, Object size: %d bytes\n", *duration, *workers, *qps, *objectSize)

	result, err := runLoad(ctx, store, *workers, *qps, *duration, *objectSize, logger)
	if err != nil {
		log.Fatalf("load test run failed: %v", err)
	}

	printResult(result)

	baselinePath := filepath.Join(*baselineDir, "push_pull_baseline.json")
	if *updateBase {
		if err := writeBaseline(baselinePath, result); err != nil {
			log.Fatalf("writing baseline: %v", err)
		}
		fmt.Println("baseline updated")
		return
	}

	baseline, err := readBaseline(baselinePath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no baseline found — run with -update-baseline to create one")
			return
		}
		log.Fatalf("reading baseline: %v", err)
	}

	regressed, delta := checkRegression(baseline, result, *threshold)
	fmt.Printf("mean push latency: %v (baseline %v, delta %.1f%%)\n", result.MeanPushLatency, baseline.MeanPushLatency, delta)
	if regressed {
		fmt.Println("REGRESSION DETECTED")
		os.Exit(1)
	}
	fmt.Println("no regression detected")
}

// loadResult summarizes one run's throughput, suitable for baseline
// comparison across runs.
type loadResult struct {
	PushCount       int64         `json:"push_count"`
	PullCount       int64         `json:"pull_count"`
	ErrorCount      int64         `json:"error_count"`
	MeanPushLatency time.Duration `json:"mean_push_latency_ns"`
	MeanPullLatency time.Duration `json:"mean_pull_latency_ns"`
	BytesPushed     int64         `json:"bytes_pushed"`
}

func printResult(r loadResult) {
	fmt.Printf("pushes: %d, pulls: %d, errors: %d, bytes pushed: %d\n", r.PushCount, r.PullCount, r.ErrorCount, r.BytesPushed)
	fmt.Printf("mean push latency: %v, mean pull latency: %v\n", r.MeanPushLatency, r.MeanPullLatency)
}

// runLoad spins up a pool of workers that each repeatedly write a random
// object through the sync engine and immediately read it back, at
// approximately the requested per-worker QPS, for the given duration.
func runLoad(ctx context.Context, store objectstore.Store, workers, qps int, duration time.Duration, objectSize int64, logger *logrus.Logger) (loadResult, error) {
	stateDir, err := os.MkdirTemp("", "tcfs-loadtest-state-*")
	if err != nil {
		return loadResult{}, err
	}
	defer os.RemoveAll(stateDir)

	payload := make([]byte, objectSize)
	if _, err := rand.Read(payload); err != nil {
		return loadResult{}, fmt.Errorf("generating payload: %w", err)
	}

	var (
		pushCount, pullCount, errCount, bytesPushed int64
		pushLatencyTotal, pullLatencyTotal          int64 // nanoseconds
	)

	interval := time.Second
	if qps > 0 {
		interval = time.Second / time.Duration(qps)
	}

	deadline := time.Now().Add(duration)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			state, err := statecache.Open(filepath.Join(stateDir, fmt.Sprintf("worker-%d.db", workerID)))
			if err != nil {
				logger.WithError(err).Error("opening worker state cache")
				atomic.AddInt64(&errCount, 1)
				return
			}
			defer state.Close()

			engine := &syncengine.Engine{Store: store, State: state, DeviceID: fmt.Sprintf("loadtest-%d", workerID)}

			srcDir, err := os.MkdirTemp("", "tcfs-loadtest-src-*")
			if err != nil {
				logger.WithError(err).Error("creating worker temp dir")
				atomic.AddInt64(&errCount, 1)
				return
			}
			defer os.RemoveAll(srcDir)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			cycle := 0
			for time.Now().Before(deadline) {
				<-ticker.C
				cycle++
				relPath := fmt.Sprintf("object-%d-%d.bin", workerID, cycle)
				srcPath := filepath.Join(srcDir, relPath)
				if err := os.WriteFile(srcPath, varyPayload(payload, cycle), 0o644); err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}

				pushStart := time.Now()
				upload, err := engine.Upload(ctx, srcPath, fmt.Sprintf("loadtest/worker-%d", workerID), relPath, nil)
				if err != nil {
					logger.WithError(err).Warn("upload failed")
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&pushLatencyTotal, int64(time.Since(pushStart)))
				atomic.AddInt64(&pushCount, 1)
				atomic.AddInt64(&bytesPushed, upload.Bytes)

				destPath := filepath.Join(srcDir, "dl-"+relPath)
				pullStart := time.Now()
				if _, err := engine.Download(ctx, upload.RemotePath, destPath, fmt.Sprintf("loadtest/worker-%d", workerID), nil); err != nil {
					logger.WithError(err).Warn("download failed")
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&pullLatencyTotal, int64(time.Since(pullStart)))
				atomic.AddInt64(&pullCount, 1)
			}
		}(w)
	}
	wg.Wait()

	result := loadResult{
		PushCount:   atomic.LoadInt64(&pushCount),
		PullCount:   atomic.LoadInt64(&pullCount),
		ErrorCount:  atomic.LoadInt64(&errCount),
		BytesPushed: atomic.LoadInt64(&bytesPushed),
	}
	if result.PushCount > 0 {
		result.MeanPushLatency = time.Duration(pushLatencyTotal / result.PushCount)
	}
	if result.PullCount > 0 {
		result.MeanPullLatency = time.Duration(pullLatencyTotal / result.PullCount)
	}
	return result, nil
}

// varyPayload perturbs a handful of bytes so content-defined chunking
// doesn't dedupe every cycle's upload against the last.
func varyPayload(base []byte, cycle int) []byte {
	out := append([]byte(nil), base...)
	for i := 0; i < 8 && i < len(out); i++ {
		out[i] = byte(cycle + i)
	}
	return out
}

func writeBaseline(path string, r loadResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readBaseline(path string) (loadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return loadResult{}, err
	}
	var r loadResult
	if err := json.Unmarshal(data, &r); err != nil {
		return loadResult{}, err
	}
	return r, nil
}

// checkRegression reports whether mean push latency grew by more than
// thresholdPct relative to baseline, and the percentage delta observed.
func checkRegression(baseline, current loadResult, thresholdPct float64) (bool, float64) {
	if baseline.MeanPushLatency == 0 {
		return false, 0
	}
	delta := (float64(current.MeanPushLatency) - float64(baseline.MeanPushLatency)) / float64(baseline.MeanPushLatency) * 100
	return delta > thresholdPct && !math.IsNaN(delta), delta
}

// startManagedGarage starts a throwaway local garage server for the
// duration of the load test run, returning its access/secret key and a
// stop function.
func startManagedGarage(logger *logrus.Logger) (accessKey, secretKey string, stop func(), err error) {
	exec.Command("pkill", "garage").Run()
	time.Sleep(1 * time.Second)

	tmpDir, err := os.MkdirTemp("", "garage-loadtest-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("creating temp dir: %w", err)
	}
	dataDir := filepath.Join(tmpDir, "data")
	metaDir := filepath.Join(tmpDir, "meta")
	os.MkdirAll(dataDir, 0o755)
	os.MkdirAll(metaDir, 0o755)

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
`, metaDir, dataDir)
	if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
		os.RemoveAll(tmpDir)
		return "", "", nil, fmt.Errorf("writing config: %w", err)
	}

	cmd := exec.Command("garage", "-c", configFile, "server")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		os.RemoveAll(tmpDir)
		return "", "", nil, fmt.Errorf("starting garage: %w", err)
	}
	proc := cmd.Process

	stop = func() {
		logger.Info("stopping managed garage server")
		if proc != nil {
			proc.Kill()
		}
		os.RemoveAll(tmpDir)
	}

	time.Sleep(10 * time.Second)

	nodeIDCmd := exec.Command("garage", "-c", configFile, "node", "id")
	out, err := nodeIDCmd.CombinedOutput()
	if err != nil {
		stop()
		return "", "", nil, fmt.Errorf("getting node id: %w, output: %s", err, string(out))
	}
	var nodeID string
	if match := regexp.MustCompile(`Node ID:\s+([a-f0-9]+)`).FindStringSubmatch(string(out)); len(match) >= 2 {
		nodeID = match[1]
	} else if hex := regexp.MustCompile(`[a-f0-9]{64}`).FindString(string(out)); hex != "" {
		nodeID = hex
	} else {
		stop()
		return "", "", nil, fmt.Errorf("could not parse node id from: %s", string(out))
	}

	for i := 0; i < 5; i++ {
		layoutCmd := exec.Command("garage", "-c", configFile, "layout", "assign", "-z", "dc1", "--capacity", "100M", nodeID)
		if out, layoutErr := layoutCmd.CombinedOutput(); layoutErr == nil {
			err = nil
			break
		} else {
			err = fmt.Errorf("assigning layout: %w, output: %s", layoutErr, string(out))
			time.Sleep(1 * time.Second)
		}
	}
	if err != nil {
		stop()
		return "", "", nil, err
	}

	applyCmd := exec.Command("garage", "-c", configFile, "layout", "apply", "--version", "1")
	if out, err := applyCmd.CombinedOutput(); err != nil {
		stop()
		return "", "", nil, fmt.Errorf("applying layout: %w, output: %s", err, string(out))
	}

	keyCmd := exec.Command("garage", "-c", configFile, "key", "create", "loadtest-key")
	out, err = keyCmd.CombinedOutput()
	if err != nil {
		stop()
		return "", "", nil, fmt.Errorf("creating key: %w, output: %s", err, string(out))
	}
	outputStr := string(out)
	accessMatch := regexp.MustCompile(`Key ID:\s+(\S+)`).FindStringSubmatch(outputStr)
	secretMatch := regexp.MustCompile(`(?i)Secret Key:\s+(\S+)`).FindStringSubmatch(outputStr)
	if len(accessMatch) < 2 || len(secretMatch) < 2 {
		stop()
		return "", "", nil, fmt.Errorf("parsing key from output: %s", outputStr)
	}
	accessKey, secretKey = accessMatch[1], secretMatch[1]

	bucketCmd := exec.Command("garage", "-c", configFile, "bucket", "create", "loadtest-bucket")
	if out, err := bucketCmd.CombinedOutput(); err != nil && !strings.Contains(string(out), "already") {
		stop()
		return "", "", nil, fmt.Errorf("creating bucket: %w, output: %s", err, string(out))
	}
	allowCmd := exec.Command("garage", "-c", configFile, "bucket", "allow", "loadtest-bucket", "--read", "--write", "--key", "loadtest-key")
	if out, err := allowCmd.CombinedOutput(); err != nil {
		stop()
		return "", "", nil, fmt.Errorf("allowing key: %w, output: %s", err, string(out))
	}

	logger.Info("managed garage server is ready")
	return accessKey, secretKey, stop, nil
}
