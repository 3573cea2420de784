package ifs

// Driver for the In-Field Scan hardware selftest exposed by the intel_ifs
// kernel module. Requires the module to be loadable and firmware test blob
// data under /lib/firmware, supported since kernel 6.2.

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/dilipshivaraju/opendcdiag/pkg/harness"
)

const (
	moduleName     = "intel_ifs"
	instancePrefix = "intel_ifs_"
	probeInstance  = "intel_ifs_0"

	runTestFile      = "run_test"
	statusFile       = "status"
	detailsFile      = "details"
	currentBatchFile = "current_batch"
	imageVersionFile = "image_version"

	// the batch counter reads as this literal until an image has been loaded
	noBatch        = "none"
	defaultImageID = 1

	unknownVersion = "unknown"

	modprobePath = "/sbin/modprobe"
)

// driver populated details codes for runs that ended without a verdict:
// 0xFD test timed out before completing all the chunks, 0xFE not all scan
// chunks were executed, maximum forward progress retries exceeded
const (
	swTimeout           = 0xFD
	swPartialCompletion = 0xFE
)

var (
	basePath          = "/sys/devices/virtual/misc"
	kernelModulesPath = "/proc/modules"
)

var log = logr.Discard()

// SetLogger takes a logr.Logger and sets it as the package logger
func SetLogger(logger logr.Logger) {
	log = logger
}

// loadModule defined as var so it can be mocked by the unit tests
var loadModule = func() error {
	return exec.Command(modprobePath, "-q", moduleName).Run()
}

// writeInstanceFile defined as var so the unit tests can inject kernel write
// errors that a plain file cannot produce
var writeInstanceFile = func(path string, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}

// Options carries the knob values the framework collected for one run.
type Options struct {
	// ImageID forces a specific test image when positive, otherwise the
	// image progresses automatically from the driver's current batch.
	ImageID int
	// ForceRun reruns the scan even when the previous run already failed.
	ForceRun bool
}

// Test is the scan state shared by every per-cpu invocation of one run,
// read-only after Init.
type Test struct {
	ImageID      string
	ImageVersion string
}

// Init makes the scan interface ready for per-cpu runs: the driver module is
// loaded if needed, the control files are checked for write access and the
// test image batch is selected and loaded into the driver.
func Init(opts Options) (*Test, error) {
	instancePath := filepath.Join(basePath, probeInstance)
	if _, err := os.Stat(instancePath); err != nil {
		if moduleLoaded(moduleName) {
			log.Info("kernel module loaded but scan interface missing", "module", moduleName, "path", instancePath)
		} else if err := loadModule(); err != nil {
			log.V(4).Info("failed to run modprobe", "module", moduleName, "error", err.Error())
		}
		if _, err := os.Stat(instancePath); err != nil {
			return nil, harness.Skipf(harness.ResourceUnavailable, "scan interface %s not available", instancePath)
		}
	}

	// starting scans and loading images needs write access, typically root
	runTestPath := filepath.Join(instancePath, runTestFile)
	file, err := os.OpenFile(runTestPath, os.O_WRONLY, 0)
	if err != nil {
		log.Info("could not open scan control file for writing (not running as root?)", "path", runTestPath)
		return nil, harness.Skipf(harness.ResourceUnavailable, "cannot write to %s", runTestPath)
	}
	file.Close()
	batchPath := filepath.Join(instancePath, currentBatchFile)
	file, err = os.OpenFile(batchPath, os.O_RDWR, 0)
	if err != nil {
		log.Info("could not open scan control file for writing (not running as root?)", "path", batchPath)
		return nil, harness.Skipf(harness.ResourceUnavailable, "cannot write to %s", batchPath)
	}
	file.Close()

	status, err := readInstanceFile(probeInstance, statusFile)
	if err != nil {
		return nil, harness.Skipf(harness.ResourceUnavailable, "cannot read scan status: %v", err)
	}
	currentBatch, err := readInstanceFile(probeInstance, currentBatchFile)
	if err != nil {
		return nil, harness.Skipf(harness.ResourceUnavailable, "cannot read scan batch counter: %v", err)
	}

	imageID, err := selectImageID(opts, status, currentBatch)
	if err != nil {
		return nil, err
	}

	image := fmt.Sprintf("%#x", imageID)
	if err := writeInstanceFile(batchPath, image); err != nil {
		if !os.IsNotExist(err) {
			return nil, harness.Skipf(harness.ResourceUnavailable, "cannot load scan image %s: %v", image, err)
		}
		// the driver rejects ids without a matching firmware blob with
		// ENOENT, start over from the first image
		log.Info("test image does not exist, starting over", "image", image)
		image = fmt.Sprintf("%#x", defaultImageID)
		if err := writeInstanceFile(batchPath, image); err != nil {
			return nil, harness.Skipf(harness.ResourceUnavailable, "cannot load scan image %s: %v", image, err)
		}
	}

	version, err := readInstanceFile(probeInstance, imageVersionFile)
	if err != nil || version == "" {
		version = unknownVersion
	}

	test := &Test{ImageID: image, ImageVersion: version}
	log.Info("test image loaded", "id", test.ImageID, "version", test.ImageVersion)
	return test, nil
}

// selectImageID picks the test image batch to load next, following the
// driver's progression protocol unless the caller forces a specific image.
func selectImageID(opts Options, status string, currentBatch string) (int, error) {
	if strings.HasPrefix(status, "fail") && !opts.ForceRun {
		log.Info("previous scan run failure found, refusing to run")
		return 0, harness.Skipf(harness.ResourceUnavailable, "previous scan run failed, not rerunning without force")
	}

	if opts.ImageID > 0 {
		return opts.ImageID, nil
	}

	if currentBatch == noBatch {
		return defaultImageID, nil
	}
	current, err := strconv.ParseUint(currentBatch, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse current batch value %q: %w", currentBatch, err)
	}
	if strings.HasPrefix(status, "untested") {
		log.Info("test image remains untested, trying again", "image", currentBatch)
		return int(current), nil
	}
	return int(current) + 1, nil
}

// reads a file within a scan instance directory and returns its content with
// the trailing newline stripped
func readInstanceFile(instance string, file string) (string, error) {
	value, err := os.ReadFile(filepath.Join(basePath, instance, file))
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(value), "\n"), nil
}

// moduleLoaded reports whether the kernel lists the module as loaded
func moduleLoaded(module string) bool {
	modulesFile, err := os.Open(kernelModulesPath)
	if err != nil {
		return false
	}
	defer modulesFile.Close()

	reader := bufio.NewScanner(modulesFile)
	for reader.Scan() {
		if strings.Contains(reader.Text(), module) {
			return true
		}
	}
	return false
}
