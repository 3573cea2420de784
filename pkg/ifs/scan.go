package ifs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dilipshivaraju/opendcdiag/pkg/harness"
)

// verdict of one scan instance, decoded from its status and details files
const (
	scanPass = iota
	scanFail
	scanInconclusive // the scan could not run to completion, not a failure
	scanUndecoded    // failed status with a details code that does not parse
	scanIgnored      // untested or any other status with no bearing on the verdict
)

type scanResult struct {
	verdict int
	code    uint64
}

// decodeScan turns the raw status and details values of an instance into a
// verdict. details is only meaningful when status reports a failure.
func decodeScan(status string, details string) scanResult {
	if strings.HasPrefix(status, "pass") {
		return scanResult{verdict: scanPass}
	}
	if !strings.HasPrefix(status, "fail") {
		return scanResult{verdict: scanIgnored}
	}
	code, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(details), "0x"), 16, 64)
	if err != nil {
		return scanResult{verdict: scanUndecoded}
	}
	if code == swTimeout || code == swPartialCompletion {
		return scanResult{verdict: scanInconclusive, code: code}
	}
	return scanResult{verdict: scanFail, code: code}
}

// Run executes one scan pass on the given cpu across every instance the
// driver exposes. A nil return means at least one instance passed, a
// HardwareError means an instance confirmed a defect and the remaining
// instances were not scanned.
func (t *Test) Run(cpu harness.CPU) error {
	if cpu.Thread != 0 {
		return harness.Skipf(harness.RuntimeSkip, "scan runs only on thread 0 of every core")
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		return fmt.Errorf("cannot enumerate scan instances: %w", err)
	}

	anyPassed := false
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), instancePrefix) {
			continue
		}
		instance := entry.Name()

		// starting the scan blocks until it has finished on this cpu
		if err := writeInstanceFile(filepath.Join(basePath, instance, runTestFile), fmt.Sprintf("%d\n", cpu.Number)); err != nil {
			log.Info("could not start scan", "instance", instance, "error", err.Error())
			continue
		}

		status, err := readInstanceFile(instance, statusFile)
		if err != nil {
			log.Info("could not obtain scan result", "instance", instance, "error", err.Error())
			continue
		}

		details := ""
		if strings.HasPrefix(status, "fail") {
			details, err = readInstanceFile(instance, detailsFile)
			if err != nil {
				hardwareErr := &harness.HardwareError{
					Device: instance,
					Detail: fmt.Sprintf("scan failed and the error condition could not be read, image %s version %s", t.ImageID, t.ImageVersion),
				}
				log.Error(err, "scan failed but could not retrieve error condition", "instance", instance, "image", t.ImageID, "version", t.ImageVersion)
				return hardwareErr
			}
		}

		switch result := decodeScan(status, details); result.verdict {
		case scanPass:
			log.V(4).Info("scan passed", "instance", instance)
			anyPassed = true
		case scanInconclusive:
			log.Info("scan did not run to completion", "instance", instance, "code", details, "image", t.ImageID, "version", t.ImageVersion)
		case scanUndecoded:
			log.Info("scan reported an unreadable error condition", "instance", instance, "details", details)
		case scanFail:
			hardwareErr := &harness.HardwareError{
				Device: instance,
				Code:   details,
				Detail: fmt.Sprintf("scan failed, image %s version %s", t.ImageID, t.ImageVersion),
			}
			log.Error(hardwareErr, "scan failed", "instance", instance, "code", details, "image", t.ImageID, "version", t.ImageVersion)
			return hardwareErr
		case scanIgnored:
			log.V(4).Info("ignoring scan status", "instance", instance, "status", status)
		}
	}

	if !anyPassed {
		return harness.Skipf(harness.RuntimeSkip, "no scan instance passed on cpu %d", cpu.Number)
	}
	return nil
}
