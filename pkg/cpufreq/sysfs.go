package cpufreq

// kernel cpufreq sysfs access for a single cpu

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	cpuMaxFreqFile      = "cpufreq/cpuinfo_max_freq"
	cpuMinFreqFile      = "cpufreq/cpuinfo_min_freq"
	scalingGovFile      = "cpufreq/scaling_governor"
	scalingSetspeedFile = "cpufreq/scaling_setspeed"
	availGovFile        = "cpufreq/scaling_available_governors"

	cpuPolicyUserspace = "userspace"

	// scaling_setspeed reads back this marker while a non-userspace
	// governor is active, the value cannot be written back
	setspeedUnsupported = "<unsupported>"
)

var basePath = "/sys/devices/system/cpu"

// getNumberOfCpus defined as var so it can be mocked by the unit tests
var getNumberOfCpus = runtime.NumCPU

// reads content of a per-cpu file and returns it as a string with the
// trailing newline stripped
func readCpuStringProperty(cpuID uint, file string) (string, error) {
	path := filepath.Join(basePath, fmt.Sprint("cpu", cpuID), file)
	value, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "readCpuStringProperty")
	}
	return strings.TrimSuffix(string(value), "\n"), nil
}

// reads property of a specific cpu, parses contents as an int and returns the value
func readCpuIntProperty(cpuID uint, file string) (int, error) {
	valueString, err := readCpuStringProperty(cpuID, file)
	if err != nil {
		return 0, errors.Wrap(err, "readCpuIntProperty")
	}
	value, err := strconv.Atoi(valueString)
	if err != nil {
		return 0, errors.Wrap(err, "readCpuIntProperty")
	}
	return value, nil
}

func writeCpuProperty(cpuID uint, file string, value string) error {
	return os.WriteFile(filepath.Join(basePath, fmt.Sprint("cpu", cpuID), file), []byte(value), 0644)
}
