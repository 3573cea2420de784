package cpufreq

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCpufreqTests(cpufiles map[string]map[string]string) func() {
	origBasePath := basePath
	basePath = "testing/cpus"
	// backup pointer to the function that counts all CPUs
	// replace it with our controlled function
	origGetNumOfCpusFunc := getNumberOfCpus
	getNumberOfCpus = func() int { return len(cpufiles) }

	for cpuName, cpuDetails := range cpufiles {
		cpudir := filepath.Join(basePath, cpuName)
		os.MkdirAll(filepath.Join(cpudir, "cpufreq"), os.ModePerm)
		for prop, value := range cpuDetails {
			switch prop {
			case "max":
				os.WriteFile(filepath.Join(cpudir, cpuMaxFreqFile), []byte(value+"\n"), 0644)
			case "min":
				os.WriteFile(filepath.Join(cpudir, cpuMinFreqFile), []byte(value+"\n"), 0644)
			case "governor":
				os.WriteFile(filepath.Join(cpudir, scalingGovFile), []byte(value+"\n"), 0644)
			case "setspeed":
				os.WriteFile(filepath.Join(cpudir, scalingSetspeedFile), []byte(value+"\n"), 0644)
			case "available_governors":
				os.WriteFile(filepath.Join(cpudir, availGovFile), []byte(value+"\n"), 0644)
			}
		}
	}
	return func() {
		// wipe created cpus dir
		os.RemoveAll(strings.Split(basePath, "/")[0])
		// revert cpu /sys path
		basePath = origBasePath
		// revert get number of system cpus function
		getNumberOfCpus = origGetNumOfCpusFunc
	}
}

func readTestFile(t *testing.T, cpuName string, file string) string {
	t.Helper()
	value, err := os.ReadFile(filepath.Join(basePath, cpuName, file))
	require.NoError(t, err)
	return strings.TrimSuffix(string(value), "\n")
}

func Test_populateFrequencyLevels(t *testing.T) {
	// the sweep order interleaves the extremes before narrowing in
	assert.Equal(t,
		[]int{3600000, 1200000, 2400000, 3000000, 1800000, 3300000, 2700000, 2100000, 1500000},
		populateFrequencyLevels(3600000, 1200000))

	assert.Equal(t,
		[]int{2000, 1000, 1500, 1750, 1250, 1875, 1625, 1375, 1125},
		populateFrequencyLevels(2000, 1000))

	// equal bounds degenerate to a flat sweep
	assert.Equal(t,
		[]int{1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000},
		populateFrequencyLevels(1000, 1000))

	// derivation is deterministic
	assert.Equal(t, populateFrequencyLevels(3600000, 1200000), populateFrequencyLevels(3600000, 1200000))
}

func TestNew(t *testing.T) {
	defer setupCpufreqTests(map[string]map[string]string{
		"cpu0": {}, "cpu1": {}, "cpu2": {}, "cpu3": {},
	})()

	// explicit list is kept as given
	controller := New([]uint{2, 3})
	assert.Equal(t, []uint{2, 3}, controller.cpus)

	// an empty list means every cpu known to the OS
	controller = New(nil)
	assert.Equal(t, []uint{0, 1, 2, 3}, controller.cpus)
}

func TestController_Setup(t *testing.T) {
	cpufiles := map[string]map[string]string{
		"cpu0": {
			"max":                 "3600000",
			"min":                 "1200000",
			"available_governors": "conservative ondemand userspace powersave performance",
			"governor":            "powersave",
			"setspeed":            "<unsupported>",
		},
		"cpu1": {
			"governor": "performance",
			"setspeed": "<unsupported>",
		},
	}
	defer setupCpufreqTests(cpufiles)()

	controller := New([]uint{0, 1})
	require.NoError(t, controller.Setup())

	assert.Equal(t, 3600000, controller.MaxFrequency())
	assert.Equal(t, 1200000, controller.MinFrequency())
	assert.Len(t, controller.Levels(), totalFrequencyLevels)
	assert.Equal(t,
		[]string{"conservative", "ondemand", "userspace", "powersave", "performance"},
		controller.AvailableGovernors())

	// previous state is saved before the governor switch
	assert.Equal(t, []string{"powersave", "performance"}, controller.savedGovernors)
	assert.Equal(t, []string{setspeedUnsupported, setspeedUnsupported}, controller.savedSetspeeds)

	// both cpus now run the userspace governor
	assert.Equal(t, cpuPolicyUserspace, readTestFile(t, "cpu0", scalingGovFile))
	assert.Equal(t, cpuPolicyUserspace, readTestFile(t, "cpu1", scalingGovFile))
}

func TestController_SetupUnavailable(t *testing.T) {
	// userspace governor not offered
	teardown := setupCpufreqTests(map[string]map[string]string{
		"cpu0": {
			"max":                 "3600000",
			"min":                 "1200000",
			"available_governors": "conservative ondemand powersave",
			"governor":            "powersave",
			"setspeed":            "<unsupported>",
		},
	})
	assert.ErrorContains(t, New([]uint{0}).Setup(), "userspace")
	teardown()

	// governor listing missing entirely
	teardown = setupCpufreqTests(map[string]map[string]string{
		"cpu0": {"max": "3600000", "min": "1200000"},
	})
	assert.ErrorContains(t, New([]uint{0}).Setup(), "available governors")
	teardown()

	// frequency bounds missing
	teardown = setupCpufreqTests(map[string]map[string]string{
		"cpu0": {"available_governors": "userspace powersave"},
	})
	assert.ErrorContains(t, New([]uint{0}).Setup(), "max frequency")
	teardown()

	// a managed cpu without cpufreq state aborts the switch
	teardown = setupCpufreqTests(map[string]map[string]string{
		"cpu0": {
			"max":                 "3600000",
			"min":                 "1200000",
			"available_governors": "userspace powersave",
			"governor":            "powersave",
			"setspeed":            "<unsupported>",
		},
	})
	assert.ErrorContains(t, New([]uint{0, 1}).Setup(), "cpu 1")
	teardown()
}

func TestController_ChangeFrequency(t *testing.T) {
	cpufiles := map[string]map[string]string{
		"cpu0": {
			"max":                 "2000",
			"min":                 "1000",
			"available_governors": "userspace powersave",
			"governor":            "powersave",
			"setspeed":            "<unsupported>",
		},
		"cpu1": {
			"governor": "powersave",
			"setspeed": "<unsupported>",
		},
	}
	defer setupCpufreqTests(cpufiles)()

	controller := New([]uint{0, 1})
	require.NoError(t, controller.Setup())

	expected := []int{2000, 1000, 1500, 1750, 1250, 1875, 1625, 1375, 1125}
	// two full cycles, the sequence wraps after the last level
	for i := 0; i < 2*totalFrequencyLevels; i++ {
		frequency, err := controller.ChangeFrequency()
		require.NoError(t, err)
		assert.Equal(t, expected[i%totalFrequencyLevels], frequency)
		assert.Equal(t, frequency, controller.CurrentFrequency())
		assert.Equal(t, strconv.Itoa(frequency), readTestFile(t, "cpu0", scalingSetspeedFile))
		assert.Equal(t, strconv.Itoa(frequency), readTestFile(t, "cpu1", scalingSetspeedFile))
	}

	// rewinding restarts the sweep from the top
	controller.ResetLevelIndex()
	frequency, err := controller.ChangeFrequency()
	require.NoError(t, err)
	assert.Equal(t, 2000, frequency)
}

func TestController_ChangeFrequencyFailure(t *testing.T) {
	defer setupCpufreqTests(map[string]map[string]string{
		"cpu0": {
			"max":                 "2000",
			"min":                 "1000",
			"available_governors": "userspace powersave",
			"governor":            "powersave",
			"setspeed":            "<unsupported>",
		},
	})()

	controller := New([]uint{0})
	require.NoError(t, controller.Setup())

	// make the setpoint unwritable by removing the cpufreq directory
	require.NoError(t, os.RemoveAll(filepath.Join(basePath, "cpu0", "cpufreq")))
	_, err := controller.ChangeFrequency()
	assert.ErrorContains(t, err, "failed to set frequency")
	// the cursor still advanced and the failed level is recorded as current
	assert.Equal(t, 2000, controller.CurrentFrequency())
}

func TestController_Restore(t *testing.T) {
	cpufiles := map[string]map[string]string{
		"cpu0": {
			"max":                 "2000",
			"min":                 "1000",
			"available_governors": "userspace powersave",
			"governor":            "powersave",
			"setspeed":            "<unsupported>",
		},
		"cpu1": {
			"governor": "userspace",
			"setspeed": "1500000",
		},
	}
	defer setupCpufreqTests(cpufiles)()

	controller := New([]uint{0, 1})
	require.NoError(t, controller.Setup())
	_, err := controller.ChangeFrequency()
	require.NoError(t, err)

	require.NoError(t, controller.Restore())

	// cpu0 returns to its governor, the unsupported setpoint is not written back
	assert.Equal(t, "powersave", readTestFile(t, "cpu0", scalingGovFile))
	assert.Equal(t, "2000", readTestFile(t, "cpu0", scalingSetspeedFile))
	// cpu1 was on userspace already so its setpoint is written back
	assert.Equal(t, cpuPolicyUserspace, readTestFile(t, "cpu1", scalingGovFile))
	assert.Equal(t, "1500000", readTestFile(t, "cpu1", scalingSetspeedFile))
}

func TestController_RestoreFailure(t *testing.T) {
	cpufiles := map[string]map[string]string{
		"cpu0": {
			"max":                 "2000",
			"min":                 "1000",
			"available_governors": "userspace powersave",
			"governor":            "powersave",
			"setspeed":            "<unsupported>",
		},
		"cpu1": {"governor": "ondemand", "setspeed": "<unsupported>"},
		"cpu2": {"governor": "performance", "setspeed": "<unsupported>"},
	}
	defer setupCpufreqTests(cpufiles)()

	controller := New([]uint{0, 1, 2})
	require.NoError(t, controller.Setup())

	// break the middle cpu, the others must still be restored
	require.NoError(t, os.RemoveAll(filepath.Join(basePath, "cpu1")))
	err := controller.Restore()
	assert.ErrorContains(t, err, "cpu 1")
	assert.Equal(t, "powersave", readTestFile(t, "cpu0", scalingGovFile))
	assert.Equal(t, "performance", readTestFile(t, "cpu2", scalingGovFile))

	// a second broken cpu shows up alongside in the aggregate
	require.NoError(t, os.RemoveAll(filepath.Join(basePath, "cpu2")))
	err = controller.Restore()
	assert.ErrorContains(t, err, "cpu 1")
	assert.ErrorContains(t, err, "cpu 2")
}
