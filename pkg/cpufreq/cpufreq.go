package cpufreq

// frequency sweep control built on the cpufreq userspace governor

import (
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

const totalFrequencyLevels = 9

var log = logr.Discard()

// SetLogger takes a logr.Logger and sets it as the package logger
func SetLogger(logger logr.Logger) {
	log = logger
}

// Controller owns the cpufreq state of a set of cpus for the duration of a
// frequency sweep. Setup moves the cpus to the userspace governor and records
// what they ran before, Restore puts it back. The zero cursor advances one
// level per ChangeFrequency call and wraps after the last level.
// A Controller is not safe for concurrent use.
type Controller struct {
	cpus []uint

	maxFrequency int
	minFrequency int

	levels           []int
	levelIdx         int
	currentFrequency int

	savedGovernors []string
	savedSetspeeds []string

	availableGovernors []string
}

// New prepares a Controller for the given cpus. An empty list means every
// cpu known to the OS. No sysfs access happens until Setup.
func New(cpus []uint) *Controller {
	if len(cpus) == 0 {
		cpus = make([]uint, getNumberOfCpus())
		for i := range cpus {
			cpus[i] = uint(i)
		}
	}
	return &Controller{cpus: cpus}
}

// Setup reads the hardware frequency bounds, derives the level sequence and
// moves every managed cpu to the userspace governor, saving each cpu's
// governor and setpoint for Restore. Bounds and the governor listing are read
// from the first managed cpu.
func (c *Controller) Setup() error {
	// not every distribution ships the userspace governor
	governors, err := readCpuStringProperty(c.cpus[0], availGovFile)
	if err != nil {
		return errors.Wrap(err, "failed to read available governors")
	}
	c.availableGovernors = strings.Fields(governors)
	if !slices.Contains(c.availableGovernors, cpuPolicyUserspace) {
		return errors.Errorf("governor %s not available on cpu %d", cpuPolicyUserspace, c.cpus[0])
	}

	maxFrequency, err := readCpuIntProperty(c.cpus[0], cpuMaxFreqFile)
	if err != nil {
		return errors.Wrap(err, "failed to read max frequency")
	}
	minFrequency, err := readCpuIntProperty(c.cpus[0], cpuMinFreqFile)
	if err != nil {
		return errors.Wrap(err, "failed to read min frequency")
	}
	c.maxFrequency = maxFrequency
	c.minFrequency = minFrequency
	c.levels = populateFrequencyLevels(maxFrequency, minFrequency)
	log.V(4).Info("frequency levels derived", "max", maxFrequency, "min", minFrequency, "levels", c.levels)

	c.savedGovernors = make([]string, len(c.cpus))
	c.savedSetspeeds = make([]string, len(c.cpus))
	for i, cpuID := range c.cpus {
		governor, err := readCpuStringProperty(cpuID, scalingGovFile)
		if err != nil {
			return errors.Wrapf(err, "failed to read governor of cpu %d", cpuID)
		}
		setspeed, err := readCpuStringProperty(cpuID, scalingSetspeedFile)
		if err != nil {
			return errors.Wrapf(err, "failed to read setpoint of cpu %d", cpuID)
		}
		c.savedGovernors[i] = governor
		c.savedSetspeeds[i] = setspeed
		if err := writeCpuProperty(cpuID, scalingGovFile, cpuPolicyUserspace); err != nil {
			return errors.Wrapf(err, "failed to set governor of cpu %d", cpuID)
		}
	}
	log.Info("scaling governor set", "governor", cpuPolicyUserspace, "cpus", len(c.cpus))
	return nil
}

// populateFrequencyLevels derives the sweep sequence from the hardware
// bounds. Starting from [max, min], every round appends the midpoint of each
// adjacent pair of the values seen so far in descending order, growing the
// sequence 2 -> 3 -> 5 -> 9.
func populateFrequencyLevels(maxFrequency, minFrequency int) []int {
	levels := []int{maxFrequency, minFrequency}
	for len(levels) < totalFrequencyLevels {
		sorted := slices.Clone(levels)
		slices.SortFunc(sorted, func(a, b int) bool { return a > b })
		for i := 1; i < len(sorted); i++ {
			levels = append(levels, (sorted[i-1]+sorted[i])/2)
		}
	}
	return levels
}

// ChangeFrequency applies the next level of the sweep to every managed cpu
// and returns the applied frequency in kHz. Must follow Setup.
func (c *Controller) ChangeFrequency() (int, error) {
	frequency := c.levels[c.levelIdx%totalFrequencyLevels]
	c.levelIdx++
	c.currentFrequency = frequency

	value := strconv.Itoa(frequency)
	for _, cpuID := range c.cpus {
		if err := writeCpuProperty(cpuID, scalingSetspeedFile, value); err != nil {
			return 0, errors.Wrapf(err, "failed to set frequency %d on cpu %d", frequency, cpuID)
		}
	}
	log.V(4).Info("frequency applied", "frequency", frequency)
	return frequency, nil
}

// Restore writes back the governor and setpoint each cpu had before Setup,
// in that order. Every cpu is attempted even when an earlier one fails, the
// failures are returned aggregated. A saved setpoint of <unsupported> is not
// written back, the restored governor does not accept one.
func (c *Controller) Restore() error {
	var restoreErrors *multierror.Error
	for i, cpuID := range c.cpus {
		if err := writeCpuProperty(cpuID, scalingGovFile, c.savedGovernors[i]); err != nil {
			restoreErrors = multierror.Append(restoreErrors, errors.Wrapf(err, "failed to restore governor of cpu %d", cpuID))
			continue
		}
		if c.savedSetspeeds[i] == setspeedUnsupported {
			continue
		}
		if err := writeCpuProperty(cpuID, scalingSetspeedFile, c.savedSetspeeds[i]); err != nil {
			restoreErrors = multierror.Append(restoreErrors, errors.Wrapf(err, "failed to restore setpoint of cpu %d", cpuID))
		}
	}
	if err := restoreErrors.ErrorOrNil(); err != nil {
		return err
	}
	log.Info("initial cpufreq state restored", "cpus", len(c.cpus))
	return nil
}

// ResetLevelIndex rewinds the sweep to the first level without touching any
// cpu state.
func (c *Controller) ResetLevelIndex() {
	c.levelIdx = 0
}

func (c *Controller) MaxFrequency() int {
	return c.maxFrequency
}

func (c *Controller) MinFrequency() int {
	return c.minFrequency
}

// CurrentFrequency returns the last frequency handed to ChangeFrequency's
// write loop, zero before the first call.
func (c *Controller) CurrentFrequency() int {
	return c.currentFrequency
}

// Levels returns the sweep sequence in application order.
func (c *Controller) Levels() []int {
	return slices.Clone(c.levels)
}

// AvailableGovernors returns the governors the first managed cpu advertised
// during Setup.
func (c *Controller) AvailableGovernors() []string {
	return c.availableGovernors
}
