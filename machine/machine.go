// Package machine holds the static registry of remote build workers, loaded
// once at startup from the machines file.
package machine

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Machine describes one remote worker. Records are immutable after load;
// giving up on a host is tracked by the placement engine, not here.
type Machine struct {
	Host              string   `yaml:"host"`
	Systems           []string `yaml:"systems"`
	SSHKey            string   `yaml:"sshKey"`
	MaxJobs           int      `yaml:"maxJobs"`
	SpeedFactor       float64  `yaml:"speedFactor"`
	SupportedFeatures []string `yaml:"supportedFeatures"`
	MandatoryFeatures []string `yaml:"mandatoryFeatures"`
}

// CanBuild reports whether this machine may run a build for the given system
// and required feature set: every required feature must be supported, and
// every mandatory feature of the machine must have been explicitly required.
func (m Machine) CanBuild(system string, required []string) bool {
	return m.RightType(system, required) &&
		lo.Every(required, m.MandatoryFeatures)
}

// RightType is the weaker filter: platform matches and all required features
// are supported, ignoring the mandatory-subset rule. The placement engine does
// not use it: only machines passing CanBuild make a busy request postpone.
func (m Machine) RightType(system string, required []string) bool {
	return lo.Contains(m.Systems, system) &&
		lo.Every(m.SupportedFeatures, required)
}

// SlotFileName is the name of the lock file for one of this machine's slots,
// relative to the state directory.
func (m Machine) SlotFileName(slot int) string {
	return fmt.Sprintf("%s-%s-%d", strings.Join(m.Systems, "+"), m.Host, slot)
}

func (m Machine) validate() error {
	if m.Host == "" {
		return fmt.Errorf("machine host must not be empty")
	}
	if len(m.Systems) == 0 {
		return fmt.Errorf("machine '%s' must list at least one system type", m.Host)
	}
	if m.MaxJobs < 0 {
		return fmt.Errorf("machine '%s' has negative maxJobs", m.Host)
	}
	if m.SpeedFactor < 1.0 {
		return fmt.Errorf("machine '%s' has speed factor %v, must be at least 1", m.Host, m.SpeedFactor)
	}
	return nil
}

// normalize applies defaults and folds mandatory features into the supported
// set, so filters only ever need to look at SupportedFeatures.
func (m Machine) normalize() Machine {
	if m.SpeedFactor == 0 {
		m.SpeedFactor = 1.0
	}
	m.SupportedFeatures = lo.Uniq(append(m.SupportedFeatures, m.MandatoryFeatures...))
	return m
}
