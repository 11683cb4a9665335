package machine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the machines file at path. A missing file yields an empty
// registry (every request will be declined); anything else malformed aborts
// startup. Paths ending in .yaml or .yml use the YAML layout, everything
// else the classic one-machine-per-line format.
func Load(path string) ([]Machine, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open machines file '%s': %w", path, err)
	}
	defer f.Close()

	var machines []Machine
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		machines, err = ParseYAML(f)
	} else {
		machines, err = Parse(f)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid machines file '%s': %w", path, err)
	}
	return machines, nil
}

// Parse reads the classic format: one machine per line, whitespace-separated
// fields (host, comma-joined systems, ssh key, max jobs, speed factor,
// comma-joined supported features, comma-joined mandatory features). A '#'
// starts a comment; blank lines are skipped.
func Parse(r io.Reader) ([]Machine, error) {
	var machines []Machine

	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 || len(fields) > 7 {
			return nil, fmt.Errorf("line %d: expected 3 to 7 fields, got %d", lineno, len(fields))
		}

		m := Machine{
			Host:        fields[0],
			Systems:     splitList(fields[1]),
			SSHKey:      fields[2],
			MaxJobs:     1,
			SpeedFactor: 1.0,
		}
		var err error
		if len(fields) > 3 {
			if m.MaxJobs, err = strconv.Atoi(fields[3]); err != nil {
				return nil, fmt.Errorf("line %d: invalid max jobs '%s'", lineno, fields[3])
			}
		}
		if len(fields) > 4 {
			if m.SpeedFactor, err = strconv.ParseFloat(fields[4], 64); err != nil {
				return nil, fmt.Errorf("line %d: invalid speed factor '%s'", lineno, fields[4])
			}
		}
		if len(fields) > 5 {
			m.SupportedFeatures = splitList(fields[5])
		}
		if len(fields) > 6 {
			m.MandatoryFeatures = splitList(fields[6])
		}

		m = m.normalize()
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		machines = append(machines, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return machines, nil
}

// ParseYAML reads the YAML layout: a list of machine records with the same
// field names and defaults as the classic format.
func ParseYAML(r io.Reader) ([]Machine, error) {
	var machines []Machine
	if err := yaml.NewDecoder(r).Decode(&machines); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	for i, m := range machines {
		if m.MaxJobs == 0 {
			m.MaxJobs = 1
		}
		m = m.normalize()
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("machine %d: %w", i, err)
		}
		machines[i] = m
	}
	return machines, nil
}

func splitList(s string) []string {
	if s == "" || s == "-" {
		return nil
	}
	return strings.Split(s, ",")
}
