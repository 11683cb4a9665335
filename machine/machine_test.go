package machine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullLine(t *testing.T) {
	machines, err := Parse(strings.NewReader(
		"host1 x86_64-linux,i686-linux /root/.ssh/id_rsa 4 2.5 big,kvm kvm\n"))
	require.NoError(t, err)
	require.Len(t, machines, 1)

	m := machines[0]
	assert.Equal(t, "host1", m.Host)
	assert.Equal(t, []string{"x86_64-linux", "i686-linux"}, m.Systems)
	assert.Equal(t, "/root/.ssh/id_rsa", m.SSHKey)
	assert.Equal(t, 4, m.MaxJobs)
	assert.Equal(t, 2.5, m.SpeedFactor)
	assert.ElementsMatch(t, []string{"big", "kvm"}, m.SupportedFeatures)
	assert.Equal(t, []string{"kvm"}, m.MandatoryFeatures)
}

func TestParseDefaults(t *testing.T) {
	machines, err := Parse(strings.NewReader("host1 x86_64-linux /k\n"))
	require.NoError(t, err)
	require.Len(t, machines, 1)

	assert.Equal(t, 1, machines[0].MaxJobs)
	assert.Equal(t, 1.0, machines[0].SpeedFactor)
	assert.Empty(t, machines[0].SupportedFeatures)
}

func TestParseCommentsAndBlankLines(t *testing.T) {
	machines, err := Parse(strings.NewReader(`
# build farm, see ops wiki
host1 x86_64-linux /k 2 1

host2 aarch64-linux /k 1 1 # arm box
`))
	require.NoError(t, err)
	assert.Len(t, machines, 2)
}

func TestParseMandatoryFoldedIntoSupported(t *testing.T) {
	machines, err := Parse(strings.NewReader("sec x86_64-linux /k 1 1 big kvm\n"))
	require.NoError(t, err)
	require.Len(t, machines, 1)

	assert.ElementsMatch(t, []string{"big", "kvm"}, machines[0].SupportedFeatures)
}

func TestParseMalformedNumbers(t *testing.T) {
	_, err := Parse(strings.NewReader("host1 x86_64-linux /k many\n"))
	assert.ErrorContains(t, err, "invalid max jobs")

	_, err = Parse(strings.NewReader("host1 x86_64-linux /k 2 fast\n"))
	assert.ErrorContains(t, err, "invalid speed factor")
}

func TestParseRejectsShortLine(t *testing.T) {
	_, err := Parse(strings.NewReader("host1 x86_64-linux\n"))
	assert.ErrorContains(t, err, "expected 3 to 7 fields")
}

func TestLoadMissingFileIsEmptyRegistry(t *testing.T) {
	machines, err := Load(filepath.Join(t.TempDir(), "machines"))
	require.NoError(t, err)
	assert.Empty(t, machines)
}

func TestLoadClassicFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machines")
	require.NoError(t, os.WriteFile(path, []byte("host1 x86_64-linux /k 2 1\n"), 0644))

	machines, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, machines, 1)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- host: host1
  systems: [x86_64-linux]
  sshKey: /k
  maxJobs: 4
  supportedFeatures: [big]
  mandatoryFeatures: [kvm]
`), 0644))

	machines, err := Load(path)
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, 4, machines[0].MaxJobs)
	assert.Equal(t, 1.0, machines[0].SpeedFactor)
	assert.ElementsMatch(t, []string{"big", "kvm"}, machines[0].SupportedFeatures)
}

func TestCanBuild(t *testing.T) {
	m := Machine{
		Host:              "sec",
		Systems:           []string{"x86_64-linux"},
		SupportedFeatures: []string{"big", "kvm"},
		MandatoryFeatures: []string{"kvm"},
	}

	assert.True(t, m.CanBuild("x86_64-linux", []string{"kvm"}))
	assert.True(t, m.CanBuild("x86_64-linux", []string{"kvm", "big"}))

	// Mandatory feature not explicitly required
	assert.False(t, m.CanBuild("x86_64-linux", nil))
	assert.True(t, m.RightType("x86_64-linux", nil))

	// Unsupported feature required
	assert.False(t, m.CanBuild("x86_64-linux", []string{"kvm", "cuda"}))
	assert.False(t, m.RightType("x86_64-linux", []string{"cuda"}))

	// Wrong platform
	assert.False(t, m.CanBuild("aarch64-linux", []string{"kvm"}))
	assert.False(t, m.RightType("aarch64-linux", nil))
}

func TestSlotFileName(t *testing.T) {
	m := Machine{Host: "host1", Systems: []string{"x86_64-linux", "i686-linux"}}
	assert.Equal(t, "x86_64-linux+i686-linux-host1-0", m.SlotFileName(0))
}
