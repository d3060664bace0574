package route

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgdispatch/imgdispatch/internal/config"
)

func TestArgvKeepsOrder(t *testing.T) {
	s := Spec{Args: []Arg{
		{Flag: "-i1", Value: "/seed.jpg"},
		{Flag: "-i2", Value: "/seed.jpg"},
		{Flag: "-o", Value: "/output.jpg"},
		{Flag: "-p", Value: "/param"},
	}}
	assert.Equal(t,
		[]string{"-i1", "/seed.jpg", "-i2", "/seed.jpg", "-o", "/output.jpg", "-p", "/param"},
		s.Argv())
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	a := Spec{Name: "a", Path: "/a", Executable: "/bin/a"}

	_, err := NewTable(a, Spec{Name: "b", Path: "/a", Executable: "/bin/b"})
	assert.ErrorContains(t, err, "duplicate path")

	_, err = NewTable(a, Spec{Name: "a", Path: "/b", Executable: "/bin/b"})
	assert.ErrorContains(t, err, "duplicate name")

	_, err = NewTable(Spec{Name: "x", Path: "/x"})
	assert.ErrorContains(t, err, "required")
}

func TestTableIsImmutable(t *testing.T) {
	args := []Arg{{Flag: "-i", Value: "/in"}}
	table, err := NewTable(Spec{Name: "a", Path: "/a", Executable: "/bin/a", Args: args})
	require.NoError(t, err)

	args[0].Value = "/changed"
	specs := table.Specs()
	specs[0].Path = "/mutated"

	got, ok := table.Lookup("/a")
	require.True(t, ok)
	assert.Equal(t, "/in", got.Args[0].Value)
	assert.Equal(t, 1, table.Len())

	_, ok = table.Lookup("/mutated")
	assert.False(t, ok)
}

func TestFromConfigDefaults(t *testing.T) {
	cfg := config.Defaults()
	cfg.Invoker.DefaultTimeout = 45 * time.Second
	cfg.Routes[0].Timeout = time.Minute

	table, err := FromConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 4, table.Len())

	process, ok := table.Lookup("/process")
	require.True(t, ok)
	assert.Equal(t, "/opt/imgdispatch/bin/processImages.exe", process.Executable)
	assert.Equal(t,
		[]string{"-i", "/var/lib/imgdispatch/images/", "-o", "/var/lib/imgdispatch/keypoints/", "-p", "/etc/imgdispatch/param"},
		process.Argv())
	assert.Equal(t, "/var/lib/imgdispatch/keypoints/", process.ResultPath)
	assert.Equal(t, "Process images into /var/lib/imgdispatch/keypoints/", process.Summary)
	assert.Equal(t, time.Minute, process.Timeout)

	draw, ok := table.Lookup("/draw")
	require.True(t, ok)
	assert.Equal(t, []string{"-i1", "-i2", "-o", "-p"}, flags(draw))
	assert.Equal(t, 45*time.Second, draw.Timeout)

	scan, ok := table.Lookup("/scan")
	require.True(t, ok)
	assert.Equal(t, []string{"-i", "-d", "-k", "-o", "-p"}, flags(scan))

	show, ok := table.Lookup("/show")
	require.True(t, ok)
	assert.Equal(t, "//path//to//keypoints.jpg//", show.ResultPath)
	assert.Equal(t, "SHOWING KEYPOINTS", show.Heading)
}

func flags(s Spec) []string {
	var out []string
	for _, a := range s.Args {
		out = append(out, a.Flag)
	}
	return out
}

func TestFromConfigNoTimeoutOverridesDefault(t *testing.T) {
	cfg := config.Defaults()
	cfg.Invoker.DefaultTimeout = 45 * time.Second
	cfg.Routes[0].NoTimeout = true

	table, err := FromConfig(cfg)
	require.NoError(t, err)

	process, ok := table.Lookup("/process")
	require.True(t, ok)
	assert.Zero(t, process.Timeout)

	scan, ok := table.Lookup("/scan")
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, scan.Timeout)
}
