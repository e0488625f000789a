package limits

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestContainerCPUCgroupV2(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "proc/self/cgroup", "0::/kubepods/pod1/gw\n")
	writeFile(t, root, "sys/fs/cgroup/kubepods/pod1/gw/cpu.max", "200000 100000\n")
	writeFile(t, root, "sys/fs/cgroup/kubepods/pod1/gw/cpu.stat", "usage_usec 1000000\nuser_usec 900000\n")

	cc, err := NewContainerCPU(root)
	require.NoError(t, err)
	assert.Equal(t, 2, cc.Version())
	assert.InDelta(t, 2.0, cc.Allocation(), 0.001)

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	cc.now = clock.Now
	cc.lastAt = clock.Now()

	// One full core for one second out of two allowed.
	writeFile(t, root, "sys/fs/cgroup/kubepods/pod1/gw/cpu.stat", "usage_usec 2000000\n")
	clock.Advance(time.Second)

	pct, err := cc.Percent()
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pct, 0.01)

	// No time passed: no reading rather than a division by zero.
	pct, err = cc.Percent()
	require.NoError(t, err)
	assert.Zero(t, pct)
}

func TestContainerCPUCgroupV1(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "proc/self/cgroup", "12:memory:/docker/abc\n4:cpu,cpuacct:/docker/abc\n")
	writeFile(t, root, "sys/fs/cgroup/cpu/docker/abc/cpu.cfs_quota_us", "50000\n")
	writeFile(t, root, "sys/fs/cgroup/cpu/docker/abc/cpu.cfs_period_us", "100000\n")
	writeFile(t, root, "sys/fs/cgroup/cpu/docker/abc/cpuacct.usage", "0\n")

	cc, err := NewContainerCPU(root)
	require.NoError(t, err)
	assert.Equal(t, 1, cc.Version())
	assert.InDelta(t, 0.5, cc.Allocation(), 0.001)

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	cc.now = clock.Now
	cc.lastAt = clock.Now()

	// 250ms of CPU in one second on half a core is 50%.
	writeFile(t, root, "sys/fs/cgroup/cpu/docker/abc/cpuacct.usage", "250000000\n")
	clock.Advance(time.Second)

	pct, err := cc.Percent()
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pct, 0.01)
}

func TestContainerCPUUnlimitedUsesAllCores(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "proc/self/cgroup", "0::/\n")
	writeFile(t, root, "sys/fs/cgroup/cpu.max", "max 100000\n")
	writeFile(t, root, "sys/fs/cgroup/cpu.stat", "usage_usec 10\n")

	cc, err := NewContainerCPU(root)
	require.NoError(t, err)
	assert.Greater(t, cc.Allocation(), 0.0)
}

func TestContainerCPUDetectionFailures(t *testing.T) {
	t.Run("no proc file", func(t *testing.T) {
		_, err := NewContainerCPU(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("no cpu controller", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "proc/self/cgroup", "12:memory:/docker/abc\n")
		_, err := NewContainerCPU(root)
		assert.ErrorIs(t, err, errNoCgroup)
	})

	t.Run("malformed cpu.max", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "proc/self/cgroup", "0::/\n")
		writeFile(t, root, "sys/fs/cgroup/cpu.max", "garbage\n")
		_, err := NewContainerCPU(root)
		assert.Error(t, err)
	})
}
