package limits

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CgroupRoot is where the process's cgroup hierarchy is looked up.
const CgroupRoot = "/"

var errNoCgroup = errors.New("no cgroup with cpu accounting")

// ContainerCPU measures CPU usage as a percentage of the CPUs the container
// is allowed, read straight from cgroup accounting. On a 2 CPU quota, one
// fully busy core reads as 50%, where host CPU on a 32 core node would
// read ~3% and never trip the admission brake.
type ContainerCPU struct {
	mu       sync.Mutex
	dir      string // cgroup directory holding the cpu files
	version  int    // 1 or 2
	cpus     float64
	lastUsec uint64
	lastAt   time.Time
	now      func() time.Time
}

// NewContainerCPU finds the cgroup of the current process below root (the
// filesystem root in production, a fixture directory in tests) and takes the
// first usage reading.
func NewContainerCPU(root string) (*ContainerCPU, error) {
	dir, version, err := detectCgroup(root)
	if err != nil {
		return nil, err
	}

	cc := &ContainerCPU{dir: dir, version: version, now: time.Now}

	quota, period, err := cc.readQuota()
	if err != nil {
		return nil, fmt.Errorf("read cpu quota: %w", err)
	}
	if quota > 0 && period > 0 {
		cc.cpus = float64(quota) / float64(period)
	} else {
		cc.cpus = float64(runtime.NumCPU())
	}

	usage, err := cc.readUsage()
	if err != nil {
		return nil, fmt.Errorf("read cpu usage: %w", err)
	}
	cc.lastUsec = usage
	cc.lastAt = cc.now()

	return cc, nil
}

// Version reports the cgroup version in use.
func (cc *ContainerCPU) Version() int { return cc.version }

// Allocation is the number of CPUs the quota grants.
func (cc *ContainerCPU) Allocation() float64 { return cc.cpus }

// Percent returns usage since the previous call, normalised to the
// allocation. Values over 100 mean the container is being throttled.
func (cc *ContainerCPU) Percent() (float64, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	usage, err := cc.readUsage()
	if err != nil {
		return 0, err
	}
	now := cc.now()
	elapsed := now.Sub(cc.lastAt).Microseconds()
	if elapsed <= 0 {
		return 0, nil
	}

	// Counters can go backwards when the cgroup is recreated.
	var delta uint64
	if usage > cc.lastUsec {
		delta = usage - cc.lastUsec
	}
	cc.lastUsec = usage
	cc.lastAt = now

	return float64(delta) / float64(elapsed) * 100 / cc.cpus, nil
}

// detectCgroup parses <root>/proc/self/cgroup. The unified (v2) entry has
// hierarchy id 0 and no controllers; a v1 entry is picked by its cpu
// controller.
func detectCgroup(root string) (string, int, error) {
	f, err := os.Open(filepath.Join(root, "proc/self/cgroup"))
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return filepath.Join(root, "sys/fs/cgroup", parts[2]), 2, nil
		}
		for _, ctrl := range strings.Split(parts[1], ",") {
			if ctrl == "cpu" || ctrl == "cpuacct" {
				return filepath.Join(root, "sys/fs/cgroup/cpu", parts[2]), 1, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	return "", 0, errNoCgroup
}

// readQuota returns quota and period in microseconds. A missing quota is
// reported as -1.
func (cc *ContainerCPU) readQuota() (quota, period int64, err error) {
	if cc.version == 2 {
		data, err := os.ReadFile(filepath.Join(cc.dir, "cpu.max"))
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		if quota, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	if quota, err = readInt(filepath.Join(cc.dir, "cpu.cfs_quota_us")); err != nil {
		return 0, 0, err
	}
	period, err = readInt(filepath.Join(cc.dir, "cpu.cfs_period_us"))
	return quota, period, err
}

// readUsage returns cumulative CPU time in microseconds.
func (cc *ContainerCPU) readUsage() (uint64, error) {
	if cc.version == 2 {
		f, err := os.Open(filepath.Join(cc.dir, "cpu.stat"))
		if err != nil {
			return 0, err
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, errors.New("usage_usec not found in cpu.stat")
	}

	// v1 accounts in nanoseconds.
	nsec, err := readInt(filepath.Join(cc.dir, "cpuacct.usage"))
	if err != nil {
		return 0, err
	}
	return uint64(nsec) / 1000, nil
}

func readInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
