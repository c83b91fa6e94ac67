//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// startTime returns when pid was created, to one-second precision on Linux.
// The zero time means unknown.
func startTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	if runtime.GOOS == "linux" {
		if sec := linuxStartUnix(pid); sec > 0 {
			return time.Unix(sec, 0)
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// linuxStartUnix derives the start time from /proc without spawning anything:
// boot time (btime in /proc/stat) plus starttime ticks from /proc/<pid>/stat.
func linuxStartUnix(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// comm may contain spaces; fields resume after the last ") "
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	// fields[0] is field 3 (state); starttime is field 22
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	boot := bootTimeUnix()
	if boot == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return boot + ticks/clk
}

func bootTimeUnix() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		v, ok := strings.CutPrefix(sc.Text(), "btime ")
		if !ok {
			continue
		}
		bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return bt
	}
	return 0
}
