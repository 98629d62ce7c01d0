// Package sampler polls OS process and host metrics for managed apps.
// Sampling is read-only and fails softly: a pid vanishing mid-read yields
// an absent sample, never an error that halts the loop.
package sampler

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/nodex-sh/nodex/internal/record"
)

// DefaultWindow is how many samples are retained per app.
const DefaultWindow = 60

// SystemSnapshot is a point-in-time view of the host, shown by monitor.
type SystemSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryTotal   uint64    `json:"memory_total"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskTotal     uint64    `json:"disk_total"`
	DiskUsed      uint64    `json:"disk_used"`
	DiskPercent   float64   `json:"disk_percent"`
	NetSentBytes  uint64    `json:"net_sent_bytes"`
	NetRecvBytes  uint64    `json:"net_recv_bytes"`
	UptimeSec     uint64    `json:"uptime_sec"`
	NumCPU        int       `json:"num_cpu"`
	At            time.Time `json:"at"`
}

type cpuTimes struct {
	total float64
	at    time.Time
}

// Sampler reads process metrics and keeps a bounded window per app.
type Sampler struct {
	window int
	log    *slog.Logger

	mu     sync.Mutex
	prev   map[int32]cpuTimes
	recent map[string][]record.MetricSample
}

func New(window int, logger *slog.Logger) *Sampler {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		window: window,
		log:    logger,
		prev:   make(map[int32]cpuTimes),
		recent: make(map[string][]record.MetricSample),
	}
}

// SampleAll reads one sample per record. Records without a live pid yield
// absent samples. CPU percent is the process cpu-time delta over the wall
// interval since the previous call, so 100 means one saturated core.
func (s *Sampler) SampleAll(recs []record.ProcessRecord) []record.MetricSample {
	now := time.Now().UTC()
	out := make([]record.MetricSample, 0, len(recs))
	live := make(map[int32]struct{}, len(recs))
	for i := range recs {
		rec := &recs[i]
		sample := record.MetricSample{Name: rec.Name, At: now}
		if rec.State.HasPID() && rec.PID > 0 {
			live[int32(rec.PID)] = struct{}{}
			s.read(rec.Name, int32(rec.PID), now, &sample)
		}
		out = append(out, sample)
		s.remember(sample)
	}
	s.prune(live)
	return out
}

func (s *Sampler) read(name string, pid int32, now time.Time, sample *record.MetricSample) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		s.log.Debug("sample skipped, process gone", "name", name, "pid", pid, "error", err)
		return
	}
	times, err := proc.Times()
	if err != nil {
		s.log.Debug("sample skipped, cpu times unreadable", "name", name, "pid", pid, "error", err)
		return
	}
	sample.PID = int(pid)

	total := times.User + times.System
	s.mu.Lock()
	if prev, ok := s.prev[pid]; ok {
		if wall := now.Sub(prev.at).Seconds(); wall > 0 && total >= prev.total {
			sample.CPUPercent = (total - prev.total) / wall * 100
		}
	}
	s.prev[pid] = cpuTimes{total: total, at: now}
	s.mu.Unlock()

	if memInfo, err := proc.MemoryInfo(); err == nil {
		sample.RSSBytes = memInfo.RSS
	} else {
		s.log.Debug("memory info unreadable", "name", name, "pid", pid, "error", err)
	}
	if io, err := proc.IOCounters(); err == nil {
		sample.DiskIOBytes = io.ReadBytes + io.WriteBytes
	}
	if counters, err := gnet.IOCounters(false); err == nil && len(counters) > 0 {
		// per-process network byte counts are not exposed portably;
		// report the host-wide total as context
		sample.NetIOBytes = counters[0].BytesSent + counters[0].BytesRecv
	}
}

func (s *Sampler) remember(sample record.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.recent[sample.Name]
	if len(buf) >= s.window {
		copy(buf, buf[1:])
		buf = buf[:s.window-1]
	}
	s.recent[sample.Name] = append(buf, sample)
}

func (s *Sampler) prune(live map[int32]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid := range s.prev {
		if _, ok := live[pid]; !ok {
			delete(s.prev, pid)
		}
	}
}

// Latest returns the most recent sample for an app.
func (s *Sampler) Latest(name string) (record.MetricSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.recent[name]
	if len(buf) == 0 {
		return record.MetricSample{}, false
	}
	return buf[len(buf)-1], true
}

// Recent returns the retained window for an app, oldest first.
func (s *Sampler) Recent(name string) []record.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.recent[name]
	out := make([]record.MetricSample, len(buf))
	copy(out, buf)
	return out
}

// Forget drops retained samples for an app after it is cleared.
func (s *Sampler) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recent, name)
}

// System reads a host-level snapshot for the monitor view.
func System() SystemSnapshot {
	snap := SystemSnapshot{At: time.Now().UTC(), NumCPU: runtime.NumCPU()}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage(rootPath); err == nil {
		snap.DiskTotal = du.Total
		snap.DiskUsed = du.Used
		snap.DiskPercent = du.UsedPercent
	}
	if counters, err := gnet.IOCounters(false); err == nil && len(counters) > 0 {
		snap.NetSentBytes = counters[0].BytesSent
		snap.NetRecvBytes = counters[0].BytesRecv
	}
	if up, err := host.Uptime(); err == nil {
		snap.UptimeSec = up
	}
	return snap
}
