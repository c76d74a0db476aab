package server

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// memorySampleTTL bounds how often the admission guard queries the host.
const memorySampleTTL = time.Second

// resourceMonitor samples process and host usage for /stats and the memory
// admission guard.
type resourceMonitor struct {
	log  zerolog.Logger
	proc *process.Process

	// hostMemory is replaceable in tests.
	hostMemory func() (float64, error)

	mu         sync.Mutex
	sampled    time.Time
	lastMemory float64
	lastOK     bool
}

func newResourceMonitor(log zerolog.Logger) *resourceMonitor {
	m := &resourceMonitor{
		log: log,
		hostMemory: func() (float64, error) {
			vmem, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vmem.UsedPercent, nil
		},
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get process handle; process stats disabled")
	} else {
		m.proc = proc
	}
	return m
}

// memoryPercent returns host memory usage, cached for memorySampleTTL. ok is
// false when the host could not be queried.
func (m *resourceMonitor) memoryPercent() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sampled.IsZero() && time.Since(m.sampled) < memorySampleTTL {
		return m.lastMemory, m.lastOK
	}

	used, err := m.hostMemory()
	m.sampled = time.Now()
	m.lastMemory, m.lastOK = used, err == nil
	if err != nil {
		m.log.Debug().Err(err).Msg("Error reading host memory")
	}
	return m.lastMemory, m.lastOK
}

// Stats is the /stats payload.
type Stats struct {
	Sessions      int     `json:"sessions"`
	Rooms         int     `json:"rooms"`
	Goroutines    int     `json:"goroutines"`
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (m *resourceMonitor) fill(st *Stats) {
	st.Goroutines = runtime.NumGoroutine()
	if used, ok := m.memoryPercent(); ok {
		st.MemoryPercent = used
	}
	if m.proc == nil {
		return
	}
	if info, err := m.proc.MemoryInfo(); err == nil {
		st.RSSBytes = info.RSS
	}
	if cpu, err := m.proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
}

// Stats returns current session, room and resource figures.
func (s *Server) Stats() Stats {
	st := Stats{
		Sessions:      s.registry.Len(),
		Rooms:         s.rooms.Len(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	s.resources.fill(&st)
	return st
}
