package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	terminateGrace = 2 * time.Second
	terminatePoll  = 100 * time.Millisecond
)

// StrayProcess is a process found by name that this supervisor does not own.
type StrayProcess struct {
	PID     int32  `json:"pid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline,omitempty"`
}

// Reclaimer frees ports and removes llama-server processes left behind by
// earlier runs. Process and socket enumeration goes through gopsutil.
type Reclaimer struct {
	log  zerolog.Logger
	self int32

	listeners func(ctx context.Context, port int) ([]int32, error)
	processes func(ctx context.Context) ([]StrayProcess, error)
	terminate func(ctx context.Context, pid int32) error
}

// NewReclaimer constructs a Reclaimer backed by gopsutil.
func NewReclaimer(log zerolog.Logger) *Reclaimer {
	return &Reclaimer{
		log:       log,
		self:      int32(os.Getpid()),
		listeners: listeningPIDs,
		processes: listProcesses,
		terminate: terminatePID,
	}
}

// KillLlamaOnPort terminates whatever process listens on port. It never
// kills the current process and reports whether anything was terminated.
func (r *Reclaimer) KillLlamaOnPort(ctx context.Context, port int) bool {
	pids, err := r.listeners(ctx, port)
	if err != nil {
		r.log.Debug().Err(err).Int("port", port).Msg("list listeners failed")
		return false
	}
	killed := false
	for _, pid := range pids {
		if pid == r.self || pid <= 0 {
			continue
		}
		if err := r.terminate(ctx, pid); err != nil {
			r.log.Warn().Err(err).Int32("pid", pid).Int("port", port).Msg("terminate listener failed")
			continue
		}
		killed = true
	}
	return killed
}

// FindStrayServers lists processes whose name or executable is name.
func (r *Reclaimer) FindStrayServers(ctx context.Context, name string) ([]StrayProcess, error) {
	if name == "" {
		name = BinaryName
	}
	all, err := r.processes(ctx)
	if err != nil {
		return nil, err
	}
	var out []StrayProcess
	for _, p := range all {
		if p.PID == r.self || !matchesBinary(p, name) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// KillStrayServers terminates every stray process named name and returns
// how many were terminated.
func (r *Reclaimer) KillStrayServers(ctx context.Context, name string) int {
	strays, err := r.FindStrayServers(ctx, name)
	if err != nil {
		r.log.Warn().Err(err).Msg("list processes failed")
		return 0
	}
	n := 0
	for _, p := range strays {
		if err := r.terminate(ctx, p.PID); err != nil {
			r.log.Warn().Err(err).Int32("pid", p.PID).Msg("terminate stray failed")
			continue
		}
		r.log.Info().Int32("pid", p.PID).Str("name", p.Name).Msg("killed stray llama-server")
		n++
	}
	return n
}

func matchesBinary(p StrayProcess, name string) bool {
	trim := func(s string) string { return strings.TrimSuffix(strings.ToLower(s), ".exe") }
	want := trim(name)
	if trim(p.Name) == want {
		return true
	}
	fields := strings.Fields(p.Cmdline)
	return len(fields) > 0 && trim(filepath.Base(fields[0])) == want
}

func listeningPIDs(ctx context.Context, port int) ([]int32, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	seen := map[int32]bool{}
	var out []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid == 0 || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		out = append(out, c.Pid)
	}
	return out, nil
}

func listProcesses(ctx context.Context) ([]StrayProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StrayProcess, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// exited while listing
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		out = append(out, StrayProcess{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	return out, nil
}

// terminatePID sends SIGTERM, waits briefly, then kills.
func terminatePID(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(terminateGrace)
	for time.Now().Before(deadline) {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(terminatePoll):
		}
	}
	return p.KillWithContext(ctx)
}
