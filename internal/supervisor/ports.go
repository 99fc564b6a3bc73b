package supervisor

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"llamad/internal/common/fsutil"
)

const (
	// BinaryName is the llama.cpp server executable.
	BinaryName = "llama-server"
	// EnvServerPath overrides binary discovery.
	EnvServerPath = "LLAMA_SERVER_PATH"

	sweepSpan   = DefaultPortRange - 1
	dialTimeout = 300 * time.Millisecond
	detectBatch = 3
)

// DefaultDetectPorts are the ports llama-server is commonly found on.
var DefaultDetectPorts = []int{
	8080, 8081, 8082, 8083, 8084, 8085,
	8134, 8135, 8136, 8137, 8138,
	3000, 3001, 3002,
	8086, 8087, 8088, 8089, 8090,
}

// PortChecker reports whether port is in use.
type PortChecker func(port int) bool

// IsPortInUse reports whether something accepts connections on host:port or
// the port cannot be bound.
func IsPortInUse(ctx context.Context, host string, port int) bool {
	if host == "" || host == "0.0.0.0" {
		host = DefaultHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: dialTimeout}
	if conn, err := d.DialContext(ctx, "tcp", addr); err == nil {
		_ = conn.Close()
		return true
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return true
	}
	_ = l.Close()
	return false
}

// FindAvailablePort returns the first port in [start, start+rangeSize) for
// which checker reports false.
func FindAvailablePort(ctx context.Context, checker PortChecker, start, rangeSize int) (int, error) {
	for p := start; p < start+rangeSize; p++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !checker(p) {
			return p, nil
		}
	}
	return 0, noFreePortError{start: start, end: start + rangeSize - 1}
}

// FindLlamaServer locates the llama-server binary: LLAMA_SERVER_PATH, the
// usual build and install directories, then $PATH. It returns "" if absent.
func FindLlamaServer() string {
	return findBinary(binaryCandidates(os.Getenv(EnvServerPath)), exec.LookPath)
}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return BinaryName + ".exe"
	}
	return BinaryName
}

func binaryCandidates(envPath string) []string {
	var out []string
	if envPath != "" {
		out = append(out, envPath)
	}
	name := binaryName()
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, "llama.cpp", "build", "bin", name),
			filepath.Join(home, "ik_llama.cpp", "build", "bin", name),
			filepath.Join(home, ".local", "bin", name),
		)
	}
	return append(out,
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/usr/bin", name),
		filepath.Join("/opt/homebrew/bin", name),
	)
}

func findBinary(candidates []string, lookPath func(string) (string, error)) string {
	for _, c := range candidates {
		if fsutil.IsExecutable(c) {
			return c
		}
	}
	if lookPath != nil {
		if p, err := lookPath(binaryName()); err == nil {
			return p
		}
	}
	return ""
}

// KillLlamaServer sends SIGTERM to the process behind h. It returns false
// for a nil handle or when the signal could not be delivered.
func KillLlamaServer(h *ProcessHandle) bool {
	if h == nil {
		return false
	}
	return h.Signal(syscall.SIGTERM) == nil
}

// StopLlamaServer calls killFn with h, even when h is nil (nil killFn means
// KillLlamaServer), and then sweeps the ports
// [primaryPort, primaryPort+10] with portKillFn, logging every port that was
// reclaimed. It always reports success.
func StopLlamaServer(
	ctx context.Context,
	h *ProcessHandle,
	primaryPort int,
	log zerolog.Logger,
	killFn func(*ProcessHandle) bool,
	portKillFn func(ctx context.Context, port int) bool,
) StopResult {
	if primaryPort <= 0 {
		primaryPort = DefaultPort
	}
	if killFn == nil {
		killFn = KillLlamaServer
	}
	if killFn(h) && h != nil {
		log.Info().Int("pid", h.PID()).Msg("stopped llama-server")
	}
	if portKillFn != nil {
		for port := primaryPort; port <= primaryPort+sweepSpan; port++ {
			if portKillFn(ctx, port) {
				log.Info().Int("port", port).Msg("killed llama-server on port")
			}
		}
	}
	return StopResult{Success: true}
}

// DetectServer looks for a healthy llama-server on host. knownPort is tried
// first, then candidates in parallel batches of three; the first healthy port
// in candidate order wins.
func DetectServer(ctx context.Context, probe HealthProbe, host string, knownPort int, candidates []int) (int, bool) {
	if knownPort > 0 && probe.Check(ctx, baseURL(host, knownPort)) {
		return knownPort, true
	}
	ports := make([]int, 0, len(candidates))
	for _, p := range candidates {
		if p != knownPort && p > 0 {
			ports = append(ports, p)
		}
	}
	for i := 0; i < len(ports); i += detectBatch {
		batch := ports[i:min(i+detectBatch, len(ports))]
		healthy := make([]bool, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(detectBatch)
		for j, p := range batch {
			j, p := j, p
			g.Go(func() error {
				healthy[j] = probe.Check(gctx, baseURL(host, p))
				return nil
			})
		}
		_ = g.Wait()
		for j, ok := range healthy {
			if ok {
				return batch[j], true
			}
		}
		if ctx.Err() != nil {
			return 0, false
		}
	}
	return 0, false
}
