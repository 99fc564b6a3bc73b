package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFindAvailablePort(t *testing.T) {
	busy := map[int]bool{8080: true, 8081: true, 8082: true}
	port, err := FindAvailablePort(context.Background(), func(p int) bool { return busy[p] }, 8080, 11)
	if err != nil || port != 8083 {
		t.Fatalf("port=%d err=%v", port, err)
	}
}

func TestFindAvailablePort_Exhausted(t *testing.T) {
	var checked []int
	_, err := FindAvailablePort(context.Background(), func(p int) bool {
		checked = append(checked, p)
		return true
	}, 8080, 11)
	if !IsNoFreePort(err) {
		t.Fatalf("expected no free port error, got %v", err)
	}
	if len(checked) != 11 || checked[0] != 8080 || checked[10] != 8090 {
		t.Fatalf("checked %v", checked)
	}
}

func TestFindAvailablePort_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FindAvailablePort(ctx, func(int) bool { return false }, 8080, 11); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if !IsPortInUse(context.Background(), "127.0.0.1", port) {
		t.Fatalf("listening port reported free")
	}
	_ = l.Close()
	if IsPortInUse(context.Background(), "127.0.0.1", port) {
		t.Fatalf("closed port reported in use")
	}
}

func TestFindBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bits are not used on windows")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "llama-server")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	plain := filepath.Join(dir, "not-exec")
	if err := os.WriteFile(plain, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	noLook := func(string) (string, error) { return "", errors.New("not found") }

	if got := findBinary([]string{filepath.Join(dir, "missing"), plain, dir, exe}, noLook); got != exe {
		t.Fatalf("got %q want %q", got, exe)
	}
	if got := findBinary([]string{plain}, noLook); got != "" {
		t.Fatalf("expected no binary, got %q", got)
	}
	look := func(name string) (string, error) { return "/from/path/" + name, nil }
	if got := findBinary(nil, look); got != "/from/path/llama-server" {
		t.Fatalf("PATH lookup: got %q", got)
	}
}

func TestBinaryCandidatesOrder(t *testing.T) {
	c := binaryCandidates("/custom/llama-server")
	if c[0] != "/custom/llama-server" {
		t.Fatalf("env override must come first: %v", c)
	}
	if c[len(c)-1] != filepath.Join("/opt/homebrew/bin", binaryName()) {
		t.Fatalf("unexpected last candidate: %v", c)
	}
	if c2 := binaryCandidates(""); len(c2) != len(c)-1 {
		t.Fatalf("empty env should not add a candidate: %v", c2)
	}
}

func TestKillLlamaServer(t *testing.T) {
	if KillLlamaServer(nil) {
		t.Fatalf("nil handle must report false")
	}
	h, proc := newFakeHandle(9, false, false)
	if !KillLlamaServer(h) {
		t.Fatalf("expected signal delivered")
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.signals) != 1 || proc.signals[0] != syscall.SIGTERM {
		t.Fatalf("signals %v", proc.signals)
	}
}

func TestStopLlamaServer_SweepsElevenPorts(t *testing.T) {
	h, _ := newFakeHandle(10, true, true)
	var killed []*ProcessHandle
	var swept []int
	res := StopLlamaServer(context.Background(), h, 8080, zerolog.Nop(),
		func(ph *ProcessHandle) bool { killed = append(killed, ph); return true },
		func(_ context.Context, port int) bool { swept = append(swept, port); return port == 8085 },
	)
	if !res.Success {
		t.Fatalf("stop must always succeed")
	}
	if len(killed) != 1 || killed[0] != h {
		t.Fatalf("killFn not called with handle")
	}
	if len(swept) != 11 {
		t.Fatalf("swept %d ports: %v", len(swept), swept)
	}
	for i, p := range swept {
		if p != 8080+i {
			t.Fatalf("swept %v", swept)
		}
	}
}

func TestStopLlamaServer_AlwaysSucceeds(t *testing.T) {
	calls := 0
	res := StopLlamaServer(context.Background(), nil, 0, zerolog.Nop(),
		func(h *ProcessHandle) bool {
			calls++
			if h != nil {
				t.Fatalf("unexpected handle %v", h)
			}
			return false
		},
		func(context.Context, int) bool { return false },
	)
	if !res.Success {
		t.Fatalf("stop must always succeed")
	}
	if calls != 1 {
		t.Fatalf("killFn must run even without a handle, ran %d times", calls)
	}
	if res := StopLlamaServer(context.Background(), nil, 9000, zerolog.Nop(), nil, nil); !res.Success {
		t.Fatalf("stop must always succeed")
	}
}

type probeFunc func(url string) bool

func (f probeFunc) Check(_ context.Context, url string) bool {
	return f(url)
}

func (f probeFunc) WaitForReady(context.Context, string, time.Duration) error {
	return nil
}

func TestDetectServer(t *testing.T) {
	var mu sync.Mutex
	var probed []string
	healthy := map[string]bool{"http://127.0.0.1:3001": true, "http://127.0.0.1:8088": true}
	probe := probeFunc(func(url string) bool {
		mu.Lock()
		probed = append(probed, url)
		mu.Unlock()
		return healthy[url]
	})

	port, ok := DetectServer(context.Background(), probe, "", 8080, DefaultDetectPorts)
	if !ok || port != 3001 {
		t.Fatalf("port=%d ok=%v", port, ok)
	}
	mu.Lock()
	if probed[0] != "http://127.0.0.1:8080" {
		t.Fatalf("known port must be probed first: %v", probed)
	}
	for _, u := range probed {
		if u == "http://127.0.0.1:8088" {
			t.Fatalf("probing continued past the first healthy batch: %v", probed)
		}
	}
	mu.Unlock()

	healthy["http://127.0.0.1:8080"] = true
	if port, ok := DetectServer(context.Background(), probe, "", 8080, DefaultDetectPorts); !ok || port != 8080 {
		t.Fatalf("known port: port=%d ok=%v", port, ok)
	}
	none := probeFunc(func(string) bool { return false })
	if _, ok := DetectServer(context.Background(), none, "", 0, DefaultDetectPorts); ok {
		t.Fatalf("expected no server")
	}
}
