package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

func main() {
	var (
		host, port, modelsDir, model, crashOnce string
		modelsMax, ctxSize                      int
	)
	// the subset of llama-server flags the supervisor renders, plus test hooks
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "8080", "port")
	flag.StringVar(&modelsDir, "models-dir", "", "models directory")
	flag.IntVar(&modelsMax, "models-max", 4, "max loaded models")
	flag.StringVar(&model, "m", "", "model path")
	flag.IntVar(&ctxSize, "c", 0, "context size")
	flag.StringVar(&crashOnce, "crash-once", "", "exit 1 unless this marker file exists, creating it")
	flag.Parse()

	if crashOnce != "" {
		if _, err := os.Stat(crashOnce); err != nil {
			_ = os.WriteFile(crashOnce, []byte("crashed"), 0o644)
			fmt.Fprintln(os.Stderr, "error: failed to load model")
			os.Exit(1)
		}
	}

	var mu sync.Mutex
	loaded := map[string]bool{}
	names := func() []string {
		if model != "" {
			return []string{filepath.Base(model)}
		}
		entries, _ := os.ReadDir(modelsDir)
		var out []string
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".gguf") {
				out = append(out, e.Name())
			}
		}
		return out
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		type entry struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		data := []entry{}
		for _, n := range names() {
			st := "unloaded"
			if loaded[n] {
				st = "loaded"
			}
			data = append(data, entry{ID: n, Status: st})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	modelOp := func(load bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Model string `json:"model"`
			}
			if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&req) != nil {
				http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
				return
			}
			found := false
			for _, n := range names() {
				found = found || n == req.Model
			}
			if !found {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":{"message":"model not found"}}`))
				return
			}
			mu.Lock()
			loaded[req.Model] = load
			mu.Unlock()
			_, _ = w.Write([]byte(`{"success":true}`))
		}
	}
	mux.HandleFunc("/models/load", modelOp(true))
	mux.HandleFunc("/models/unload", modelOp(false))

	srv := &http.Server{Addr: host + ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()
	fmt.Println("main: server is listening on", srv.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
