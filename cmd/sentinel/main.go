// Command sentinel validates text through the multi-layer security engine.
//
// One-shot mode reads the text from the arguments or stdin and prints the
// verdict as JSON; the exit code is 0 for secure, 2 for blocked. With
// -listen the command serves a small HTTP API instead: POST /v1/validate,
// GET /health, and GET /metrics (Prometheus exposition). In serve mode the
// configuration file is watched and a valid change swaps in a freshly
// assembled engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/config"
	"dev.helix.sentinel/internal/metrics"
	"dev.helix.sentinel/internal/sentinel"
	"dev.helix.sentinel/internal/validation"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		profileArg = flag.String("profile", "", "security profile (defaults to the configured level)")
		principal  = flag.String("principal", "cli", "principal id for behavioral profiling")
		kindArg    = flag.String("kind", "prompt", "artifact kind: prompt, output, operation, or inter_agent")
		listen     = flag.String("listen", "", "serve an HTTP API on this address instead of one-shot validation")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Loading configuration failed")
	}

	facade, err := sentinel.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Assembling the validation engine failed")
	}

	if *listen != "" {
		serve(*listen, *configPath, facade, logger)
		return
	}

	text := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(text) == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.WithError(err).Fatal("Reading stdin failed")
		}
		text = string(data)
	}

	kind, err := parseKind(*kindArg)
	if err != nil {
		logger.Fatal(err)
	}

	verdict := facade.Validate(context.Background(), validation.Request{
		Text:        text,
		PrincipalID: *principal,
		Kind:        kind,
		ProfileName: *profileArg,
	})

	out, _ := json.MarshalIndent(verdict, "", "  ")
	fmt.Println(string(out))

	facade.Close()
	if !verdict.IsSecure {
		os.Exit(2)
	}
}

func parseKind(s string) (validation.Kind, error) {
	switch validation.Kind(strings.ToLower(strings.TrimSpace(s))) {
	case validation.KindPrompt:
		return validation.KindPrompt, nil
	case validation.KindOutput:
		return validation.KindOutput, nil
	case validation.KindOperation:
		return validation.KindOperation, nil
	case validation.KindInterAgent:
		return validation.KindInterAgent, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

type validateRequest struct {
	Text        string `json:"text"`
	PrincipalID string `json:"principal_id"`
	Kind        string `json:"kind"`
	Profile     string `json:"profile"`
}

// serve runs the HTTP API until SIGINT/SIGTERM. The facade pointer is
// swapped atomically when the watched configuration file changes.
func serve(addr, configPath string, facade *sentinel.Facade, logger *logrus.Logger) {
	var current atomic.Pointer[sentinel.Facade]
	current.Store(facade)

	if configPath != "" {
		stop, err := config.Watch(configPath, logger, func(cfg config.Config) {
			next, err := sentinel.New(cfg, logger)
			if err != nil {
				logger.WithError(err).Warn("Reloaded configuration rejected, keeping current engine")
				return
			}
			old := current.Swap(next)
			old.Close()
			logger.Info("Configuration reloaded, engine swapped")
		})
		if err != nil {
			logger.WithError(err).Warn("Configuration watch unavailable")
		} else {
			defer stop()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		kind, err := parseKind(req.Kind)
		if err != nil {
			kind = validation.KindPrompt
		}

		verdict := current.Load().Validate(r.Context(), validation.Request{
			Text:        req.Text,
			PrincipalID: req.PrincipalID,
			Kind:        kind,
			ProfileName: req.Profile,
		})
		writeJSON(w, verdict)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := current.Load().HealthCheck()
		if h.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, h)
	})
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler(current.Load().PrometheusRegistry()).ServeHTTP(w, r)
	}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("Sentinel API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	current.Load().Close()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
