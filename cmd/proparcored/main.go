// Command proparcored runs the PROPAR core as a standalone process: it opens
// one or more serial ports, starts one poller per port, shares one health
// supervisor across all ports, and exposes a minimal HTTP + WebSocket surface for telemetry
// subscribers, on-demand bus scans, forced reconnects, and port
// discovery/teardown.
//
// It deliberately serves no dashboard and no static assets; everything here
// is the thinnest possible host for the four core subsystems.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bronkhorst-go/proparcore/internal/health"
	"github.com/bronkhorst-go/proparcore/internal/instrument"
	"github.com/bronkhorst-go/proparcore/internal/logging"
	"github.com/bronkhorst-go/proparcore/internal/paramdb"
	"github.com/bronkhorst-go/proparcore/internal/poller"
	"github.com/bronkhorst-go/proparcore/internal/port"
	"github.com/bronkhorst-go/proparcore/internal/scanner"
	"github.com/bronkhorst-go/proparcore/internal/telemetryws"
	"github.com/spf13/pflag"
)

var (
	flagPorts      = pflag.StringArray("port", nil, "serial port device to open (repeatable)")
	flagBaud       = pflag.Int("baud", 38400, "baud rate applied to every --port")
	flagAddrs      = pflag.IntSlice("addr", nil, "instrument address to poll on every --port (repeatable)")
	flagPollPeriod = pflag.Duration("poll-period", 250*time.Millisecond, "periodic poll interval applied to every --addr")
	flagTopology   = pflag.String("topology", "", "path to a YAML file describing multiple ports/addresses/bauds")
	flagListen     = pflag.String("listen", "127.0.0.1:8090", "http listen address for the control/telemetry surface")
	flagLogLevel   = pflag.String("log-level", "info", "log level: debug, info, warn, error")
)

func main() {
	pflag.Parse()
	logging.SetLevel(parseLevel(*flagLogLevel))
	logger := logging.Root()

	topo, err := resolveTopology()
	if err != nil {
		logger.Fatal("failed to resolve topology", "err", err)
	}
	if len(topo) == 0 {
		logger.Fatal("no ports configured: pass --port/--addr or --topology")
	}

	registry := port.NewRegistry()
	supervisor := health.NewSupervisor()
	sink := telemetryws.NewHub()
	db := paramdb.Default()
	tracker := newPortTracker()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, t := range topo {
		cfg := port.DefaultConfig(t.Port)
		cfg.Baud = t.Baud
		p, err := registry.Open(cfg)
		if err != nil {
			logger.Error("failed to open port, skipping", "port", t.Port, "err", err)
			continue
		}
		addrBytes := make([]byte, 0, len(t.Addresses))
		for _, a := range t.Addresses {
			addrBytes = append(addrBytes, byte(a))
		}
		tracker.add(t.Port, p, addrBytes)

		pl := poller.New(t.Port, db, supervisor, sink, func(addr byte) (*instrument.Facade, error) {
			return instrument.New(p, addr, 1, db)
		})
		for _, a := range addrBytes {
			pl.AddNode(a, t.PollPeriod)
		}
		go pl.Run(ctx)
		logger.Info("poller started", "port", t.Port, "addresses", addrBytes)
	}
	defer registry.CloseAll()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/telemetry", sink.ServeHTTP)
	mux.HandleFunc("/api/scan", scanHandler(registry, db))
	mux.HandleFunc("/api/reconnect", reconnectHandler(supervisor, tracker, sink))
	mux.HandleFunc("/api/ports", portsHandler(registry))
	mux.HandleFunc("/api/ports/close", closeHandler(registry, tracker))

	srv := &http.Server{Addr: *flagListen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", *flagListen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server failed", "err", err)
	}
}

func resolveTopology() ([]portTopology, error) {
	if *flagTopology != "" {
		return loadTopologyFile(*flagTopology)
	}
	return topologyFromFlags(*flagPorts, *flagBaud, *flagAddrs, *flagPollPeriod), nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// scanHandler triggers a bus sweep on the port named
// by the "port" query parameter.
func scanHandler(registry *port.Registry, db *paramdb.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("port")
		p, ok := registry.Get(name)
		if !ok {
			http.Error(w, "unknown port", http.StatusNotFound)
			return
		}
		results, err := scanner.Sweep(r.Context(), p, db)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	}
}

// reconnectHandler triggers a forced reconnect on the port named
// by the "port" query parameter.
func reconnectHandler(supervisor *health.Supervisor, tracker *portTracker, sink *telemetryws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("port")
		p, addrs, ok := tracker.get(name)
		if !ok {
			http.Error(w, "unknown port", http.StatusNotFound)
			return
		}
		supervisor.ForceReconnect(name, addrs, p, sink)
		w.WriteHeader(http.StatusNoContent)
	}
}

// portsResponse is the payload of GET /api/ports.
type portsResponse struct {
	Available []string `json:"available"`
	Open      []string `json:"open"`
}

// portsHandler reports every serial device the system can see (for an
// operator choosing a --port value) alongside the ports this process
// currently has open.
func portsHandler(registry *port.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		available, err := port.ListAvailable()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(portsResponse{Available: available, Open: registry.Names()})
	}
}

// closeHandler closes the port named by the "port" query parameter and
// forgets it, so a later /api/scan or /api/reconnect against the same name
// fails with "unknown port" rather than reusing a dead handle.
func closeHandler(registry *port.Registry, tracker *portTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("port")
		if _, _, ok := tracker.get(name); !ok {
			http.Error(w, "unknown port", http.StatusNotFound)
			return
		}
		if err := registry.Close(name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		tracker.remove(name)
		w.WriteHeader(http.StatusNoContent)
	}
}

// portTracker records which ports have been opened and which addresses each
// one polls, for the reconnect and close control endpoints. It is separate
// from port.Registry because the registry has no notion of polled
// addresses, only open handles.
type portTracker struct {
	mu           sync.Mutex
	reconnectors map[string]*port.Port
	addrsByPort  map[string][]byte
}

func newPortTracker() *portTracker {
	return &portTracker{
		reconnectors: make(map[string]*port.Port),
		addrsByPort:  make(map[string][]byte),
	}
}

func (t *portTracker) add(name string, p *port.Port, addrs []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnectors[name] = p
	t.addrsByPort[name] = addrs
}

func (t *portTracker) remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reconnectors, name)
	delete(t.addrsByPort, name)
}

func (t *portTracker) get(name string) (*port.Port, []byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.reconnectors[name]
	return p, t.addrsByPort[name], ok
}
