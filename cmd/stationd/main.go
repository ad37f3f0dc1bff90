package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielpatrickdp/triage-station/internal/actuation"
	"github.com/danielpatrickdp/triage-station/internal/audit"
	"github.com/danielpatrickdp/triage-station/internal/capture"
	"github.com/danielpatrickdp/triage-station/internal/classifier"
	"github.com/danielpatrickdp/triage-station/internal/config"
	"github.com/danielpatrickdp/triage-station/internal/controller"
	"github.com/danielpatrickdp/triage-station/internal/health"
	"github.com/danielpatrickdp/triage-station/internal/ingress"
	"github.com/danielpatrickdp/triage-station/internal/mcu"
	"github.com/danielpatrickdp/triage-station/internal/statemachine"
	"github.com/danielpatrickdp/triage-station/internal/status"
	"github.com/danielpatrickdp/triage-station/internal/triage"
	"github.com/danielpatrickdp/triage-station/internal/web"
)

// #region main
func main() {
	configPath := flag.String("config", envOr("STATION_CONFIG", "station.yaml"), "path to the station config file")
	debug := flag.Bool("debug", false, "enable verbose log timestamps")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MCU channel. The station cannot run without it.
	link, err := mcu.NewLink(dialer(cfg.MCU.Address))
	if err != nil {
		log.Fatalf("failed to open mcu channel at %s: %v", cfg.MCU.Address, err)
	}
	defer link.Close()

	registry := health.NewRegistry("mcu", "classifier", "capture", "storage")

	store, err := audit.NewStore(cfg.AuditDB)
	if err != nil {
		log.Fatalf("failed to open audit store: %v", err)
	}
	defer store.Close()
	registry.SetHealthy("storage", true)

	machine := statemachine.NewMachine()
	machine.Subscribe(func(entry statemachine.HistoryEntry) {
		if err := store.RecordTransition(entry); err != nil {
			log.Printf("[MAIN] transition audit failed: %v", err)
		}
	})

	var clf classifier.Classifier
	if cfg.Classifier.URL == "" {
		log.Println("[MAIN] no classifier url configured, running in simulation mode")
		clf = classifier.NewSimulated(500 * time.Millisecond)
	} else {
		clf = classifier.NewClient(cfg.Classifier.URL, cfg.Examination.SampleRate,
			cfg.Triage.MLConfidence, cfg.Classifier.Timeout)
	}
	registry.SetHealthy("classifier", true)

	source := capture.NewSimulated(cfg.Examination.SampleRate)
	registry.SetHealthy("capture", true)

	gateway := actuation.NewGateway(link)
	engine := triage.NewEngine(cfg.Triage)
	ctrl := controller.New(machine, gateway, source, clf, engine, store, cfg.Examination)

	tracker := health.NewTracker()
	ingress.Bind(link, machine, tracker)

	monitor := health.NewMonitor(link.LastHeartbeat, link.Reconnect,
		cfg.MCU.HeartbeatTimeout, cfg.MCU.MonitorInterval)

	reporter := status.NewReporter(machine, ctrl.Stats, link.LastHeartbeat, tracker.Total, registry.Healths)
	hub := status.NewHub()
	defer hub.Close()

	// Clients see every transition immediately; the push loop covers the rest.
	machine.Subscribe(func(statemachine.HistoryEntry) {
		hub.Broadcast(reporter.Snapshot())
	})

	handler := web.NewHandler(ctx, machine, reporter, hub, ctrl, store)
	server := &http.Server{
		Addr:    cfg.Web.Listen,
		Handler: handler.Routes(),
	}

	if err := config.Watch(ctx, *configPath, func(next config.Config) {
		// Most components capture their config at wiring time; a reload
		// takes full effect on the next restart.
		log.Printf("[MAIN] config changed, restart to apply: %s", *configPath)
	}); err != nil {
		log.Printf("[MAIN] config watch disabled: %v", err)
	}

	go readLoop(ctx, link)
	go processLoop(ctx, machine)
	go heartbeatLoop(ctx, link)
	go pushLoop(ctx, hub, reporter, cfg.Web.PushInterval)
	go resourceLoop(ctx)
	go monitor.Run(ctx)

	go func() {
		log.Printf("[MAIN] listening on %s", cfg.Web.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[MAIN] http server: %v", err)
			stop()
		}
	}()

	if !machine.TransitionTo(statemachine.StateIdle, nil) {
		log.Fatalf("failed to leave INITIALIZING")
	}
	log.Println("[MAIN] station ready")

	<-ctx.Done()
	log.Println("[MAIN] shutting down")

	machine.TransitionTo(statemachine.StateShutdown, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] http shutdown: %v", err)
	}
}

// #endregion main

// #region loops

// readLoop keeps the MCU read loop alive across stream failures. The
// heartbeat monitor redials; this loop only restarts the scanner.
func readLoop(ctx context.Context, link *mcu.Link) {
	for ctx.Err() == nil {
		if err := link.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[MAIN] mcu read loop ended: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// processLoop drives the state machine's timeout transitions.
func processLoop(ctx context.Context, machine *statemachine.Machine) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			machine.Process()
		}
	}
}

// heartbeatLoop tells the MCU the controller is alive.
func heartbeatLoop(ctx context.Context, link *mcu.Link) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := link.Send(mcu.OutboundMessage{MessageType: mcu.TypeOutboundHeartbeat})
			if err != nil {
				log.Printf("[MAIN] heartbeat send failed: %v", err)
			}
		}
	}
}

// resourceLoop samples process resource usage and warns when it drifts out
// of the appliance's normal envelope.
func resourceLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := health.ReadResources()
			if res.Goroutines > 200 {
				log.Printf("[HEALTH] high goroutine count: %d", res.Goroutines)
			}
			if res.HeapAllocMB > 256 {
				log.Printf("[HEALTH] high heap usage: %.0f MB", res.HeapAllocMB)
			}
		}
	}
}

// pushLoop broadcasts the station snapshot to websocket clients.
func pushLoop(ctx context.Context, hub *status.Hub, reporter *status.Reporter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Broadcast(reporter.Snapshot())
		}
	}
}

// #endregion loops

// #region helpers

// dialer interprets the MCU address: "host:port" connects over TCP, anything
// else is opened as a serial device path.
func dialer(address string) func() (io.ReadWriteCloser, error) {
	if strings.Contains(address, ":") {
		return func() (io.ReadWriteCloser, error) {
			return net.Dial("tcp", address)
		}
	}
	return func() (io.ReadWriteCloser, error) {
		return os.OpenFile(address, os.O_RDWR, 0)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
