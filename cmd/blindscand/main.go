// blindscand is the long-running host process: it loads a deployment file
// naming frontends, satconf chains, and networks, serves Prometheus metrics,
// bridges session terminal-state notifications onto MQTT, and owns one
// session.Manager. blindscanctl does not connect to it; that CLI builds
// its own Manager.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/lsd-tv/blindscan/internal/xlog"
	"github.com/lsd-tv/blindscan/pkg/frontend"
	"github.com/lsd-tv/blindscan/pkg/hostconfig"
	"github.com/lsd-tv/blindscan/pkg/network"
	"github.com/lsd-tv/blindscan/pkg/satconf"
	"github.com/lsd-tv/blindscan/pkg/session"
)

var log = xlog.For("blindscand")

var (
	configPath = pflag.StringP("config", "c", "/etc/blindscan/blindscand.yaml", "Deployment config file")
	logLevel   = pflag.String("log-level", "", "Override the config file's log level")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Blind spectrum scan session host.\n\nOptions:\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "blindscand: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := hostconfig.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if lvl, err := charmlog.ParseLevel(cfg.LogLevel); err == nil {
		xlog.SetLevel(lvl)
	}

	reg := prometheus.NewRegistry()
	netRef := network.NewReference(reg)

	resolver, closeFrontends, err := newStaticResolver(cfg, netRef)
	if err != nil {
		return err
	}
	defer closeFrontends()

	mgr := session.NewManager(resolver)
	defer mgr.Shutdown()

	stopBridge := func() {}
	if cfg.MQTT.Broker != "" {
		stopBridge, err = startMQTTBridge(cfg.MQTT, mgr)
		if err != nil {
			return fmt.Errorf("mqtt bridge: %w", err)
		}
	}
	defer stopBridge()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info("serving metrics", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "err", err)
		}
	}()
	defer srv.Close()

	log.Info("blindscand ready", "frontends", len(cfg.Frontends), "networks", len(cfg.Networks))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

// staticResolver resolves the fixed set of frontends/satconfs/networks the
// deployment file names. A production host backed by a live inventory
// service would instead query it per call, per spec §9's non-owning
// contract; this in-memory map satisfies the same Resolver interface.
type staticResolver struct {
	frontends map[string]frontend.Device
	satconfs  map[string]*satconf.Chain
	networks  map[string]network.Registry
	entries   map[string][]session.SatconfEntry
}

func newStaticResolver(cfg *hostconfig.Config, netRef *network.Reference) (*staticResolver, func(), error) {
	r := &staticResolver{
		frontends: map[string]frontend.Device{},
		satconfs:  map[string]*satconf.Chain{},
		networks:  map[string]network.Registry{},
		entries:   map[string][]session.SatconfEntry{},
	}

	var opened []*frontend.IoctlDevice
	closeAll := func() {
		for _, d := range opened {
			_ = d.Close()
		}
	}

	frontendNames := map[string]string{}
	for _, fe := range cfg.Frontends {
		frontendNames[fe.UUID] = fe.Name
		if fe.Path == "stub" || fe.Path == "" {
			r.frontends[fe.UUID] = frontend.NewStub()
			continue
		}
		dev, err := frontend.Open(fe.Path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open frontend %s (%s): %w", fe.UUID, fe.Path, err)
		}
		opened = append(opened, dev)
		r.frontends[fe.UUID] = dev
	}

	for _, sc := range cfg.Satconfs {
		chain := &satconf.Chain{}
		if sc.Unicable != nil {
			chain.Unicable = &satconf.Unicable{SCR: sc.Unicable.SCR, SCRFreqKHz: sc.Unicable.SCRFreqKHz}
		}
		r.satconfs[sc.UUID] = chain

		entry := session.SatconfEntry{
			FrontendUUID: sc.FrontendUUID,
			FrontendName: frontendNames[sc.FrontendUUID],
			SatconfUUID:  sc.UUID,
			SatconfName:  sc.Name,
			LNBType:      sc.LNBType,
			Unicable:     sc.Unicable != nil,
			DisplayName:  fmt.Sprintf("%s / %s", frontendNames[sc.FrontendUUID], sc.Name),
		}
		if sc.Unicable != nil {
			entry.UnicableType = "SCR"
			entry.SCR = sc.Unicable.SCR
			entry.SCRFreqKHz = sc.Unicable.SCRFreqKHz
		}
		r.entries[""] = append(r.entries[""], entry)
	}

	for _, net := range cfg.Networks {
		r.networks[net.UUID] = netRef
	}

	return r, closeAll, nil
}

func (r *staticResolver) ResolveFrontend(uuid string) (frontend.Device, bool) {
	d, ok := r.frontends[uuid]
	return d, ok
}

func (r *staticResolver) ResolveSatconf(uuid string) (*satconf.Chain, bool) {
	c, ok := r.satconfs[uuid]
	return c, ok
}

func (r *staticResolver) ResolveNetwork(uuid string) (network.Registry, bool) {
	n, ok := r.networks[uuid]
	return n, ok
}

func (r *staticResolver) ListSatconfs(networkUUID string) []session.SatconfEntry {
	return r.entries[""]
}

// startMQTTBridge publishes every session terminal-state event to the
// configured topic, mirroring the retrieved ubersdr publisher's
// connect-once-and-stream shape (mqtt_publisher.go).
func startMQTTBridge(cfg hostconfig.MQTTConfig, mgr *session.Manager) (func(), error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, tok.Error()
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "blindscan"
	}

	done := make(chan struct{})
	events := mgr.Notifications()
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					log.Warn("marshal mqtt event failed", "err", err)
					continue
				}
				client.Publish(topic, 0, false, payload)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		client.Disconnect(250)
	}, nil
}
