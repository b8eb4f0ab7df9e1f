// Command tachtalkd runs the TachTalk device: it proxies OBD-II traffic
// between phone-app clients and a Wi-Fi or serial ELM327 adapter,
// extracts RPM, drives a WS2812B shift-light, and serves a config UI,
// mDNS advertisement, and captive-portal DNS.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docwilco/tachtalk/internal/adapter"
	"github.com/docwilco/tachtalk/internal/capture"
	"github.com/docwilco/tachtalk/internal/captivedns"
	"github.com/docwilco/tachtalk/internal/httpapi"
	"github.com/docwilco/tachtalk/internal/mdns"
	"github.com/docwilco/tachtalk/internal/proxy"
	"github.com/docwilco/tachtalk/internal/shiftlight"
	"github.com/docwilco/tachtalk/internal/statusbus"
	"github.com/docwilco/tachtalk/internal/supervisor"
	"github.com/docwilco/tachtalk/internal/tconfig"
	"github.com/docwilco/tachtalk/web"
)

const firmwareVersion = "0.1.0"

func main() {
	bootstrapPath := flag.String("config", "", "path to a YAML bootstrap config, used only if no state has been persisted yet")
	httpListen := flag.String("http-listen", ":8080", "address for the config UI / REST API")
	proxyListen := flag.String("proxy-listen", ":35000", "address for the ELM327 client proxy")
	enableDNS := flag.Bool("captive-dns", false, "run the captive-portal DNS responder on :53 (requires binding a privileged port)")
	enableMDNS := flag.Bool("mdns", true, "advertise the tachtalk service via mDNS")
	enableCapture := flag.Bool("capture", false, "record all client<->dongle traffic to rotating .ttcap files")
	captureDir := flag.String("capture-dir", "./tachtalk-data/captures", "directory for .ttcap capture files")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] tachtalkd starting")

	cfgStore, err := tconfig.Load(*bootstrapPath)
	if err != nil {
		log.Fatalf("[main] load config: %v", err)
	}
	cfg := cfgStore.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	monotonicStart := time.Now()
	clock := func() uint64 { return uint64(time.Since(monotonicStart).Milliseconds()) }

	rpmCell := &adapter.RPMCell{}
	headersPolicy := func() bool { return cfgStore.Snapshot().Obd2.HeadersOn }

	transport := buildTransport(cfg)
	channel := adapter.New(transport, rpmCell, headersPolicy, clock)

	bus := statusbus.New(nil)

	var captureWriter *capture.Writer
	if *enableCapture {
		dongleIP, donglePort := dongleAddress(cfg)
		captureWriter = capture.New(*captureDir, dongleIP, donglePort, firmwareVersion)
		captureWriter.SetEnabled(true)
		defer captureWriter.Close()
	}

	renderer := shiftlight.New(noopLEDWriter{}, rpmCell, clock)
	applyLEDPlan(renderer, cfg)

	proxyCfg := proxy.DefaultConfig()
	proxyCfg.ListenAddr = *proxyListen
	proxySrv := proxy.New(proxyCfg, channel, headersPolicy, func(count int) {
		bus.Publish(statusbus.TopicClientsChanged, statusbus.ClientsChanged{Count: count})
	})
	if captureWriter != nil {
		proxySrv.SetCapture(captureWriter)
	}
	poller := proxy.NewIdlePoller(channel, proxyCfg.IdlePollCommand, func() uint32 {
		return uint32(cfgStore.Snapshot().Obd2.PollIntervalMS)
	})

	httpSrv := httpapi.New(cfgStore, rpmCell, channel, proxySrv, bus, web.FS, stubWifiScanner{cfgStore: cfgStore}, processExitRebooter{})

	sup := supervisor.New()
	sup.Register(&supervisor.Unit{Name: "adapter-channel", Policy: supervisor.Permanent, Run: func(ctx context.Context) error {
		channel.Run(ctx)
		return nil
	}})
	sup.Register(&supervisor.Unit{Name: "idle-poller", Policy: supervisor.Permanent, Run: func(ctx context.Context) error {
		poller.Run(ctx)
		return nil
	}})
	sup.Register(&supervisor.Unit{Name: "shiftlight-renderer", Policy: supervisor.Permanent, Run: func(ctx context.Context) error {
		renderer.Run(ctx)
		return nil
	}})
	sup.Register(&supervisor.Unit{Name: "rpm-status-publisher", Policy: supervisor.Permanent, Run: func(ctx context.Context) error {
		publishRPMStatus(ctx, rpmCell, bus)
		return nil
	}})
	sup.Register(&supervisor.Unit{Name: "proxy-server", Policy: supervisor.Permanent, Run: proxySrv.Run})
	sup.Register(&supervisor.Unit{Name: "http-api", Policy: supervisor.Permanent, Run: func(ctx context.Context) error {
		return httpSrv.Run(ctx, *httpListen)
	}})

	if *enableMDNS {
		advertiser := mdns.New()
		apIP := cfg.Wifi.APIP
		httpPort := portOf(*httpListen, 8080)
		proxyPort := portOf(*proxyListen, 35000)
		sup.Register(&supervisor.Unit{Name: "mdns", Policy: supervisor.Transient, Run: func(ctx context.Context) error {
			if err := advertiser.Start(httpPort, proxyPort, apIP); err != nil {
				return err
			}
			<-ctx.Done()
			advertiser.Stop()
			return nil
		}})
	}

	if *enableDNS {
		apIP := net.ParseIP(cfg.Wifi.APIP)
		dnsSrv := captivedns.New(apIP)
		sup.Register(&supervisor.Unit{Name: "captive-dns", Policy: supervisor.Permanent, Run: dnsSrv.Run})
	}

	configWatcher := cfgStore.Subscribe()
	sup.Register(&supervisor.Unit{Name: "config-watcher", Policy: supervisor.Permanent, Run: func(ctx context.Context) error {
		return watchConfig(ctx, configWatcher, renderer)
	}})

	sup.Run(ctx)
	log.Println("[main] tachtalkd stopped")
}

func buildTransport(cfg tconfig.Config) adapter.Transport {
	if cfg.Obd2.Transport == "serial" {
		return adapter.SerialTransport{Port: cfg.Obd2.SerialPort, Baud: cfg.Obd2.SerialBaud}
	}
	return adapter.TCPTransport{
		Addr:    net.JoinHostPort(cfg.Obd2.DongleIP, strconv.Itoa(cfg.Obd2.DonglePort)),
		Timeout: time.Duration(cfg.Obd2.TimeoutMS) * time.Millisecond,
	}
}

func dongleAddress(cfg tconfig.Config) (net.IP, uint16) {
	return net.ParseIP(cfg.Obd2.DongleIP), uint16(cfg.Obd2.DonglePort)
}

// portOf extracts the numeric port from a "host:port" listen flag,
// falling back to def if the flag carries no parseable port.
func portOf(addr string, def int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return def
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return def
	}
	return port
}

func applyLEDPlan(renderer *shiftlight.Renderer, cfg tconfig.Config) {
	plan := shiftlight.Bake(cfg.Thresholds, cfg.Led.TotalLEDs, cfg.Led.Brightness)
	renderer.SetPlan(plan, cfg.Thresholds)
}

func publishRPMStatus(ctx context.Context, rpm *adapter.RPMCell, bus *statusbus.Bus) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, ts := rpm.RPM()
			bus.Publish(statusbus.TopicRPMSample, statusbus.RpmSample{RPM: v, TimestampMS: ts})
		}
	}
}

func watchConfig(ctx context.Context, updates <-chan tconfig.Config, renderer *shiftlight.Renderer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-updates:
			if !ok {
				return nil
			}
			applyLEDPlan(renderer, cfg)
		}
	}
}

// noopLEDWriter satisfies shiftlight.Writer without a physical LED
// strip attached, per the expansion's decision that peripheral output
// stays out of scope; a real deployment supplies a Writer backed by a
// GPIO/SPI WS2812B driver.
type noopLEDWriter struct{}

func (noopLEDWriter) Write(grb []byte) error { return nil }

// stubWifiScanner reports the currently configured network rather than
// driving a radio, since a standard Go host has no local Wi-Fi stack to
// scan (§1 expansion).
type stubWifiScanner struct {
	cfgStore *tconfig.Store
}

func (s stubWifiScanner) Scan(ctx context.Context) ([]httpapi.WifiNetwork, error) {
	cfg := s.cfgStore.Snapshot()
	if cfg.Wifi.SSID == "" {
		return []httpapi.WifiNetwork{}, nil
	}
	return []httpapi.WifiNetwork{{SSID: cfg.Wifi.SSID, RSSI: 0, Encrypted: cfg.Wifi.Password != ""}}, nil
}

// processExitRebooter exits the process so an external supervisor
// (systemd, docker) restarts it, standing in for the firmware's actual
// hardware reboot.
type processExitRebooter struct{}

func (processExitRebooter) Reboot() {
	time.Sleep(200 * time.Millisecond)
	os.Exit(0)
}

