// Package mdns advertises the device as an mDNS service instance named
// "tachtalk" (type _tachtalk._tcp, domain local.), so phones don't need
// to know its IP address, per spec §6. The advertised host name is the
// machine's own host name; no tachtalk.local host record is registered.
package mdns

import (
	"fmt"
	"log"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	instanceName = "tachtalk"
	serviceType  = "_tachtalk._tcp"
	serviceDomain = "local."
)

// Advertiser manages the mDNS registration for the device's HTTP and
// proxy ports.
type Advertiser struct {
	mu      sync.Mutex
	server  *zeroconf.Server
	running bool
}

// New creates an Advertiser.
func New() *Advertiser { return &Advertiser{} }

// Start registers the "tachtalk" service instance on the network, with
// the config UI's HTTP port as the service port and the ELM327 proxy
// port and ip as text records.
func (a *Advertiser) Start(httpPort, proxyPort int, ip string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	server, err := zeroconf.Register(
		instanceName,
		serviceType,
		serviceDomain,
		httpPort,
		[]string{
			fmt.Sprintf("proxy_port=%d", proxyPort),
			fmt.Sprintf("ip=%s", ip),
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	a.running = true
	log.Printf("[mdns] advertising %s.%s on port %d (proxy %d)", instanceName, serviceType, httpPort, proxyPort)
	return nil
}

// Stop unregisters the mDNS service.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.running = false
}
