// Package captivedns implements the captive-portal DNS responder (part
// of C7): while the device is running as an access point, every A
// query resolves to the AP's own address so phones land on the config
// UI instead of failing DNS lookups for the internet, per spec §6.
package captivedns

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/miekg/dns"
)

// ttlSeconds is the answer TTL. The firmware this was modeled on used
// 60s; this implementation uses the shorter value called for in spec
// §6 so a reconfigured AP address takes effect quickly.
const ttlSeconds = 30

// Server answers every DNS A query with a fixed address.
type Server struct {
	apAddr net.IP
	srv    *dns.Server
}

// New creates a Server that resolves all A queries to apAddr.
func New(apAddr net.IP) *Server {
	return &Server{apAddr: apAddr}
}

// Run listens on UDP :53 until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)

	s.srv = &dns.Server{Addr: ":53", Net: "udp", Handler: mux}

	go func() {
		<-ctx.Done()
		_ = s.srv.Shutdown()
	}()

	log.Printf("[captivedns] answering all queries with %s", s.apAddr)
	if err := s.srv.ListenAndServe(); err != nil {
		return fmt.Errorf("captivedns listen: %w", err)
	}
	return nil
}

func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttlSeconds},
			A:   s.apAddr,
		}
		msg.Answer = append(msg.Answer, rr)
	}

	if err := w.WriteMsg(msg); err != nil {
		log.Printf("[captivedns] write response: %v", err)
	}
}
