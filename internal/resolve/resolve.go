/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package resolve provides pluggable IP->domain resolution so the
// Aggregator can group connections by domain instead of bare IP when a name
// is available (spec.md §1/§3). Two implementations: Sniffer passively
// decodes DNS answers off the wire the same way dnswatch/snoop captures and
// parses DNS packets (zero added query traffic), and ActiveResolver issues
// an on-demand reverse lookup as a fallback when nothing has been observed
// passively.
package resolve

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	mkdns "github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"

	"github.com/netwatchd/netwatchd/internal/errs"
)

// Resolver maps a remote IP to a domain name, best-effort.
type Resolver interface {
	Resolve(ip net.IP) (domain string, ok bool)
}

const snapLen = 65535

// Sniffer passively watches DNS responses on an interface and caches every
// A/AAAA answer by IP, grounded on dnswatch/snoop/filter.go's afpacket ring
// setup and dnswatch/snoop/types.go's DNSDecoder layer parsing — adapted
// from "print every DNS packet" to "cache every answer's IP -> name".
type Sniffer struct {
	tPacket *afpacket.TPacket

	mu    sync.RWMutex
	cache map[string]string
}

// NewSniffer opens a raw socket on iface and installs a BPF filter that only
// admits DNS response traffic (port 53), matching dnswatch's own filter
// rule for DNS packets.
func NewSniffer(iface string) (*Sniffer, error) {
	tPacket, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(snapLen),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoError, err).With("interface", iface)
	}

	if err := setBPFFilter(tPacket, "src port 53", snapLen); err != nil {
		tPacket.Close()
		return nil, errs.Wrap(errs.KindIoError, err)
	}

	return &Sniffer{tPacket: tPacket, cache: make(map[string]string)}, nil
}

// setBPFFilter compiles a pcap filter expression to raw BPF instructions and
// installs them on the packet socket, identical to dnswatch's SetBPFFilter.
func setBPFFilter(h *afpacket.TPacket, filter string, snapLen int) error {
	pcapBPF, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return err
	}
	prog := make([]bpf.RawInstruction, 0, len(pcapBPF))
	for _, ins := range pcapBPF {
		prog = append(prog, bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K})
	}
	return h.SetBPF(prog)
}

// Run reads packets until stop is closed, decoding DNS answers and caching
// every resolved name by IP.
func (s *Sniffer) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		data, _, err := s.tPacket.ZeroCopyReadPacketData()
		if err != nil {
			continue
		}
		s.handlePacket(data)
	}
}

func (s *Sniffer) handlePacket(data []byte) {
	var eth layers.Ethernet
	var ip4 layers.IPv4
	var ip6 layers.IPv6
	var udp layers.UDP
	var tcp layers.TCP
	var dns layers.DNS
	decoded := make([]gopacket.LayerType, 0, 6)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip4, &ip6, &udp, &tcp, &dns)
	if err := parser.DecodeLayers(data, &decoded); err != nil {
		return
	}
	if dns.ID == 0 || !dns.QR {
		return
	}
	for _, answer := range dns.Answers {
		var ip net.IP
		switch answer.Type {
		case layers.DNSTypeA:
			ip = answer.IP
		case layers.DNSTypeAAAA:
			ip = answer.IP
		default:
			continue
		}
		if ip == nil {
			continue
		}
		name := string(answer.Name)
		s.mu.Lock()
		s.cache[ip.String()] = name
		s.mu.Unlock()
	}
}

// Resolve looks up ip in the passively-built cache.
func (s *Sniffer) Resolve(ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.cache[ip.String()]
	return name, ok
}

// Close releases the packet socket.
func (s *Sniffer) Close() error {
	s.tPacket.Close()
	return nil
}

// ActiveResolver performs an on-demand reverse DNS lookup using
// github.com/miekg/dns, the same library dnswatch uses to decode DNS
// messages, here used client-side instead of as a passive decoder. It is
// the fallback path when the Sniffer has not yet observed an answer for an
// IP (spec.md §1 calls domain resolution "best-effort, never blocking the
// pipeline").
type ActiveResolver struct {
	client     *mkdns.Client
	serverAddr string
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[string]cachedName
}

type cachedName struct {
	name    string
	expires time.Time
}

// NewActiveResolver builds a resolver querying serverAddr (e.g.
// "127.0.0.1:53") for PTR records.
func NewActiveResolver(serverAddr string, cacheTTL time.Duration) *ActiveResolver {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &ActiveResolver{
		client:     &mkdns.Client{Timeout: 2 * time.Second},
		serverAddr: serverAddr,
		cacheTTL:   cacheTTL,
		cache:      make(map[string]cachedName),
	}
}

// Resolve issues (or reuses a cached) PTR lookup for ip. A lookup failure
// or NXDOMAIN is cached as a negative result for the same TTL, so a
// persistently unresolvable IP does not trigger a DNS query per event.
func (a *ActiveResolver) Resolve(ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	key := ip.String()

	a.mu.Lock()
	if c, ok := a.cache[key]; ok && time.Now().Before(c.expires) {
		a.mu.Unlock()
		return c.name, c.name != ""
	}
	a.mu.Unlock()

	name := a.lookup(ip)

	a.mu.Lock()
	a.cache[key] = cachedName{name: name, expires: time.Now().Add(a.cacheTTL)}
	a.mu.Unlock()

	return name, name != ""
}

func (a *ActiveResolver) lookup(ip net.IP) string {
	arpa, err := mkdns.ReverseAddr(ip.String())
	if err != nil {
		return ""
	}
	msg := new(mkdns.Msg)
	msg.SetQuestion(arpa, mkdns.TypePTR)
	resp, _, err := a.client.Exchange(msg, a.serverAddr)
	if err != nil || resp == nil || resp.Rcode != mkdns.RcodeSuccess {
		return ""
	}
	for _, ans := range resp.Answer {
		if ptr, ok := ans.(*mkdns.PTR); ok {
			return ptr.Ptr
		}
	}
	return ""
}

// Chain tries each Resolver in order, returning the first hit — used to put
// the zero-query-cost Sniffer ahead of the ActiveResolver fallback.
type Chain struct {
	resolvers []Resolver
}

// NewChain builds a Chain trying resolvers in the given order.
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

func (c *Chain) Resolve(ip net.IP) (string, bool) {
	for _, r := range c.resolvers {
		if name, ok := r.Resolve(ip); ok {
			return name, true
		}
	}
	return "", false
}

var _ Resolver = (*Chain)(nil)
