package fraud

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
)

// AsnInfo is the resolver output for one client IP.
type AsnInfo struct {
	ASN     int64
	Country string // ISO alpha-2
}

// AsnResolver maps a client IP to its autonomous system and country.
// Production deployments back this with an MMDB snapshot; that loader
// lives outside this module, so the gateway only depends on the interface.
type AsnResolver interface {
	// Resolve returns the ASN info for an IP. ok is false when the IP is
	// not covered, which the engine may treat as a shadow-ban signal.
	Resolve(ip string) (AsnInfo, bool)
}

// StaticAsnResolver resolves from an in-memory CIDR table. It backs tests
// and small deployments that ship a flat file instead of an MMDB.
type StaticAsnResolver struct {
	mu      sync.RWMutex
	entries []asnEntry
}

type asnEntry struct {
	prefix netip.Prefix
	info   AsnInfo
}

// NewStaticAsnResolver creates an empty resolver.
func NewStaticAsnResolver() *StaticAsnResolver {
	return &StaticAsnResolver{}
}

// Add registers a CIDR with its ASN info.
func (r *StaticAsnResolver) Add(cidr string, info AsnInfo) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("parsing cidr %q: %w", cidr, err)
	}
	r.mu.Lock()
	r.entries = append(r.entries, asnEntry{prefix: prefix, info: info})
	r.mu.Unlock()
	return nil
}

// Resolve returns the info of the first covering CIDR.
func (r *StaticAsnResolver) Resolve(ip string) (AsnInfo, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return AsnInfo{}, false
	}
	addr = addr.Unmap()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.prefix.Contains(addr) {
			return e.info, true
		}
	}
	return AsnInfo{}, false
}

// LoadAsnTable reads a whitespace-separated "cidr asn country" file into a
// static resolver. Lines starting with # are skipped.
func LoadAsnTable(path string) (*StaticAsnResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening asn table: %w", err)
	}
	defer f.Close()

	resolver := NewStaticAsnResolver()
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("asn table line %d: want 'cidr asn [country]'", line)
		}
		asn, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("asn table line %d: %w", line, err)
		}
		info := AsnInfo{ASN: asn}
		if len(fields) >= 3 {
			info.Country = strings.ToUpper(fields[2])
		}
		if err := resolver.Add(fields[0], info); err != nil {
			return nil, fmt.Errorf("asn table line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading asn table: %w", err)
	}
	return resolver, nil
}
