package fleet

import (
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"
)

// Subnet is an address range exempted from the per-address connection cap
type Subnet struct {
	Prefix netip.Prefix
}

// ParseSubnet parses "addr/bits", "addr/netmask" or a bare address (host route)
func ParseSubnet(s string) (Subnet, error) {
	s = strings.TrimSpace(s)
	addrPart, maskPart, hasMask := strings.Cut(s, "/")

	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return Subnet{}, fmt.Errorf("%w: %q: %v", ErrInvalidSubnet, s, err)
	}
	addr = addr.Unmap()

	if !hasMask {
		return Subnet{Prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
	}

	var prefixLen int
	if n, err := strconv.Atoi(maskPart); err == nil {
		prefixLen = n
	} else {
		prefixLen, err = netmaskBits(maskPart)
		if err != nil {
			return Subnet{}, fmt.Errorf("%w: %q: %v", ErrInvalidSubnet, s, err)
		}
	}
	if prefixLen < 0 || prefixLen > addr.BitLen() {
		return Subnet{}, fmt.Errorf("%w: %q: prefix length out of range", ErrInvalidSubnet, s)
	}

	return Subnet{Prefix: netip.PrefixFrom(addr, prefixLen).Masked()}, nil
}

// MustParseSubnet is like ParseSubnet but panics on error
func MustParseSubnet(s string) Subnet {
	sn, err := ParseSubnet(s)
	if err != nil {
		panic(err)
	}
	return sn
}

// netmaskBits converts a dotted (or colon) netmask into a prefix length
func netmaskBits(mask string) (int, error) {
	m, err := netip.ParseAddr(mask)
	if err != nil {
		return 0, err
	}
	m = m.Unmap()

	n := 0
	seenZero := false
	for _, b := range m.AsSlice() {
		ones := bits.LeadingZeros8(^b)
		if seenZero && b != 0 {
			return 0, fmt.Errorf("non-contiguous netmask %s", mask)
		}
		if ones < 8 {
			if b<<ones != 0 {
				return 0, fmt.Errorf("non-contiguous netmask %s", mask)
			}
			seenZero = true
		}
		n += ones
	}
	return n, nil
}

// Contains reports whether addr falls inside the subnet
func (s Subnet) Contains(addr netip.Addr) bool {
	return s.Prefix.IsValid() && s.Prefix.Contains(addr.Unmap().WithZone(""))
}

func (s Subnet) String() string {
	return s.Prefix.String()
}

// MatchSubnet returns the first subnet in list order that contains addr
func MatchSubnet(list []Subnet, addr netip.Addr) (Subnet, bool) {
	for _, sn := range list {
		if sn.Contains(addr) {
			return sn, true
		}
	}
	return Subnet{}, false
}
