package services

import (
	"log/slog"
	"net/netip"
	"strings"
)

// IPList is an immutable set of addresses and prefixes.
type IPList struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// ParseIPList builds a list from IP and CIDR strings. Malformed entries are
// logged and skipped.
func ParseIPList(name string, entries []string, logger *slog.Logger) IPList {
	list := IPList{addrs: make(map[netip.Addr]struct{})}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("ip_list_entry_invalid", "list", name, "entry", entry, "error", err)
				continue
			}
			prefix = prefix.Masked()
			if prefix.Addr().Is4In6() {
				bits := prefix.Bits() - 96
				if bits < 0 {
					bits = 0
				}
				prefix = netip.PrefixFrom(prefix.Addr().Unmap(), bits).Masked()
			}
			list.prefixes = append(list.prefixes, prefix)
			continue
		}

		addr, ok := parseAddr(entry)
		if !ok {
			logger.Warn("ip_list_entry_invalid", "list", name, "entry", entry)
			continue
		}
		list.addrs[addr] = struct{}{}
	}

	return list
}

func (l IPList) Empty() bool {
	return len(l.addrs) == 0 && len(l.prefixes) == 0
}

func (l IPList) Len() int {
	return len(l.addrs) + len(l.prefixes)
}

// Contains reports whether ip is listed directly or falls in a listed prefix.
// Unparseable input is never contained.
func (l IPList) Contains(ip string) bool {
	if l.Empty() {
		return false
	}
	addr, ok := parseAddr(ip)
	if !ok {
		return false
	}
	return l.ContainsAddr(addr)
}

func (l IPList) ContainsAddr(addr netip.Addr) bool {
	if _, ok := l.addrs[addr]; ok {
		return true
	}
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
