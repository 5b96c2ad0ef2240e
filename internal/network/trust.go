// Package network classifies the network signal a client reports at check-in.
// The result is advisory: a client can claim any SSID, so the classification
// only ever raises the factors a check-in must present.
package network

import (
	"net/netip"
	"strings"
)

type Trust string

const (
	TrustLow    Trust = "low"
	TrustMedium Trust = "medium"
	TrustHigh   Trust = "high"
)

func (t Trust) rank() int {
	switch t {
	case TrustHigh:
		return 2
	case TrustMedium:
		return 1
	}
	return 0
}

// Below reports whether t is strictly weaker than min.
func (t Trust) Below(min Trust) bool {
	return t.rank() < min.rank()
}

func ParseTrust(value string) (Trust, bool) {
	switch Trust(strings.ToLower(strings.TrimSpace(value))) {
	case TrustLow:
		return TrustLow, true
	case TrustMedium:
		return TrustMedium, true
	case TrustHigh:
		return TrustHigh, true
	}
	return "", false
}

const (
	ConnectionWiFi     = "wifi"
	ConnectionCellular = "cellular"
	ConnectionEthernet = "ethernet"
	ConnectionUnknown  = "unknown"
)

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
}

type Classification struct {
	IsPrivateRange         bool
	MatchesAllowList       bool
	InferredConnectionType string
	Trust                  Trust
}

type Classifier struct {
	AllowedSSIDs []string
}

func NewClassifier(allowed []string) Classifier {
	return Classifier{AllowedSSIDs: allowed}
}

func (c Classifier) Classify(claimedIP, claimedSSID, connectionType string) Classification {
	private := IsPrivate(claimedIP)
	matches := c.allowed(claimedSSID)

	trust := TrustLow
	switch {
	case private && matches:
		trust = TrustHigh
	case private || matches:
		trust = TrustMedium
	}

	return Classification{
		IsPrivateRange:         private,
		MatchesAllowList:       matches,
		InferredConnectionType: inferConnectionType(connectionType, claimedSSID),
		Trust:                  trust,
	}
}

func (c Classifier) allowed(ssid string) bool {
	ssid = strings.TrimSpace(ssid)
	if ssid == "" {
		return false
	}
	for _, candidate := range c.AllowedSSIDs {
		if strings.EqualFold(strings.TrimSpace(candidate), ssid) {
			return true
		}
	}
	return false
}

// IsPrivate reports whether ip parses and lies in a private, loopback or
// carrier-grade NAT range.
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range privatePrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func inferConnectionType(claimed, ssid string) string {
	switch strings.ToLower(strings.TrimSpace(claimed)) {
	case ConnectionWiFi:
		return ConnectionWiFi
	case ConnectionCellular:
		return ConnectionCellular
	case ConnectionEthernet:
		return ConnectionEthernet
	}
	if strings.TrimSpace(ssid) != "" {
		return ConnectionWiFi
	}
	return ConnectionUnknown
}
