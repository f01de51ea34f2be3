package utils

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// NodeType represents whether the node is reachable from the public internet
type NodeType string

const (
	Public  NodeType = "public"
	Private NodeType = "private"
)

// IPResponse represents the response from external IP services
type IPResponse struct {
	IP string `json:"ip"`
}

// NodeTypeManager answers questions about this host's addresses. Results of
// interface scans are cached; call Refresh after a network change.
type NodeTypeManager struct {
	mutex      sync.Mutex
	localIP    net.IP
	externalIP net.IP
	scanned    bool
}

func NewNodeTypeManager() *NodeTypeManager {
	return &NodeTypeManager{}
}

// virtualAdapter reports interface names that usually belong to hypervisors or containers
func virtualAdapter(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range []string{"vethernet", "docker", "veth", "vmware", "virtualbox", "hyper-v", "br-"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// scanLocalIP picks the most plausible LAN address of this machine.
// Public addresses rank first, then common LAN ranges, virtual adapters last.
func (nt *NodeTypeManager) scanLocalIP() (net.IP, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var best net.IP
	bestPriority := 0

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			// Only IPv4 is announced on the local channel
			if ip == nil || ip.To4() == nil || ip.IsLoopback() {
				continue
			}
			ip = ip.To4()

			priority := 0
			switch {
			case !nt.IsPrivateIP(ip):
				priority = 1000
			case ip[0] == 192 && ip[1] == 168:
				priority = 100
			case ip[0] == 10:
				priority = 90
			case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
				priority = 50
			}

			if virtualAdapter(iface.Name) && priority < 1000 {
				priority -= 40
			}

			if priority > bestPriority {
				best = ip
				bestPriority = priority
			}
		}
	}

	if best == nil {
		return nil, fmt.Errorf("no suitable local IP found")
	}
	return best, nil
}

// GetLocalIP returns the cached local IP, scanning interfaces on first use
func (nt *NodeTypeManager) GetLocalIP() (net.IP, error) {
	nt.mutex.Lock()
	defer nt.mutex.Unlock()

	if !nt.scanned {
		ip, err := nt.scanLocalIP()
		if err != nil {
			return nil, err
		}
		nt.localIP = ip
		nt.scanned = true
	}
	return nt.localIP, nil
}

// Refresh drops cached addresses
func (nt *NodeTypeManager) Refresh() {
	nt.mutex.Lock()
	defer nt.mutex.Unlock()
	nt.scanned = false
	nt.localIP = nil
	nt.externalIP = nil
}

// IsPrivateIP checks if the given IP is in private, loopback or link-local ranges
func (nt *NodeTypeManager) IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// IsOnSameSubnet checks if two IPv4 addresses share a /24
func (nt *NodeTypeManager) IsOnSameSubnet(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
}

// IsLANPeer reports whether ip looks like a host on this machine's local network.
// Loopback counts, so peers on the same host are treated as local.
func (nt *NodeTypeManager) IsLANPeer(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if !nt.IsPrivateIP(ip) {
		return false
	}
	local, err := nt.GetLocalIP()
	if err != nil {
		return false
	}
	return nt.IsOnSameSubnet(local, ip)
}

// GetExternalIP asks public echo services for this host's address
func (nt *NodeTypeManager) GetExternalIP() (net.IP, error) {
	nt.mutex.Lock()
	if nt.externalIP != nil {
		ip := nt.externalIP
		nt.mutex.Unlock()
		return ip, nil
	}
	nt.mutex.Unlock()

	services := []string{
		"https://api.ipify.org?format=json",
		"https://ipinfo.io/json",
		"https://httpbin.org/ip",
	}

	transport := &http.Transport{
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}

	for _, service := range services {
		ip, err := fetchIP(client, service)
		if err != nil {
			continue
		}

		nt.mutex.Lock()
		nt.externalIP = ip
		nt.mutex.Unlock()
		return ip, nil
	}

	return nil, fmt.Errorf("could not determine external IP")
}

func fetchIP(client *http.Client, service string) (net.IP, error) {
	resp, err := client.Get(service)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ipResp IPResponse
	if err := json.NewDecoder(resp.Body).Decode(&ipResp); err != nil {
		return nil, err
	}

	ip := net.ParseIP(strings.TrimSpace(ipResp.IP))
	if ip == nil {
		return nil, fmt.Errorf("service %s returned invalid IP %q", service, ipResp.IP)
	}
	return ip, nil
}

// DetectNodeType reports Public when the local interface already carries a public address
func (nt *NodeTypeManager) DetectNodeType() NodeType {
	local, err := nt.GetLocalIP()
	if err != nil || nt.IsPrivateIP(local) {
		return Private
	}
	return Public
}
