// Package nat resolves the public media endpoint to advertise in SDP.
// Residential and cloud deployments usually sit behind source NAT, so
// the address we bind locally is not the address the trunk can reach.
package nat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Resolver maps a local port to the publicly reachable endpoint.
// Implementations never fail hard: when discovery is unavailable they
// fall back to a local address so the call can still be attempted.
type Resolver interface {
	ResolvePublicEndpoint(ctx context.Context, localPort int) (ip string, port int)
}

// StaticResolver advertises a fixed IP. Used when the operator knows
// the public address (static NAT, host networking).
type StaticResolver struct {
	IP string
}

func (r *StaticResolver) ResolvePublicEndpoint(ctx context.Context, localPort int) (string, int) {
	return r.IP, localPort
}

// DefaultDiscoveryURL returns a JSON body of the form {"ip":"..."}.
const DefaultDiscoveryURL = "https://api.ipify.org?format=json"

const (
	discoveryTimeout = 3 * time.Second
	cacheTTL         = 5 * time.Minute
)

// HTTPResolver discovers the public IP via an external HTTP service and
// caches the answer. Source NAT rarely rewrites ports for outbound UDP,
// so the local port is advertised unchanged.
type HTTPResolver struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	cachedIP  string
	fetchedAt time.Time
}

// NewHTTPResolver creates a resolver against the given discovery URL.
// An empty url selects DefaultDiscoveryURL.
func NewHTTPResolver(url string) *HTTPResolver {
	if url == "" {
		url = DefaultDiscoveryURL
	}
	return &HTTPResolver{
		url:    url,
		client: &http.Client{Timeout: discoveryTimeout},
	}
}

func (r *HTTPResolver) ResolvePublicEndpoint(ctx context.Context, localPort int) (string, int) {
	r.mu.Lock()
	if r.cachedIP != "" && time.Since(r.fetchedAt) < cacheTTL {
		ip := r.cachedIP
		r.mu.Unlock()
		return ip, localPort
	}
	r.mu.Unlock()

	ip, err := r.discover(ctx)
	if err != nil {
		fallback := LocalIP()
		slog.Warn("[NAT] Public IP discovery failed, advertising local address",
			"error", err,
			"fallback", fallback,
		)
		return fallback, localPort
	}

	r.mu.Lock()
	r.cachedIP = ip
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	return ip, localPort
}

func (r *HTTPResolver) discover(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery service returned %d", resp.StatusCode)
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding discovery response: %w", err)
	}
	if net.ParseIP(body.IP) == nil {
		return "", fmt.Errorf("discovery service returned invalid IP %q", body.IP)
	}

	return body.IP, nil
}

// LocalIP detects the primary network interface IP address.
func LocalIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
