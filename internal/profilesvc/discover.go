package profilesvc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DiscoverBaseURL probes candidate ports on the local service host until
// one answers the status endpoint. The profile service picks its port at
// install time, so workers find it at startup instead of configuring it.
func DiscoverBaseURL(ctx context.Context, host string, ports []int) (string, error) {
	probe := &http.Client{Timeout: 2 * time.Second}
	for _, port := range ports {
		base := fmt.Sprintf("http://%s:%d", host, port)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
		if err != nil {
			return "", err
		}
		resp, err := probe.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return base, nil
		}
	}
	return "", fmt.Errorf("profilesvc: no service on %s (ports %v)", host, ports)
}
