package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/skytile/internal/pipeline"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchProgress returns the progress snapshot of the build serving at addr,
// given as host:port or a full URL.
func FetchProgress(ctx context.Context, addr string) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	err := GetJSON(ctx, baseURL(addr)+"/progress", &snap)
	return snap, err
}

func baseURL(addr string) string {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	return strings.TrimRight(url, "/")
}
