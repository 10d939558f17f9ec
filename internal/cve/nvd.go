package cve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
)

// NVDSource pulls recently modified CVEs from the NIST NVD REST API
// over a plain http.Client, the same shape as
// internal/vaultclient.Client.
type NVDSource struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

func NewNVDSource(apiKey string) *NVDSource {
	return &NVDSource{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		baseURL:    "https://services.nvd.nist.gov/rest/json/cves/2.0",
	}
}

func (s *NVDSource) Name() string { return "nvd" }

type nvdResponse struct {
	TotalResults int `json:"totalResults"`
	Vulnerabilities []struct {
		Cve struct {
			ID string `json:"id"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// Refresh fetches the last day's modified CVEs. Package-to-CVE mapping is
// left at 0 here: NVD's feed alone has no package-manager correlation,
// which a vendor-specific source would add; this source only reports
// vulnerability counts.
func (s *NVDSource) Refresh(ctx context.Context) (vulnCount, pkgCount int, err error) {
	url := fmt.Sprintf("%s?lastModStartDate=%s&lastModEndDate=%s",
		s.baseURL,
		time.Now().UTC().Add(-24*time.Hour).Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, apierr.Wrap(apierr.KindInternal, "cve: build nvd request", err)
	}
	if s.apiKey != "" {
		req.Header.Set("apiKey", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, 0, apierr.Wrap(apierr.KindDependencyFailed, "cve: nvd request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, apierr.New(apierr.KindDependencyFailed, fmt.Sprintf("nvd returned %d", resp.StatusCode))
	}

	var parsed nvdResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, 0, apierr.Wrap(apierr.KindDependencyFailed, "cve: decode nvd response", err)
	}

	return len(parsed.Vulnerabilities), 0, nil
}
