// Package vaultclient is a minimal HTTP client for the external
// OpenBao/Vault KV v2 secret store. The vault process itself is an
// external collaborator; this package implements only the remote
// contract: store/retrieve/delete a secret at a path with a
// token-scoped read, payload shaped {data:{data:{content:"<secret>"}}}.
package vaultclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
	"github.com/sysmanage/sysmanage-server/internal/config"
)

type Client struct {
	httpClient *http.Client
	address    string
	token      string
	mountPath  string
}

func New(cfg *config.VaultConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		address:    cfg.Address,
		token:      cfg.Token,
		mountPath:  cfg.MountPath,
	}
}

type kvV2Envelope struct {
	Data struct {
		Data struct {
			Content string `json:"content"`
		} `json:"data"`
	} `json:"data"`
}

// GetSecret reads the content at path under the configured KV v2 mount.
func (c *Client) GetSecret(ctx context.Context, path string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", c.address, c.mountPath, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "vaultclient: build request", err)
	}
	req.Header.Set("X-Vault-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apierr.Wrap(apierr.KindDependencyFailed, "vaultclient: get secret", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", apierr.NotFound("secret")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", apierr.New(apierr.KindDependencyFailed, fmt.Sprintf("vault returned %d: %s", resp.StatusCode, string(body)))
	}

	var env kvV2Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", apierr.Wrap(apierr.KindDependencyFailed, "vaultclient: decode response", err)
	}
	return env.Data.Data.Content, nil
}

// PutSecret writes content at path.
func (c *Client) PutSecret(ctx context.Context, path, content string) error {
	url := fmt.Sprintf("%s/v1/%s/data/%s", c.address, c.mountPath, path)
	body := struct {
		Data struct {
			Content string `json:"content"`
		} `json:"data"`
	}{}
	body.Data.Content = content

	payload, err := json.Marshal(body)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "vaultclient: marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "vaultclient: build request", err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindDependencyFailed, "vaultclient: put secret", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return apierr.New(apierr.KindDependencyFailed, fmt.Sprintf("vault returned %d: %s", resp.StatusCode, string(respBody)))
	}
	return nil
}

// DeleteSecret deletes the metadata+data at path (full KV v2 destroy,
// not a soft-delete, so a failed delete never silently orphans data).
func (c *Client) DeleteSecret(ctx context.Context, path string) error {
	url := fmt.Sprintf("%s/v1/%s/metadata/%s", c.address, c.mountPath, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "vaultclient: build request", err)
	}
	req.Header.Set("X-Vault-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindDependencyFailed, "vaultclient: delete secret", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return apierr.New(apierr.KindDependencyFailed, fmt.Sprintf("vault returned %d: %s", resp.StatusCode, string(respBody)))
	}
	return nil
}
