package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/farpath/farpath-agent/internal/config"
)

// DOProvider provisions droplets through the DigitalOcean v2 API.
type DOProvider struct {
	base   string
	size   string
	image  string
	client *http.Client
	logger *slog.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewDOProvider(cfg config.CloudConfig, logger *slog.Logger) *DOProvider {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.DOToken})
	return &DOProvider{
		base:         strings.TrimRight(cfg.DOAPIBase, "/"),
		size:         cfg.DOSize,
		image:        cfg.DOImage,
		client:       oauth2.NewClient(context.Background(), src),
		logger:       logger,
		pollInterval: 5 * time.Second,
		pollTimeout:  5 * time.Minute,
	}
}

type doDroplet struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

func (d doDroplet) publicIP() string {
	for _, n := range d.Networks.V4 {
		if n.Type == "public" {
			return n.IPAddress
		}
	}
	return ""
}

type doError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (p *DOProvider) Start(ctx context.Context, name, region string) (VM, error) {
	body := map[string]string{
		"name":   name,
		"region": region,
		"size":   p.size,
		"image":  p.image,
	}
	var out struct {
		Droplet doDroplet `json:"droplet"`
	}
	if err := p.do(ctx, http.MethodPost, "/v2/droplets", body, &out); err != nil {
		return VM{}, err
	}
	p.logger.Info("droplet_create_accepted", slog.Int64("droplet_id", out.Droplet.ID), slog.String("region", region))
	return p.waitActive(ctx, out.Droplet.ID)
}

// waitActive polls the droplet until it reports active with a public
// address.
func (p *DOProvider) waitActive(ctx context.Context, id int64) (VM, error) {
	deadline := time.Now().Add(p.pollTimeout)
	for {
		var out struct {
			Droplet doDroplet `json:"droplet"`
		}
		if err := p.do(ctx, http.MethodGet, fmt.Sprintf("/v2/droplets/%d", id), nil, &out); err != nil {
			return VM{}, err
		}
		if out.Droplet.Status == "active" {
			if ip := out.Droplet.publicIP(); ip != "" {
				return VM{
					ID:       fmt.Sprintf("%d", out.Droplet.ID),
					Name:     out.Droplet.Name,
					PublicIP: ip,
				}, nil
			}
		}
		if time.Now().After(deadline) {
			return VM{}, fmt.Errorf("%w: droplet %d never became active", ErrTimeout, id)
		}
		timer := time.NewTimer(p.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return VM{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *DOProvider) Stop(ctx context.Context, name string) error {
	droplet, err := p.findByName(ctx, name)
	if err != nil {
		return err
	}
	return p.do(ctx, http.MethodDelete, fmt.Sprintf("/v2/droplets/%d", droplet.ID), nil, nil)
}

func (p *DOProvider) Reboot(ctx context.Context, name string) error {
	droplet, err := p.findByName(ctx, name)
	if err != nil {
		return err
	}
	body := map[string]string{"type": "reboot"}
	return p.do(ctx, http.MethodPost, fmt.Sprintf("/v2/droplets/%d/actions", droplet.ID), body, nil)
}

// HasOAuth checks whether the configured token is accepted. A 401/403
// is a clean "no", not an error.
func (p *DOProvider) HasOAuth(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/v2/account", nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("account lookup: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, &ProviderError{Code: "account_lookup_failed", Message: resp.Status}
	}
}

func (p *DOProvider) findByName(ctx context.Context, name string) (doDroplet, error) {
	var out struct {
		Droplets []doDroplet `json:"droplets"`
	}
	if err := p.do(ctx, http.MethodGet, "/v2/droplets?per_page=200", nil, &out); err != nil {
		return doDroplet{}, err
	}
	for _, d := range out.Droplets {
		if d.Name == name {
			return d, nil
		}
	}
	return doDroplet{}, &ProviderError{Code: "not_found", Message: fmt.Sprintf("no droplet named %q", name)}
}

func (p *DOProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return p.apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// apiError turns an error response into a ProviderError, normalizing
// the name-conflict message to the recognized "already exists" code.
func (p *DOProvider) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr doError
	if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.ID == "" {
		apiErr = doError{ID: fmt.Sprintf("http_%d", resp.StatusCode), Message: strings.TrimSpace(string(raw))}
	}
	code := apiErr.ID
	if strings.Contains(strings.ToLower(apiErr.Message), "already in use") {
		code = ErrCodeAlreadyExists
	}
	return &ProviderError{Code: code, Message: apiErr.Message}
}
