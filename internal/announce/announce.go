package announce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is the directory protocol version this relay speaks.
const ProtocolVersion = 3

// Timeout bounds a single announce request.
const Timeout = 10 * time.Second

// ErrNotOK is returned when the directory's response body was not the
// case-insensitive literal "OK".
var ErrNotOK = errors.New("announce: directory did not reply OK")

// Status is the instance state reported to the directory on every call.
type Status struct {
	Name           string
	TunnelPort     int
	Clients        int
	MaxClients     int
	MasterPassword string
	MaintenanceOn  bool
}

// Client reports Status to a single master_url with an HTTP GET, using an injectable http.Client,
// so tests can point it at an httptest.NewServer without touching the
// package-level default transport.
type Client struct {
	MasterURL string
	HTTP      *http.Client
}

// New returns a Client whose HTTP requests time out after Timeout.
func New(masterURL string) *Client {
	return &Client{
		MasterURL: masterURL,
		HTTP:      &http.Client{Timeout: Timeout},
	}
}

// Announce issues the directory GET request and reports
// whether the directory acknowledged it. A non-nil error always means the
// announce failed; callers log it and continue serving.
func (c *Client) Announce(ctx context.Context, s Status) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	u, err := url.Parse(c.MasterURL)
	if err != nil {
		return fmt.Errorf("announce: invalid master url: %w", err)
	}
	q := u.Query()
	q.Set("version", strconv.Itoa(ProtocolVersion))
	q.Set("name", s.Name)
	q.Set("port", strconv.Itoa(s.TunnelPort))
	q.Set("clients", strconv.Itoa(s.Clients))
	q.Set("maxclients", strconv.Itoa(s.MaxClients))
	q.Set("masterpw", s.MasterPassword)
	q.Set("maintenance", maintenanceFlag(s.MaintenanceOn))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("announce: build request: %w", err)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("announce: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("announce: read response: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(string(body)), "OK") {
		return fmt.Errorf("%w: status=%d body=%q", ErrNotOK, resp.StatusCode, body)
	}
	return nil
}

func maintenanceFlag(on bool) string {
	if on {
		return "1"
	}
	return "0"
}
