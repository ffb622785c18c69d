package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/util"
)

const (
	RegisterPath           = "/api/v1/client/register"
	defaultRegisterTimeout = 30 * time.Second
)

type Registration struct {
	Token     string `json:"token"`
	PublicKey string `json:"pubkey"`
	Name      string `json:"name,omitempty"`
	Contact   string `json:"contact,omitempty"`
}

type Registrar interface {
	Register(ctx context.Context, backendURL string, reg Registration) error
}

type Client struct {
	httpClient *http.Client
	userAgent  string
}

func NewClient(userAgent string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultRegisterTimeout},
		userAgent:  userAgent,
	}
}

var _ Registrar = (*Client)(nil)

// RegistrationFor reads the public key at publicKeyPath into a request body.
func RegistrationFor(token, publicKeyPath string) (Registration, error) {
	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return Registration{}, util.NewError(util.ErrTypeConfig,
			i18n.T("register_key_read_error", map[string]any{"Error": err}), err)
	}
	return Registration{Token: token, PublicKey: strings.TrimSpace(string(data))}, nil
}

func (c *Client) Register(ctx context.Context, backendURL string, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return util.NewError(util.ErrTypeConfig,
			i18n.T("register_json_error", map[string]any{"Error": err}), err)
	}

	url := strings.TrimRight(backendURL, "/") + RegisterPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return util.NewError(util.ErrTypeConnection,
			i18n.T("register_request_error", map[string]any{"Error": err}), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return util.NewError(util.ErrTypeConnection,
			i18n.T("register_request_error", map[string]any{"Error": err}), err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			util.Warn(i18n.T("register_body_close_error", nil), map[string]any{"component": "register", "error": closeErr})
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return util.NewError(util.ErrTypeConnection,
			i18n.T("register_response_read_error", map[string]any{"Error": err}), err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := i18n.T("register_response_error", map[string]any{
			"StatusCode": resp.StatusCode,
			"Body":       string(respBody),
		})
		return util.NewError(util.ErrTypeConnection, msg, fmt.Errorf("status %d", resp.StatusCode))
	}

	util.Info(i18n.T("register_success", map[string]any{"URL": backendURL}), nil)
	return nil
}
