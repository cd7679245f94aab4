package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"xray-guard/internal/model"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// XUIClient talks to the 3x-ui panel REST API that manages the local Xray
// instance. Sessions are cookie based; the client logs in lazily and retries
// once when the panel indicates the session expired.
type XUIClient struct {
	baseURL  string
	username string
	password string
	dryRun   bool
	client   *http.Client
	metrics  *PrometheusMetrics
	logger   *logrus.Logger

	mu       sync.Mutex
	loggedIn bool
}

// apiResponse is the envelope every panel endpoint wraps its payload in
type apiResponse struct {
	Success bool                `json:"success"`
	Msg     string              `json:"msg"`
	Obj     jsoniter.RawMessage `json:"obj"`
}

type panelInbound struct {
	ID          int               `json:"id"`
	Remark      string            `json:"remark"`
	Enable      bool              `json:"enable"`
	Settings    string            `json:"settings"`
	ClientStats []panelClientStat `json:"clientStats"`
}

type panelClientStat struct {
	Email      string `json:"email"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
}

// panelSettings mirrors the JSON document the panel stores as a string in
// each inbound's settings column. Clients stay as raw maps so fields this
// tool does not know about survive a round trip.
type panelSettings struct {
	Clients []map[string]any `json:"clients"`
}

// NewXUIClient builds a panel client. With insecureTLS set, certificate
// verification is skipped for self-signed panels.
func NewXUIClient(baseURL, username, password string, insecureTLS, dryRun bool, metrics *PrometheusMetrics, logger *logrus.Logger) (*XUIClient, error) {
	return NewXUIClientWithTimeout(baseURL, username, password, insecureTLS, dryRun, 30*time.Second, metrics, logger)
}

// NewXUIClientWithTimeout builds a panel client with an explicit request timeout
func NewXUIClientWithTimeout(baseURL, username, password string, insecureTLS, dryRun bool, timeout time.Duration, metrics *PrometheusMetrics, logger *logrus.Logger) (*XUIClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %v", err)
	}

	httpClient := &http.Client{Jar: jar, Timeout: timeout}
	if insecureTLS {
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	return &XUIClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		dryRun:   dryRun,
		client:   httpClient,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// TestConnection verifies the panel credentials by logging in
func (c *XUIClient) TestConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.login(ctx); err != nil {
		return err
	}
	c.logger.Infof("Authenticated against panel at %s", c.baseURL)
	return nil
}

// ListClients merges the client entries of every inbound with their traffic
// counters into one record per client email.
func (c *XUIClient) ListClients(ctx context.Context) ([]model.ClientRecord, error) {
	inbounds, err := c.fetchInbounds(ctx)
	if err != nil {
		return nil, err
	}

	records := make(map[string]model.ClientRecord)
	for _, inbound := range inbounds {
		var settings panelSettings
		if err := json.Unmarshal([]byte(inbound.Settings), &settings); err != nil {
			c.logger.Warnf("Failed to parse settings of inbound %d: %v", inbound.ID, err)
		}
		for _, entry := range settings.Clients {
			email, _ := entry["email"].(string)
			if email == "" {
				continue
			}
			uuid, _ := entry["id"].(string)
			enable := true
			if v, ok := entry["enable"].(bool); ok {
				enable = v
			}
			records[email] = model.ClientRecord{
				Email:     email,
				InboundID: inbound.ID,
				UUID:      uuid,
				Enable:    enable,
			}
		}
		for _, stat := range inbound.ClientStats {
			record, ok := records[stat.Email]
			if !ok {
				record = model.ClientRecord{Email: stat.Email, InboundID: inbound.ID, Enable: stat.Enable}
			}
			record.TotalUp = stat.Up
			record.TotalDown = stat.Down
			record.Total = stat.Total
			record.ExpiryTime = stat.ExpiryTime
			records[stat.Email] = record
		}
	}

	out := make([]model.ClientRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// ClientTraffic fetches the traffic record of a single client. A nil record
// means the panel does not know the client.
func (c *XUIClient) ClientTraffic(ctx context.Context, email string) (*model.ClientRecord, error) {
	resp, err := c.callAPI(ctx, http.MethodGet, "/panel/api/inbounds/getClientTraffics/"+url.PathEscape(email), nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Obj) == 0 || string(resp.Obj) == "null" {
		return nil, nil
	}

	var stat panelClientStat
	if err := json.Unmarshal(resp.Obj, &stat); err != nil {
		return nil, fmt.Errorf("failed to parse traffic record for %s: %v", email, err)
	}
	return &model.ClientRecord{
		Email:      stat.Email,
		InboundID:  stat.InboundID,
		Enable:     stat.Enable,
		TotalUp:    stat.Up,
		TotalDown:  stat.Down,
		Total:      stat.Total,
		ExpiryTime: stat.ExpiryTime,
	}, nil
}

// ClientIPs returns the source addresses the panel recorded for the client.
// The panel wraps the list in a string, with "No IP Record" standing for an
// empty history.
func (c *XUIClient) ClientIPs(ctx context.Context, email string) ([]string, error) {
	resp, err := c.callAPI(ctx, http.MethodPost, "/panel/api/inbounds/clientIps/"+url.PathEscape(email), nil)
	if err != nil {
		return nil, err
	}

	var wrapped string
	if err := json.Unmarshal(resp.Obj, &wrapped); err == nil {
		if wrapped == "" || strings.EqualFold(wrapped, "No IP Record") {
			return nil, nil
		}
		var ips []string
		if err := json.Unmarshal([]byte(wrapped), &ips); err != nil {
			return nil, fmt.Errorf("failed to parse address history for %s: %v", email, err)
		}
		return ips, nil
	}

	var ips []string
	if err := json.Unmarshal(resp.Obj, &ips); err != nil {
		return nil, fmt.Errorf("failed to parse address history for %s: %v", email, err)
	}
	return ips, nil
}

// DisableClient flips the enable flag of the client inside its inbound
// settings and pushes the single updated entry back through updateClient.
func (c *XUIClient) DisableClient(ctx context.Context, email string) error {
	inbounds, err := c.fetchInbounds(ctx)
	if err != nil {
		return err
	}

	for _, inbound := range inbounds {
		var settings panelSettings
		if err := json.Unmarshal([]byte(inbound.Settings), &settings); err != nil {
			continue
		}
		for _, entry := range settings.Clients {
			entryEmail, _ := entry["email"].(string)
			if entryEmail != email {
				continue
			}
			uuid, _ := entry["id"].(string)
			if uuid == "" {
				return fmt.Errorf("client %s has no id in inbound %d settings", email, inbound.ID)
			}

			entry["enable"] = false
			updated, err := json.Marshal(panelSettings{Clients: []map[string]any{entry}})
			if err != nil {
				return fmt.Errorf("failed to encode settings for %s: %v", email, err)
			}

			form := url.Values{}
			form.Set("id", strconv.Itoa(inbound.ID))
			form.Set("settings", string(updated))
			if _, err := c.callAPI(ctx, http.MethodPost, "/panel/api/inbounds/updateClient/"+uuid, form); err != nil {
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("client %s not found on panel", email)
}

// BanClient disables the client on the panel. With dry run enabled the ban
// is only logged.
func (c *XUIClient) BanClient(ctx context.Context, clientID, reason string) error {
	if c.dryRun {
		c.logger.Warnf("Dry run: would disable client %s on panel (%s)", clientID, reason)
		return nil
	}
	if err := c.DisableClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to disable client %s: %v", clientID, err)
	}
	c.logger.Infof("Disabled client %s on panel: %s", clientID, reason)
	return nil
}

func (c *XUIClient) fetchInbounds(ctx context.Context) ([]panelInbound, error) {
	resp, err := c.callAPI(ctx, http.MethodGet, "/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, err
	}
	var inbounds []panelInbound
	if err := json.Unmarshal(resp.Obj, &inbounds); err != nil {
		return nil, fmt.Errorf("failed to parse inbound list: %v", err)
	}
	return inbounds, nil
}

// callAPI runs one authenticated panel call. Expired sessions surface either
// as an HTML login page (a decode failure) or as success=false, so both
// trigger a single relogin and retry.
func (c *XUIClient) callAPI(ctx context.Context, method, path string, form url.Values) (apiResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loggedIn {
		if err := c.login(ctx); err != nil {
			return apiResponse{}, err
		}
	}

	resp, err := c.doRequest(ctx, method, path, form)
	if err == nil && resp.Success {
		return resp, nil
	}

	if loginErr := c.login(ctx); loginErr != nil {
		c.metrics.RecordCollectorError("panel")
		if err != nil {
			return apiResponse{}, err
		}
		return apiResponse{}, fmt.Errorf("panel call %s failed: %s", path, resp.Msg)
	}
	resp, err = c.doRequest(ctx, method, path, form)
	if err != nil {
		c.metrics.RecordCollectorError("panel")
		return apiResponse{}, err
	}
	if !resp.Success {
		c.metrics.RecordCollectorError("panel")
		return apiResponse{}, fmt.Errorf("panel call %s failed: %s", path, resp.Msg)
	}
	return resp, nil
}

// login assumes the caller holds the session lock
func (c *XUIClient) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	c.loggedIn = false
	resp, err := c.doRequest(ctx, http.MethodPost, "/login", form)
	if err != nil {
		return fmt.Errorf("panel login failed: %v", err)
	}
	if !resp.Success {
		return fmt.Errorf("panel rejected login: %s", resp.Msg)
	}
	c.loggedIn = true
	return nil
}

func (c *XUIClient) doRequest(ctx context.Context, method, path string, form url.Values) (apiResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("failed to build panel request: %v", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("panel request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("panel returned status %d for %s", resp.StatusCode, path)
	}
	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return apiResponse{}, fmt.Errorf("failed to decode panel response: %v", err)
	}
	return decoded, nil
}
