// Package crm writes listings to a Zoho CRM module.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"aqar_pipeline/config"
	"aqar_pipeline/models"
)

// API names of the bookkeeping fields that do not come from models.Field.
const (
	FieldMessageID        = "Telegram_Message_ID"
	FieldNotionPropertyID = "Notion_Property_ID"
	FieldNotionOwnerID    = "Notion_Owner_ID"
	FieldStatus           = "Status"
)

// FieldMap maps every record field to its Zoho API name.
var FieldMap = map[models.Field]string{
	models.FieldStatement:     "Name",
	models.FieldRegion:        "Region",
	models.FieldUnitCode:      "Unit_Code",
	models.FieldUnitType:      "Unit_Type",
	models.FieldUnitCondition: "Unit_Condition",
	models.FieldArea:          "Area",
	models.FieldFloor:         "Floor",
	models.FieldPrice:         "Price",
	models.FieldFeatures:      "Features",
	models.FieldAddress:       "Address",
	models.FieldEmployeeName:  "Employee_Name",
	models.FieldOwnerName:     "Owner_Name",
	models.FieldOwnerPhone:    "Owner_Phone",
	models.FieldAvailability:  "Availability",
	models.FieldPhotosStatus:  "Photos_Status",
	models.FieldFullDetails:   "Full_Details",
}

// mergeFields are joined with " | " when a second listing of the same owner arrives.
var mergeFields = []models.Field{models.FieldFullDetails, models.FieldFeatures, models.FieldAddress}

// ValidateFieldMap checks the map covers every field exactly once.
func ValidateFieldMap() error {
	seen := make(map[string]models.Field, len(FieldMap))
	for _, f := range models.AllFields {
		name, ok := FieldMap[f]
		if !ok || name == "" {
			return fmt.Errorf("crm field map: no API name for %q", f)
		}
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("crm field map: %q used by %q and %q", name, prev, f)
		}
		seen[name] = f
	}
	for _, name := range []string{FieldMessageID, FieldNotionPropertyID, FieldNotionOwnerID, FieldStatus} {
		if f, dup := seen[name]; dup {
			return fmt.Errorf("crm field map: %q clashes with %q", name, f)
		}
	}
	return nil
}

// APIName returns the Zoho field for a record field.
func APIName(f models.Field) (string, bool) {
	name, ok := FieldMap[f]
	return name, ok
}

var ErrUnauthorized = errors.New("zoho: unauthorized")

type Client struct {
	cfg        config.ZohoConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
}

func New(cfg config.ZohoConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:         cfg,
		httpClient:  httpClient,
		logger:      logger.With("component", "crm"),
		accessToken: cfg.AccessToken,
	}
}

func (c *Client) Enabled() bool { return c.cfg.Enabled() }

func (c *Client) baseURL() string {
	return strings.TrimRight(c.cfg.APIURL, "/") + "/crm/v2/" + c.cfg.ModuleName
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// RefreshToken exchanges the refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context) error {
	if c.cfg.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token configured", ErrUnauthorized)
	}
	form := url.Values{
		"refresh_token": {c.cfg.RefreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
	}
	endpoint := strings.TrimRight(c.cfg.AccountsURL, "/") + "/oauth/v2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || out.AccessToken == "" {
		return fmt.Errorf("%w: token refresh returned %d %s", ErrUnauthorized, resp.StatusCode, out.Error)
	}

	c.mu.Lock()
	c.accessToken = out.AccessToken
	c.mu.Unlock()
	c.logger.Info("refreshed access token")
	return nil
}

type recordResponse struct {
	Data []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details struct {
			ID string `json:"id"`
		} `json:"details"`
	} `json:"data"`
}

// CreateRecord inserts one record and returns its id.
func (c *Client) CreateRecord(ctx context.Context, data map[string]interface{}) (string, error) {
	var out recordResponse
	status, err := c.do(ctx, http.MethodPost, "", nil, map[string]interface{}{
		"data": []map[string]interface{}{data},
	}, &out)
	if err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("create record: unexpected status %d", status)
	}
	if len(out.Data) == 0 || out.Data[0].Details.ID == "" {
		return "", fmt.Errorf("create record: response without id")
	}
	if d := out.Data[0]; d.Status == "error" {
		return "", fmt.Errorf("create record: %s %s", d.Code, d.Message)
	}
	return out.Data[0].Details.ID, nil
}

// SearchRecord returns the first record whose field equals value, nil when
// nothing matches.
func (c *Client) SearchRecord(ctx context.Context, field, value string) (map[string]interface{}, error) {
	var out struct {
		Data []map[string]interface{} `json:"data"`
	}
	query := url.Values{"criteria": {fmt.Sprintf("(%s:equals:%s)", field, value)}}
	status, err := c.do(ctx, http.MethodGet, "/search", query, nil, &out)
	if err != nil {
		return nil, fmt.Errorf("search record: %w", err)
	}
	if status == http.StatusNoContent || len(out.Data) == 0 {
		return nil, nil
	}
	return out.Data[0], nil
}

func (c *Client) UpdateRecord(ctx context.Context, id string, data map[string]interface{}) error {
	var out recordResponse
	if _, err := c.do(ctx, http.MethodPut, "/"+id, nil, map[string]interface{}{
		"data": []map[string]interface{}{data},
	}, &out); err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	if len(out.Data) > 0 && out.Data[0].Status == "error" {
		return fmt.Errorf("update record %s: %s %s", id, out.Data[0].Code, out.Data[0].Message)
	}
	return nil
}

// MergeRecord folds rec into an existing CRM record and returns its id.
func (c *Client) MergeRecord(ctx context.Context, existing map[string]interface{}, rec *models.PropertyRecord) (string, error) {
	id, _ := existing["id"].(string)
	if id == "" {
		return "", fmt.Errorf("merge record: existing record has no id")
	}
	if err := c.UpdateRecord(ctx, id, Merge(existing, rec)); err != nil {
		return "", err
	}
	return id, nil
}

// BuildRecord converts a record into a Zoho payload.
func BuildRecord(rec *models.PropertyRecord) map[string]interface{} {
	data := make(map[string]interface{}, len(FieldMap)+4)
	for f, name := range FieldMap {
		v := rec.Get(f)
		if v == "" {
			continue
		}
		if f == models.FieldArea || f == models.FieldPrice {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				data[name] = n
				continue
			}
		}
		data[name] = v
	}
	if rec.SourceMessageID != 0 {
		data[FieldMessageID] = strconv.FormatInt(rec.SourceMessageID, 10)
	}
	if rec.NotionPropertyID != "" {
		data[FieldNotionPropertyID] = rec.NotionPropertyID
	}
	if rec.NotionOwnerID != "" {
		data[FieldNotionOwnerID] = rec.NotionOwnerID
	}
	status := []string{string(models.StatusSuccessful)}
	if rec.NotionPropertyID != "" {
		status = append(status, "Notion_Synced")
	}
	if rec.SourceMessageID != 0 {
		status = append(status, "Telegram_Processed")
	}
	data[FieldStatus] = status
	return data
}

// Merge returns the update payload for adding rec to an existing record.
// Text fields are joined with " | " when the new value differs; the unit code
// is appended with ", " unless already present.
func Merge(existing map[string]interface{}, rec *models.PropertyRecord) map[string]interface{} {
	update := map[string]interface{}{}
	for _, f := range mergeFields {
		name := FieldMap[f]
		incoming := rec.Get(f)
		if incoming == "" || incoming == models.Unspecified {
			continue
		}
		current, _ := existing[name].(string)
		switch {
		case current == "":
			update[name] = incoming
		case incoming != current && !strings.Contains(current, incoming):
			update[name] = current + " | " + incoming
		}
	}

	if code := rec.UnitCode; code != "" {
		name := FieldMap[models.FieldUnitCode]
		current, _ := existing[name].(string)
		switch {
		case current == "":
			update[name] = code
		case !strings.Contains(current, code):
			update[name] = current + ", " + code
		}
	}
	return update
}

// do sends a JSON request, refreshing the access token once on 401.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out interface{}) (int, error) {
	status, err := c.send(ctx, method, path, query, payload, out)
	if !errors.Is(err, ErrUnauthorized) {
		return status, err
	}
	if rerr := c.RefreshToken(ctx); rerr != nil {
		return status, rerr
	}
	return c.send(ctx, method, path, query, payload, out)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload, out interface{}) (int, error) {
	endpoint := c.baseURL() + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+c.token())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, ErrUnauthorized
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("zoho API %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
