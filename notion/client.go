// Package notion is the knowledge-base collaborator: an owners database keyed
// by phone and a properties database linked to it.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
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

const (
	apiBaseURL    = "https://api.notion.com/v1"
	apiVersion    = "2022-06-28"
	minRequestGap = 350 * time.Millisecond // ~3 req/sec
	maxTextLen    = 2000
)

// Owners database properties.
const (
	OwnerName       = "اسم المالك"
	OwnerPhone      = "رقم الهاتف"
	OwnerCount      = "عدد العقارات"
	OwnerRegistered = "تاريخ التسجيل"
)

// Properties database properties not covered by models.Field.
const (
	PropSignature = "بصمة التكرار"
	PropCreated   = "تاريخ الإنشاء"
	PropOwner     = "المالك"
)

type propertyKind int

const (
	kindTitle propertyKind = iota
	kindSelect
	kindRichText
	kindNumber
	kindPhone
)

// propertyKinds maps record fields to their Notion property type. Fields not
// listed here live only in the page body or the CRM.
var propertyKinds = map[models.Field]propertyKind{
	models.FieldStatement:     kindTitle,
	models.FieldRegion:        kindSelect,
	models.FieldUnitCode:      kindRichText,
	models.FieldUnitType:      kindSelect,
	models.FieldUnitCondition: kindSelect,
	models.FieldArea:          kindNumber,
	models.FieldFloor:         kindRichText,
	models.FieldPrice:         kindNumber,
	models.FieldFeatures:      kindRichText,
	models.FieldAddress:       kindRichText,
	models.FieldEmployeeName:  kindRichText,
	models.FieldOwnerPhone:    kindPhone,
	models.FieldAvailability:  kindSelect,
	models.FieldPhotosStatus:  kindSelect,
}

type Options struct {
	BaseURL       string
	MinRequestGap time.Duration
	Now           func() time.Time
}

type Client struct {
	secret       string
	propertiesDB string
	ownersDB     string
	baseURL      string
	httpClient   *http.Client
	minGap       time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	lastReq time.Time
}

func New(cfg config.NotionConfig, httpClient *http.Client, opts Options, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = apiBaseURL
	}
	if opts.MinRequestGap == 0 {
		opts.MinRequestGap = minRequestGap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		secret:       cfg.Secret,
		propertiesDB: cfg.PropertiesDB,
		ownersDB:     cfg.OwnersDB,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		httpClient:   httpClient,
		minGap:       opts.MinRequestGap,
		now:          opts.Now,
		logger:       logger.With("component", "notion"),
	}
}

// PageURL is the browser link for a page id.
func PageURL(pageID string) string {
	return "https://www.notion.so/" + strings.ReplaceAll(pageID, "-", "")
}

type page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type queryResponse struct {
	Results    []page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// SearchOwner returns the owner page id for phone, or "" when none exists.
func (c *Client) SearchOwner(ctx context.Context, phone string) (string, error) {
	return c.findOne(ctx, c.ownersDB, map[string]interface{}{
		"property":     OwnerPhone,
		"phone_number": map[string]string{"equals": phone},
	})
}

func (c *Client) CreateOwner(ctx context.Context, name, phone string) (string, error) {
	if name == "" || name == models.Unspecified {
		name = "مالك جديد"
	}
	props := map[string]interface{}{
		OwnerName:       titleValue(name),
		OwnerPhone:      map[string]interface{}{"phone_number": phone},
		OwnerCount:      map[string]interface{}{"number": 0},
		OwnerRegistered: dateValue(c.now()),
	}
	var out page
	if err := c.doJSON(ctx, http.MethodPost, "/pages", nil, map[string]interface{}{
		"parent":     map[string]string{"database_id": c.ownersDB},
		"properties": props,
	}, &out); err != nil {
		return "", fmt.Errorf("create owner: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create owner: response without page id")
	}
	c.logger.Info("created owner", "owner_id", out.ID)
	return out.ID, nil
}

// CreateProperty writes the record as a page linked to ownerID and appends
// the full details as page content.
func (c *Client) CreateProperty(ctx context.Context, rec *models.PropertyRecord, ownerID string) (string, error) {
	props := propertyValues(rec)
	props[PropSignature] = richTextValue(rec.DuplicateSignature)
	props[PropCreated] = dateValue(c.now())
	if ownerID != "" {
		props[PropOwner] = map[string]interface{}{
			"relation": []map[string]string{{"id": ownerID}},
		}
	}

	var out page
	if err := c.doJSON(ctx, http.MethodPost, "/pages", nil, map[string]interface{}{
		"parent":     map[string]string{"database_id": c.propertiesDB},
		"properties": props,
	}, &out); err != nil {
		return "", fmt.Errorf("create property: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create property: response without page id")
	}

	if err := c.AppendDetails(ctx, out.ID, rec.FullDetails); err != nil {
		c.logger.Warn("append details failed", "page_id", out.ID, "error", err)
	}
	c.logger.Info("created property", "page_id", out.ID, "unit_code", rec.UnitCode)
	return out.ID, nil
}

// FindBySignature returns the property page carrying signature, or "".
func (c *Client) FindBySignature(ctx context.Context, signature string) (string, error) {
	return c.findOne(ctx, c.propertiesDB, map[string]interface{}{
		"property":  PropSignature,
		"rich_text": map[string]string{"equals": signature},
	})
}

// FindByOwnerPhone returns any property page for phone, or "".
func (c *Client) FindByOwnerPhone(ctx context.Context, phone string) (string, error) {
	return c.findOne(ctx, c.propertiesDB, map[string]interface{}{
		"property":     string(models.FieldOwnerPhone),
		"phone_number": map[string]string{"equals": phone},
	})
}

// CountOwnerProperties counts property pages related to ownerID.
func (c *Client) CountOwnerProperties(ctx context.Context, ownerID string) (int, error) {
	filter := map[string]interface{}{
		"property": PropOwner,
		"relation": map[string]string{"contains": ownerID},
	}
	count := 0
	cursor := ""
	for {
		payload := map[string]interface{}{"filter": filter, "page_size": 100}
		if cursor != "" {
			payload["start_cursor"] = cursor
		}
		var resp queryResponse
		if err := c.doJSON(ctx, http.MethodPost, "/databases/"+c.propertiesDB+"/query", nil, payload, &resp); err != nil {
			return 0, fmt.Errorf("count owner properties: %w", err)
		}
		count += len(resp.Results)
		if !resp.HasMore || resp.NextCursor == "" {
			return count, nil
		}
		cursor = resp.NextCursor
	}
}

// UpdateOwnerCount recounts the owner's properties and stores the result.
func (c *Client) UpdateOwnerCount(ctx context.Context, ownerID string) (int, error) {
	n, err := c.CountOwnerProperties(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if err := c.doJSON(ctx, http.MethodPatch, "/pages/"+ownerID, nil, map[string]interface{}{
		"properties": map[string]interface{}{
			OwnerCount: map[string]interface{}{"number": n},
		},
	}, nil); err != nil {
		return 0, fmt.Errorf("update owner count: %w", err)
	}
	return n, nil
}

// AppendDetails adds a heading and the full listing text to a page.
func (c *Client) AppendDetails(ctx context.Context, pageID, details string) error {
	if details == "" || details == models.Unspecified {
		details = "لا توجد تفاصيل متاحة"
	}
	blocks := []map[string]interface{}{
		{
			"object": "block",
			"type":   "heading_2",
			"heading_2": map[string]interface{}{
				"rich_text": textRuns("تفاصيل العقار"),
			},
		},
		{
			"object": "block",
			"type":   "paragraph",
			"paragraph": map[string]interface{}{
				"rich_text": textRuns(details),
			},
		},
	}
	return c.doJSON(ctx, http.MethodPatch, "/blocks/"+pageID+"/children", nil,
		map[string]interface{}{"children": blocks}, nil)
}

// Ping checks the credentials against the properties database.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/databases/"+c.propertiesDB, nil, nil, nil)
}

func (c *Client) findOne(ctx context.Context, dbID string, filter map[string]interface{}) (string, error) {
	var resp queryResponse
	if err := c.doJSON(ctx, http.MethodPost, "/databases/"+dbID+"/query", nil, map[string]interface{}{
		"filter":    filter,
		"page_size": 1,
	}, &resp); err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "", nil
	}
	return resp.Results[0].ID, nil
}

func propertyValues(rec *models.PropertyRecord) map[string]interface{} {
	props := make(map[string]interface{}, len(propertyKinds)+3)
	for field, kind := range propertyKinds {
		v := strings.TrimSpace(rec.Get(field))
		switch kind {
		case kindTitle:
			if v == "" {
				v = "عقار جديد"
			}
			props[string(field)] = titleValue(v)
		case kindSelect:
			if v == "" {
				continue
			}
			props[string(field)] = map[string]interface{}{
				"select": map[string]string{"name": strings.ReplaceAll(v, ",", "،")},
			}
		case kindRichText:
			props[string(field)] = richTextValue(v)
		case kindNumber:
			props[string(field)] = map[string]interface{}{"number": numberValue(v)}
		case kindPhone:
			if v == "" || v == models.Unspecified {
				continue
			}
			props[string(field)] = map[string]interface{}{"phone_number": v}
		}
	}
	return props
}

func numberValue(v string) interface{} {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return n
}

func titleValue(s string) map[string]interface{} {
	return map[string]interface{}{"title": textRuns(s)}
}

func richTextValue(s string) map[string]interface{} {
	return map[string]interface{}{"rich_text": textRuns(s)}
}

func dateValue(t time.Time) map[string]interface{} {
	return map[string]interface{}{"date": map[string]string{"start": t.Format(time.RFC3339)}}
}

func textRuns(s string) []map[string]interface{} {
	if s == "" {
		return []map[string]interface{}{}
	}
	if r := []rune(s); len(r) > maxTextLen {
		s = string(r[:maxTextLen])
	}
	return []map[string]interface{}{
		{"type": "text", "text": map[string]string{"content": s}},
	}
}

func (c *Client) throttle() {
	if c.minGap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastReq.IsZero() {
		if delta := now.Sub(c.lastReq); delta < c.minGap {
			time.Sleep(c.minGap - delta)
		}
	}
	c.lastReq = time.Now()
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload interface{}, out interface{}) error {
	c.throttle()

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Notion-Version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("notion API %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
