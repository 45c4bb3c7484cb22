package softone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/time/rate"
)

const defaultServicePath = "/s1services"

// Client talks to the SoftOne web services. It is safe for concurrent use by
// several integrations since every call carries its own Token.
type Client struct {
	http        *http.Client
	limiter     *rate.Limiter
	servicePath string
}

// NewClient builds a client from env:
// - SOFTONE_RATE_PER_SEC (default 5)
// - SOFTONE_TIMEOUT_SECONDS (default 60)
// - SOFTONE_SERVICE_PATH (default /s1services)
func NewClient() *Client {
	perSec := 5.0
	if v := strings.TrimSpace(os.Getenv("SOFTONE_RATE_PER_SEC")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			perSec = n
		}
	}
	timeout := 60 * time.Second
	if v := strings.TrimSpace(os.Getenv("SOFTONE_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}
	c := NewClientWith(&http.Client{Timeout: timeout}, perSec)
	if p := strings.TrimSpace(os.Getenv("SOFTONE_SERVICE_PATH")); p != "" {
		c.servicePath = p
	}
	return c
}

func NewClientWith(httpClient *http.Client, perSecond float64) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Client{
		http:        httpClient,
		limiter:     rate.NewLimiter(limit, 1),
		servicePath: defaultServicePath,
	}
}

// Authenticate runs login followed by authenticate and returns the session token.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")
	if baseURL == "" {
		return Token{}, &Error{Kind: KindAuth, Service: "login", Message: "base url is empty"}
	}
	if strings.TrimSpace(creds.Username) == "" {
		return Token{}, &Error{Kind: KindAuth, Service: "login", Message: "username is empty"}
	}

	login, err := c.call(ctx, baseURL, "login", map[string]any{
		"username": creds.Username,
		"password": creds.Password,
		"appId":    creds.AppId,
	})
	if err != nil {
		return Token{}, asAuth(err)
	}
	if login.ClientID == "" {
		return Token{}, &Error{Kind: KindAuth, Service: "login", Message: "no clientID in response"}
	}

	company, branch, module, refID := creds.Company, creds.Branch, creds.Module, creds.RefId
	if len(login.Objs) > 0 {
		obj := login.Objs[0]
		company = firstNonEmpty(company, stringOf(obj["COMPANY"]))
		branch = firstNonEmpty(branch, stringOf(obj["BRANCH"]))
		module = firstNonEmpty(module, stringOf(obj["MODULE"]))
		refID = firstNonEmpty(refID, stringOf(obj["REFID"]))
	}

	auth, err := c.call(ctx, baseURL, "authenticate", map[string]any{
		"clientID": login.ClientID,
		"COMPANY":  company,
		"BRANCH":   branch,
		"MODULE":   module,
		"REFID":    refID,
	})
	if err != nil {
		return Token{}, asAuth(err)
	}
	if auth.ClientID == "" {
		return Token{}, &Error{Kind: KindAuth, Service: "authenticate", Message: "no clientID in response"}
	}
	return Token{ClientID: auth.ClientID, BaseURL: baseURL, AppId: creds.AppId}, nil
}

// FetchPage opens a browser on the table and reads Limit rows starting at Offset.
func (c *Client) FetchPage(ctx context.Context, tok Token, req PageRequest) (Page, error) {
	if !tok.Valid() {
		return Page{}, &Error{Kind: KindAuth, Service: "getBrowserInfo", Message: "missing session"}
	}
	if strings.TrimSpace(req.Table) == "" {
		return Page{}, &Error{Kind: KindBusiness, Service: "getBrowserInfo", Message: "table is empty"}
	}

	infoReq := map[string]any{
		"clientID": tok.ClientID,
		"appId":    tok.AppId,
		"OBJECT":   req.Table,
		"LIST":     req.List,
		"FILTERS":  req.Filter,
	}
	if len(req.Fields) > 0 {
		infoReq["FIELDS"] = strings.Join(req.Fields, ",")
	}
	info, err := c.call(ctx, tok.BaseURL, "getBrowserInfo", infoReq)
	if err != nil {
		return Page{}, err
	}

	page := Page{Columns: info.Fields, TotalCount: atoiNumber(info.TotalCount)}
	if page.TotalCount == 0 || req.Offset >= page.TotalCount {
		return page, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = page.TotalCount
	}

	data, err := c.call(ctx, tok.BaseURL, "getBrowserData", map[string]any{
		"clientID": tok.ClientID,
		"appId":    tok.AppId,
		"reqID":    info.ReqID,
		"START":    req.Offset,
		"LIMIT":    limit,
	})
	if err != nil {
		return Page{}, err
	}
	rows, err := decodeRows(data.Rows)
	if err != nil {
		return Page{}, &Error{Kind: KindTransient, Service: "getBrowserData", Message: "malformed rows", Err: err}
	}
	page.Rows = rows
	if n := atoiNumber(data.TotalCount); n > 0 {
		page.TotalCount = n
	}
	return page, nil
}

// PushRow writes one record with setData and returns the ERP id. An empty key creates a new record.
func (c *Client) PushRow(ctx context.Context, tok Token, table string, key string, payload map[string]any) (string, error) {
	if !tok.Valid() {
		return "", &Error{Kind: KindAuth, Service: "setData", Message: "missing session"}
	}
	body := map[string]any{
		"clientID": tok.ClientID,
		"appId":    tok.AppId,
		"OBJECT":   table,
		"data":     map[string]any{table: []map[string]any{payload}},
	}
	if strings.TrimSpace(key) != "" {
		body["KEY"] = key
	}
	resp, err := c.call(ctx, tok.BaseURL, "setData", body)
	if err != nil {
		return "", err
	}
	id := strings.Trim(strings.TrimSpace(string(resp.ID)), `"`)
	if id == "" || id == "null" {
		id = key
	}
	return id, nil
}

func (c *Client) call(ctx context.Context, baseURL string, service string, body map[string]any) (envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return envelope{}, &Error{Kind: KindTransient, Service: service, Err: err}
	}

	body["service"] = service
	payload, err := json.Marshal(body)
	if err != nil {
		return envelope{}, &Error{Kind: KindBusiness, Service: service, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+c.servicePath, bytes.NewReader(payload))
	if err != nil {
		return envelope{}, &Error{Kind: KindBusiness, Service: service, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, &Error{Kind: KindTransient, Service: service, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, &Error{Kind: KindTransient, Service: service, Err: err}
	}
	raw = decodeBody(raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return envelope{}, &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Service: service,
			Status:  resp.StatusCode,
			Message: truncate(strings.TrimSpace(string(raw)), 300),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, &Error{Kind: KindTransient, Service: service, Message: "invalid json response", Err: err}
	}
	if !env.Success {
		code := atoiNumber(env.ErrorCode)
		msg := strings.TrimSpace(env.Error)
		if msg == "" {
			msg = "request failed"
		}
		return envelope{}, &Error{Kind: kindForCode(code), Service: service, Code: code, Message: msg}
	}
	return env, nil
}

// decodeBody converts a windows-1253 (Greek) response to UTF-8 when it is not valid UTF-8 already.
func decodeBody(raw []byte) []byte {
	if utf8.Valid(raw) {
		return raw
	}
	out, err := charmap.Windows1253.NewDecoder().Bytes(raw)
	if err != nil {
		return raw
	}
	return out
}

func decodeRows(raw json.RawMessage) ([]Row, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case []any:
			rows = append(rows, Row{Values: v})
		case map[string]any:
			rows = append(rows, Row{Fields: v})
		default:
			return nil, fmt.Errorf("row %d: unexpected %T", i, item)
		}
	}
	return rows, nil
}

func asAuth(err error) error {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindBusiness {
		se.Kind = KindAuth
	}
	return err
}

func atoiNumber(n json.Number) int {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return 0
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
