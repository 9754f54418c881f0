package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultRESTRate = 10 // requests per second

// RESTConnector extracts from a paginated JSON API. Supported pagination
// styles: none, offset, page, cursor, and RFC 5988 Link headers.
type RESTConnector struct {
	Base
	http *httpClient
}

// NewRESTConnector validates the endpoint configuration eagerly.
func NewRESTConnector(id, name string, config map[string]any, batchSize int) (*RESTConnector, error) {
	c := &RESTConnector{Base: NewBase(id, name, config, batchSize)}
	base := c.configString("base_url", "")
	if base == "" {
		return nil, &ConfigurationError{Field: "base_url", Reason: "required"}
	}
	if _, err := url.Parse(base); err != nil {
		return nil, &ConfigurationError{Field: "base_url", Reason: err.Error()}
	}
	return c, nil
}

// Connect builds the HTTP client, acquiring OAuth tokens if configured.
func (c *RESTConnector) Connect(ctx context.Context) error {
	if c.isConnected() {
		return nil
	}
	h, err := newHTTPClient(&c.Base, defaultRESTRate)
	if err != nil {
		return err
	}
	c.http = h
	c.setConnected(true)
	return nil
}

func (c *RESTConnector) Disconnect(ctx context.Context) error {
	c.http = nil
	c.setConnected(false)
	return nil
}

func (c *RESTConnector) endpointURL() string {
	base := strings.TrimRight(c.configString("base_url", ""), "/")
	endpoint := c.configString("endpoint", "")
	if endpoint == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

// TestConnection issues one request against the endpoint and discards the
// payload.
func (c *RESTConnector) TestConnection(ctx context.Context) (*TestResult, error) {
	start := time.Now()
	h, err := newHTTPClient(&c.Base, defaultRESTRate)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}, nil
	}
	resp, err := h.get(ctx, c.endpointURL())
	if err != nil {
		return &TestResult{
			Success:   false,
			Message:   RedactSecrets(err.Error()),
			LatencyMS: time.Since(start).Milliseconds(),
		}, nil
	}
	drain(resp)
	return &TestResult{
		Success:   true,
		Message:   "endpoint reachable",
		LatencyMS: time.Since(start).Milliseconds(),
		Details:   map[string]any{"status": resp.StatusCode},
	}, nil
}

// DiscoverSchema fetches one page and reports the fields of up to 3 records.
func (c *RESTConnector) DiscoverSchema(ctx context.Context) (*SchemaDiscovery, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: err}
	}
	page, _, err := c.fetchPage(ctx, c.firstPageURL(ModeFull, ""))
	if err != nil {
		return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: err}
	}
	if len(page) > 3 {
		page = page[:3]
	}

	ts := TableSchema{Name: c.configString("endpoint", "root"), SampleData: page}
	if len(page) > 0 {
		for field, v := range page[0] {
			ts.Columns = append(ts.Columns, ColumnSchema{Name: field, Type: jsonTypeName(v)})
		}
	}
	return &SchemaDiscovery{Tables: []TableSchema{ts}}, nil
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

// Extract walks pages lazily; each page becomes one batch.
func (c *RESTConnector) Extract(ctx context.Context, mode SyncMode, watermark string) (BatchStream, error) {
	if !c.isConnected() || c.http == nil {
		return nil, &ConnectionError{ConnectorID: c.ID(), Err: errors.New("not connected")}
	}
	return &restBatchStream{
		conn:    c,
		nextURL: c.firstPageURL(mode, watermark),
	}, nil
}

// firstPageURL assembles the initial request: static query params, page size,
// and the watermark filter in incremental mode.
func (c *RESTConnector) firstPageURL(mode SyncMode, watermark string) string {
	q := url.Values{}
	for k, v := range c.configMap("query_params") {
		q.Set(k, fmt.Sprint(v))
	}

	pageSize := c.configInt("page_size", 100)
	switch c.configFirst("none", "pagination", "pagination_type") {
	case "offset":
		q.Set(c.configFirst("limit", "page_size_param", "limit_param"), strconv.Itoa(pageSize))
		q.Set(c.configString("offset_param", "offset"), "0")
	case "page":
		q.Set(c.configFirst("per_page", "page_size_param", "limit_param"), strconv.Itoa(pageSize))
		q.Set(c.configString("page_param", "page"), "1")
	case "cursor":
		if p := c.configFirst("", "page_size_param", "limit_param"); p != "" {
			q.Set(p, strconv.Itoa(pageSize))
		}
	}

	if mode == ModeIncremental && watermark != "" {
		if param := c.configString("watermark_param", ""); param != "" {
			q.Set(param, watermark)
		}
	}

	u := c.endpointURL()
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// fetchPage GETs one page, extracts the record array via data_path, and
// returns records plus the raw envelope for cursor extraction.
func (c *RESTConnector) fetchPage(ctx context.Context, pageURL string) ([]Record, *pageEnvelope, error) {
	resp, err := c.http.get(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, &ExtractionError{ConnectorID: c.ID(), Err: fmt.Errorf("decode response: %w", err)}
	}

	env := &pageEnvelope{payload: payload, linkHeader: resp.Header.Get("Link")}

	data := payload
	if path := c.configString("data_path", ""); path != "" {
		data = lookupPath(payload, path)
	}

	switch arr := data.(type) {
	case []any:
		records := make([]Record, 0, len(arr))
		for _, item := range arr {
			if rec, ok := item.(map[string]any); ok {
				records = append(records, rec)
			}
		}
		return records, env, nil
	case map[string]any:
		// A single-object response is one record.
		return []Record{arr}, env, nil
	case nil:
		return nil, env, nil
	default:
		return nil, nil, &ExtractionError{ConnectorID: c.ID(), Err: errors.New("response data is not an array or object")}
	}
}

type pageEnvelope struct {
	payload    any
	linkHeader string
}

// lookupPath resolves a dot path ("data.items") into a JSON document.
func lookupPath(doc any, path string) any {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// restBatchStream walks the pagination chain, one page per batch.
type restBatchStream struct {
	conn    *RESTConnector
	nextURL string

	offset  int
	page    int
	current *Batch
	number  int
	err     error
	done    bool
}

func (s *restBatchStream) Next(ctx context.Context) bool {
	if s.done || s.err != nil || s.nextURL == "" {
		return false
	}
	records, env, err := s.conn.fetchPage(ctx, s.nextURL)
	if err != nil {
		s.err = err
		return false
	}
	if len(records) == 0 {
		s.done = true
		return false
	}

	s.number++
	batch := &Batch{Records: records, Number: s.number}
	if wm := s.highWatermark(records); wm != "" {
		batch.Watermark = wm
		s.conn.setWatermark(wm)
	}
	s.current = batch

	s.nextURL = s.advance(records, env)
	if s.nextURL == "" {
		s.done = true
	}
	return true
}

// highWatermark scans a page for the maximum value of the watermark field.
// API pages carry no ordering guarantee, so the whole page is scanned.
func (s *restBatchStream) highWatermark(records []Record) string {
	field := s.conn.configString("watermark_field", "")
	if field == "" {
		field = s.conn.configString("watermark_param", "")
	}
	if field == "" {
		return ""
	}
	var max string
	for _, rec := range records {
		if v, ok := rec[field]; ok && v != nil {
			str := fmt.Sprint(v)
			if str > max {
				max = str
			}
		}
	}
	return max
}

// advance computes the next page URL per the pagination style, or "" at end.
func (s *restBatchStream) advance(records []Record, env *pageEnvelope) string {
	c := s.conn
	pageSize := c.configInt("page_size", 100)

	switch c.configFirst("none", "pagination", "pagination_type") {
	case "offset":
		if len(records) < pageSize {
			return ""
		}
		s.offset += len(records)
		return setQueryParam(s.nextURL, c.configString("offset_param", "offset"), strconv.Itoa(s.offset))
	case "page":
		if len(records) < pageSize {
			return ""
		}
		if s.page == 0 {
			s.page = 1
		}
		s.page++
		return setQueryParam(s.nextURL, c.configString("page_param", "page"), strconv.Itoa(s.page))
	case "cursor":
		cursor := lookupPath(env.payload, c.configString("cursor_path", "next_cursor"))
		if cursor == nil {
			return ""
		}
		str := fmt.Sprint(cursor)
		if str == "" {
			return ""
		}
		return setQueryParam(s.nextURL, c.configString("cursor_param", "cursor"), str)
	case "link_header":
		return parseLinkNext(env.linkHeader, c.configString("base_url", ""))
	default:
		return ""
	}
}

func setQueryParam(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// parseLinkNext extracts the rel="next" target from an RFC 5988 Link header,
// resolving relative URLs against the configured base.
func parseLinkNext(header, base string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(strings.TrimSpace(part), ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		for _, attr := range segments[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` || attr == "rel=next" {
				if strings.HasPrefix(target, "/") {
					return strings.TrimRight(base, "/") + target
				}
				return target
			}
		}
	}
	return ""
}

func (s *restBatchStream) Batch() *Batch { return s.current }
func (s *restBatchStream) Err() error    { return s.err }
func (s *restBatchStream) Close() error  { return nil }
