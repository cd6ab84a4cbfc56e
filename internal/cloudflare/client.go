package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const recordsPerPage = 100

type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
	TTL     int    `json:"ttl,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// RecordUpdate is the body of a record create or overwrite.
type RecordUpdate struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Comment string `json:"comment"`
}

type ResultInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Count      int `json:"count"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success    bool            `json:"success"`
	Errors     []apiMessage    `json:"errors"`
	Result     json.RawMessage `json:"result"`
	ResultInfo ResultInfo      `json:"result_info"`
}

// Client talks to the zone and dns_records endpoints of the v4 API.
type Client struct {
	baseURL      string
	transport    *Transport
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewClient(baseURL string, transport *Transport, readTimeout, writeTimeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		transport:    transport,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ListZones fetches a single page of zones.
func (c *Client) ListZones(ctx context.Context, page, perPage int) ([]Zone, ResultInfo, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	env, err := c.get(ctx, "list zones", c.baseURL+"/zones", q)
	if err != nil {
		return nil, ResultInfo{}, err
	}
	var zones []Zone
	if err := decodeResult(env, &zones); err != nil {
		return nil, ResultInfo{}, fmt.Errorf("could not decode zones page %d: %w", page, err)
	}
	return zones, env.ResultInfo, nil
}

// ZoneByName looks up a single zone by its exact name.
func (c *Client) ZoneByName(ctx context.Context, name string) (Zone, error) {
	q := url.Values{}
	q.Set("name", name)

	env, err := c.get(ctx, "zone by name", c.baseURL+"/zones", q)
	if err != nil {
		return Zone{}, err
	}
	var zones []Zone
	if err := decodeResult(env, &zones); err != nil {
		return Zone{}, fmt.Errorf("could not decode zone %s: %w", name, err)
	}
	if len(zones) == 0 {
		return Zone{}, fmt.Errorf("%s: %w", name, ErrZoneNotFound)
	}
	return zones[0], nil
}

// ListRecords returns every record of the zone, optionally filtered by type,
// in the order the API returns them.
func (c *Client) ListRecords(ctx context.Context, zoneID, recordType string) ([]Record, error) {
	u := fmt.Sprintf("%s/zones/%s/dns_records", c.baseURL, url.PathEscape(zoneID))
	var all []Record
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("per_page", strconv.Itoa(recordsPerPage))
		q.Set("page", strconv.Itoa(page))
		if recordType != "" {
			q.Set("type", recordType)
		}

		env, err := c.get(ctx, "list records", u, q)
		if err != nil {
			return nil, err
		}
		var records []Record
		if err := decodeResult(env, &records); err != nil {
			return nil, fmt.Errorf("could not decode records of zone %s: %w", zoneID, err)
		}
		all = append(all, records...)

		if len(records) == 0 || page >= env.ResultInfo.TotalPages {
			break
		}
	}
	// never hand out nil so callers can tell "empty" from "failed" by err alone
	if all == nil {
		all = []Record{}
	}
	return all, nil
}

// UpdateRecord overwrites an existing record.
func (c *Client) UpdateRecord(ctx context.Context, zoneID, recordID string, update RecordUpdate) error {
	u := fmt.Sprintf("%s/zones/%s/dns_records/%s", c.baseURL, url.PathEscape(zoneID), url.PathEscape(recordID))
	resp, err := c.transport.Put(ctx, u, update, c.writeTimeout)
	if err != nil {
		return err
	}
	_, err = parseEnvelope("update record", resp.Body)
	return err
}

// CreateRecord adds a new record to the zone and returns it.
func (c *Client) CreateRecord(ctx context.Context, zoneID string, create RecordUpdate) (Record, error) {
	u := fmt.Sprintf("%s/zones/%s/dns_records", c.baseURL, url.PathEscape(zoneID))
	resp, err := c.transport.Post(ctx, u, create, c.writeTimeout)
	if err != nil {
		return Record{}, err
	}
	env, err := parseEnvelope("create record", resp.Body)
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := decodeResult(env, &r); err != nil {
		return Record{}, fmt.Errorf("could not decode created record: %w", err)
	}
	return r, nil
}

func (c *Client) get(ctx context.Context, op, u string, q url.Values) (*envelope, error) {
	resp, err := c.transport.Get(ctx, u, q, c.readTimeout)
	if err != nil {
		return nil, err
	}
	return parseEnvelope(op, resp.Body)
}

func parseEnvelope(op string, body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: invalid response body: %w", op, err)
	}
	if !env.Success {
		apiErr := &APIError{Op: op}
		for _, m := range env.Errors {
			apiErr.Messages = append(apiErr.Messages, fmt.Sprintf("%d: %s", m.Code, m.Message))
		}
		return nil, apiErr
	}
	return &env, nil
}

func decodeResult(env *envelope, v any) error {
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	return json.Unmarshal(env.Result, v)
}
