// Package omero is a minimal client for the OMERO.web JSON API: session
// login, paginated dataset/image listing, and an exists-by-name query. It
// covers only what the reconciler's sweep and the filename export need.
package omero

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultPageSize = 200

// Dataset is one OMERO dataset (a flat container of images).
type Dataset struct {
	ID   int64  `json:"@id"`
	Name string `json:"Name"`
}

// Image is one imported image as the web API reports it.
type Image struct {
	ID   int64  `json:"@id"`
	Name string `json:"Name"`
}

type pagedResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		TotalCount int `json:"totalCount"`
		Limit      int `json:"limit"`
		Offset     int `json:"offset"`
	} `json:"meta"`
}

type Client struct {
	base     *url.URL
	hc       *http.Client
	pageSize int
	logger   *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse OMERO web URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:     u,
		hc:       &http.Client{Timeout: timeout, Jar: jar},
		pageSize: defaultPageSize,
		logger:   logger,
	}, nil
}

// Login establishes a web session: fetch a CSRF token, then post the
// credentials. The session cookie lives in the client's jar afterwards.
func (c *Client) Login(ctx context.Context, username, password string) error {
	tokenURL := c.base.JoinPath("api", "v0", "token").String()
	var tok struct {
		Data string `json:"data"`
	}
	if err := c.getJSON(ctx, tokenURL, &tok); err != nil {
		return fmt.Errorf("csrf token: %w", err)
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("server", "1")

	loginURL := c.base.JoinPath("api", "v0", "login").String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRFToken", tok.Data)
	req.Header.Set("Referer", c.base.String())

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("login: unexpected status %d: %s", resp.StatusCode, body)
	}
	c.logger.Debug("omero: web session established", "user", username)
	return nil
}

// ListDatasets returns every dataset visible to the session, walking the
// pages sequentially.
func (c *Client) ListDatasets(ctx context.Context) ([]Dataset, error) {
	var out []Dataset
	err := c.paginate(ctx, c.base.JoinPath("api", "v0", "m", "datasets").String(), nil, func(raw json.RawMessage) error {
		var d Dataset
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// ListImages returns every image in the given dataset.
func (c *Client) ListImages(ctx context.Context, datasetID int64) ([]Image, error) {
	q := url.Values{}
	q.Set("dataset", strconv.FormatInt(datasetID, 10))

	var out []Image
	err := c.paginate(ctx, c.base.JoinPath("api", "v0", "m", "images").String(), q, func(raw json.RawMessage) error {
		var img Image
		if err := json.Unmarshal(raw, &img); err != nil {
			return err
		}
		out = append(out, img)
		return nil
	})
	return out, err
}

// ImageExists reports whether any image carries the exact name.
func (c *Client) ImageExists(ctx context.Context, name string) (bool, error) {
	q := url.Values{}
	q.Set("name", name)

	found := false
	err := c.paginate(ctx, c.base.JoinPath("api", "v0", "m", "images").String(), q, func(raw json.RawMessage) error {
		var img Image
		if err := json.Unmarshal(raw, &img); err != nil {
			return err
		}
		if img.Name == name {
			found = true
		}
		return nil
	})
	return found, err
}

// paginate fetches url page by page (sequentially, offset/limit) and hands
// each raw item to fn until the reported totalCount is exhausted.
func (c *Client) paginate(ctx context.Context, rawURL string, query url.Values, fn func(json.RawMessage) error) error {
	offset := 0
	for {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page pagedResponse
		if err := c.getJSON(ctx, rawURL+"?"+q.Encode(), &page); err != nil {
			return err
		}
		for _, item := range page.Data {
			if err := fn(item); err != nil {
				return err
			}
		}

		offset += len(page.Data)
		if len(page.Data) == 0 || offset >= page.Meta.TotalCount {
			return nil
		}
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("GET %s: unexpected status %d: %s", rawURL, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
