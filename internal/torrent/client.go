package torrent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/gatedl/gatedl/internal/errors"
)

// Status is the subset of /api/v2/torrents/info the acquirer reads
type Status struct {
	Hash        string  `json:"hash"`
	Name        string  `json:"name"`
	State       string  `json:"state"`
	Progress    float64 `json:"progress"`
	Size        int64   `json:"size"`
	Completed   int64   `json:"completed"`
	DLSpeed     int64   `json:"dlspeed"`
	UPSpeed     int64   `json:"upspeed"`
	ETA         int64   `json:"eta"`
	NumSeeds    int     `json:"num_seeds"`
	NumLeechs   int     `json:"num_leechs"`
	SavePath    string  `json:"save_path"`
	ContentPath string  `json:"content_path"`
}

// File is one entry of /api/v2/torrents/files
type File struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
}

// Daemon is the control surface the acquirer needs
type Daemon interface {
	Add(ctx context.Context, src *Source, savePath string) error
	Info(ctx context.Context, hash string) (*Status, error)
	Files(ctx context.Context, hash string) ([]File, error)
	Delete(ctx context.Context, hash string, deleteFiles bool) error
}

// Client talks to the qBittorrent Web API v2. The session cookie is kept in
// a jar and renewed once when the daemon answers 403.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu       sync.Mutex
	loggedIn bool
}

func NewClient(baseURL, username, password string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		http: &http.Client{
			Jar:     jar,
			Timeout: 15 * time.Second,
		},
	}
}

// Login opens a session
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	form := url.Values{"username": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return apperrors.DaemonUnavailable("invalid daemon URL").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.DaemonUnavailable("BitTorrent daemon unreachable").WithCause(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(strings.TrimSpace(string(body)), "Ok") {
		return apperrors.DaemonUnavailable(fmt.Sprintf("BitTorrent daemon login rejected (status %d)", resp.StatusCode))
	}
	c.loggedIn = true
	return nil
}

// do sends a request built by build, logging in first and once more on 403
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.Lock()
		if !c.loggedIn {
			if err := c.loginLocked(ctx); err != nil {
				c.mu.Unlock()
				return nil, err
			}
		}
		c.mu.Unlock()

		req, err := build()
		if err != nil {
			return nil, apperrors.DaemonUnavailable("failed to build daemon request").WithCause(err)
		}
		req.Header.Set("Referer", c.baseURL)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperrors.DaemonUnavailable("BitTorrent daemon unreachable").WithCause(err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusForbidden && attempt == 0:
			c.mu.Lock()
			c.loggedIn = false
			c.mu.Unlock()
			continue
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		case resp.StatusCode != http.StatusOK:
			return nil, apperrors.DaemonUnavailable(fmt.Sprintf("BitTorrent daemon returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		if readErr != nil {
			return nil, apperrors.DaemonUnavailable("failed to read daemon response").WithCause(readErr)
		}
		return body, nil
	}
	return nil, apperrors.DaemonUnavailable("BitTorrent daemon session rejected")
}

// Add hands src to the daemon. Seeding is capped at zero minutes.
func (c *Client) Add(ctx context.Context, src *Source, savePath string) error {
	body, err := c.do(ctx, func() (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if src.IsMagnet() {
			if err := mw.WriteField("urls", src.URI); err != nil {
				return nil, err
			}
		} else {
			part, err := mw.CreateFormFile("torrents", src.Hash+".torrent")
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(src.Metainfo); err != nil {
				return nil, err
			}
		}
		fields := map[string]string{
			"savepath":         savePath,
			"seedingTimeLimit": "0",
			"ratioLimit":       "0",
			"autoTMM":          "false",
			"root_folder":      "true",
		}
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/torrents/add", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return err
	}
	if strings.HasPrefix(strings.TrimSpace(string(body)), "Fails") {
		return apperrors.TorrentError("daemon refused the torrent")
	}
	return nil
}

// Info returns nil while the daemon has not registered hash yet
func (c *Client) Info(ctx context.Context, hash string) (*Status, error) {
	body, err := c.do(ctx, func() (*http.Request, error) {
		q := url.Values{"hashes": {hash}}
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/torrents/info?"+q.Encode(), nil)
	})
	if err != nil || body == nil {
		return nil, err
	}

	var list []Status
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, apperrors.DaemonUnavailable("malformed torrent info response").WithCause(err)
	}
	for i := range list {
		if strings.EqualFold(list[i].Hash, hash) {
			return &list[i], nil
		}
	}
	return nil, nil
}

func (c *Client) Files(ctx context.Context, hash string) ([]File, error) {
	body, err := c.do(ctx, func() (*http.Request, error) {
		q := url.Values{"hash": {hash}}
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/torrents/files?"+q.Encode(), nil)
	})
	if err != nil || body == nil {
		return nil, err
	}

	var files []File
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, apperrors.DaemonUnavailable("malformed torrent files response").WithCause(err)
	}
	return files, nil
}

func (c *Client) Delete(ctx context.Context, hash string, deleteFiles bool) error {
	_, err := c.do(ctx, func() (*http.Request, error) {
		form := url.Values{"hashes": {hash}, "deleteFiles": {fmt.Sprintf("%t", deleteFiles)}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/torrents/delete", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	return err
}

// Version is used by health checks
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/app/version", nil)
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
