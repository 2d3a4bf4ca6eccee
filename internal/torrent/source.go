// Package torrent acquires magnet and .torrent sources through a qBittorrent
// daemon.
package torrent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// maxTorrentFileBytes bounds the metainfo download
const maxTorrentFileBytes = 10 << 20

// IsSource reports whether raw is a magnet URI or points at a .torrent file
func IsSource(raw string) bool {
	if strings.HasPrefix(strings.ToLower(raw), "magnet:?") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".torrent")
}

// Source is a parsed torrent reference. Metainfo is set for .torrent inputs
// so the daemon never has to fetch the file itself.
type Source struct {
	URI      string
	Hash     string
	Name     string
	Metainfo []byte
}

// IsMagnet reports whether the source was a magnet URI
func (s *Source) IsMagnet() bool {
	return s.Metainfo == nil
}

// ParseSource resolves the info hash of raw. A .torrent URL is downloaded
// with client.
func ParseSource(ctx context.Context, client *http.Client, raw string) (*Source, error) {
	if strings.HasPrefix(strings.ToLower(raw), "magnet:?") {
		m, err := metainfo.ParseMagnetUri(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid magnet URI: %w", err)
		}
		return &Source{URI: raw, Hash: m.InfoHash.HexString(), Name: m.DisplayName}, nil
	}

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid torrent URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch torrent file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch torrent file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read torrent file: %w", err)
	}
	if len(data) > maxTorrentFileBytes {
		return nil, fmt.Errorf("torrent file exceeds %d bytes", maxTorrentFileBytes)
	}
	return LoadSource(raw, data)
}

// LoadSource parses raw .torrent bytes
func LoadSource(uri string, data []byte) (*Source, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid torrent file: %w", err)
	}
	src := &Source{
		URI:      uri,
		Hash:     mi.HashInfoBytes().HexString(),
		Metainfo: data,
	}
	if info, err := mi.UnmarshalInfo(); err == nil {
		src.Name = info.Name
	}
	return src, nil
}
