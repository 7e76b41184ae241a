// Package immich reads albums and asset bytes from an Immich server.
package immich

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hadiwn/immich-gphotos-mirror/pkg/errors"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
)

// Client talks to the Immich HTTP API using an API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an Immich API client.
func NewClient(baseURL, apiKey string) *Client {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: trimSlash(baseURL),
		apiKey:  apiKey,
		// No overall client timeout: downloads are long-lived streams.
		// Per-call deadlines come from the caller's context.
		httpClient: &http.Client{Transport: tr},
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, op string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.NotFoundError{Resource: op, ID: path}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.UpstreamError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.UpstreamError{Op: op, Err: err}
	}
	return nil
}

// ServerUser identifies the authenticated Immich user.
type ServerUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Ping verifies the server is reachable and the API key is accepted,
// returning the authenticated user.
func (c *Client) Ping(ctx context.Context) (*ServerUser, error) {
	var pong struct {
		Res string `json:"res"`
	}
	if err := c.getJSON(ctx, "/api/server/ping", "server ping", &pong); err != nil {
		return nil, err
	}

	var user ServerUser
	if err := c.getJSON(ctx, "/api/users/me", "current user", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Album is one Immich album as shown by the album picker.
type Album struct {
	ID          string `json:"id"`
	Name        string `json:"albumName"`
	AssetCount  int    `json:"assetCount"`
	Description string `json:"description"`
}

// ListAlbums lists all albums visible to the API key.
func (c *Client) ListAlbums(ctx context.Context) ([]Album, error) {
	var albums []Album
	if err := c.getJSON(ctx, "/api/albums", "list albums", &albums); err != nil {
		return nil, err
	}
	return albums, nil
}

type albumDetail struct {
	ID     string      `json:"id"`
	Name   string      `json:"albumName"`
	Assets []assetJSON `json:"assets"`
}

type assetJSON struct {
	ID               string `json:"id"`
	OriginalFileName string `json:"originalFileName"`
	OriginalMimeType string `json:"originalMimeType"`
	Checksum         string `json:"checksum"`
	FileCreatedAt    string `json:"fileCreatedAt"`
	UpdatedAt        string `json:"updatedAt"`
	ExifInfo         struct {
		FileSizeInByte int64 `json:"fileSizeInByte"`
	} `json:"exifInfo"`
}

// AlbumAssets lists every asset in the album, in the order the server
// returns them. The whole album is enumerated in one call; Immich does
// not paginate album contents.
func (c *Client) AlbumAssets(ctx context.Context, albumID string) ([]models.SourceAsset, error) {
	var detail albumDetail
	if err := c.getJSON(ctx, "/api/albums/"+albumID, "list album assets", &detail); err != nil {
		var notFound errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, errors.NotFoundError{Resource: "album", ID: albumID}
		}
		return nil, err
	}

	assets := make([]models.SourceAsset, 0, len(detail.Assets))
	for _, a := range detail.Assets {
		assets = append(assets, models.SourceAsset{
			ID:        a.ID,
			Checksum:  a.Checksum,
			Filename:  a.OriginalFileName,
			MimeType:  a.OriginalMimeType,
			Size:      a.ExifInfo.FileSizeInByte,
			CreatedAt: parseTime(a.FileCreatedAt),
			UpdatedAt: parseTime(a.UpdatedAt),
		})
	}
	return assets, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Download streams the original bytes of one asset. The caller owns
// the returned body and must close it.
func (c *Client) Download(ctx context.Context, assetID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/assets/"+assetID+"/original")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.UpstreamError{Op: "download asset", Err: err}
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errors.NotFoundError{Resource: "asset", ID: assetID}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, errors.UpstreamError{Op: "download asset", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	return resp.Body, nil
}
