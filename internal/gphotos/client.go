// Package gphotos writes media into a Google Photos album. The API
// splits ingestion into a raw byte upload that yields a token, and a
// batchCreate call that turns tokens into library items. It can detach
// items from an app-created album but can never delete them from the
// owner's library.
package gphotos

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hadiwn/immich-gphotos-mirror/pkg/errors"
)

const defaultAPIBase = "https://photoslibrary.googleapis.com/v1"

// Client talks to the Google Photos Library API.
type Client struct {
	// APIBase is overridable for tests.
	APIBase string

	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a Google Photos client around the token source.
func NewClient(tokens TokenSource) *Client {
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
		APIBase:    defaultAPIBase,
		tokens:     tokens,
		httpClient: &http.Client{Transport: tr},
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.APIBase+path, body)
	if err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, errors.WithContext(err, op)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.UpstreamError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(op, resp.StatusCode, string(payload))
	}
	return resp, nil
}

// statusError maps an HTTP failure onto the shared error taxonomy.
func statusError(op string, status int, body string) error {
	switch {
	case status == http.StatusNotFound:
		return errors.NotFoundError{Resource: op, ID: ""}
	case status == http.StatusTooManyRequests:
		return errors.QuotaError{Message: firstLine(body)}
	case status == http.StatusForbidden && strings.Contains(body, "storageQuotaExceeded"):
		return errors.QuotaError{Message: firstLine(body)}
	case status == http.StatusBadRequest:
		return errors.InvalidContentError{Message: firstLine(body)}
	default:
		return errors.UpstreamError{Op: op, Err: fmt.Errorf("HTTP %d: %s", status, firstLine(body))}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func (c *Client) postJSON(ctx context.Context, op, path string, reqBody, out interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	header := http.Header{"Content-Type": {"application/json"}}
	resp, err := c.do(ctx, op, http.MethodPost, path, bytes.NewReader(payload), header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.UpstreamError{Op: op, Err: err}
	}
	return nil
}

// Album is one Google Photos album.
type Album struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListAlbums lists the albums created by this app, following
// pagination until exhausted.
func (c *Client) ListAlbums(ctx context.Context) ([]Album, error) {
	var albums []Album
	pageToken := ""
	for {
		path := "/albums?pageSize=50"
		if pageToken != "" {
			path += "&pageToken=" + pageToken
		}

		resp, err := c.do(ctx, "list albums", http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Albums        []Album `json:"albums"`
			NextPageToken string  `json:"nextPageToken"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, errors.UpstreamError{Op: "list albums", Err: err}
		}

		albums = append(albums, page.Albums...)
		if page.NextPageToken == "" {
			return albums, nil
		}
		pageToken = page.NextPageToken
	}
}

// CreateAlbum creates a new app-owned album.
func (c *Client) CreateAlbum(ctx context.Context, title string) (*Album, error) {
	reqBody := map[string]interface{}{
		"album": map[string]string{"title": title},
	}
	var album Album
	if err := c.postJSON(ctx, "create album", "/albums", reqBody, &album); err != nil {
		return nil, err
	}
	return &album, nil
}

// EnsureAlbum returns the id of an existing album with the given
// title, creating it if none exists.
func (c *Client) EnsureAlbum(ctx context.Context, title string) (string, error) {
	albums, err := c.ListAlbums(ctx)
	if err != nil {
		return "", err
	}
	for _, album := range albums {
		if album.Title == title {
			return album.ID, nil
		}
	}

	album, err := c.CreateAlbum(ctx, title)
	if err != nil {
		return "", err
	}
	return album.ID, nil
}

// Upload streams raw bytes to the uploads endpoint and returns the
// upload token. The reader is consumed exactly once; nothing is
// buffered beyond the transport's own chunking.
func (c *Client) Upload(ctx context.Context, filename, mimeType string, r io.Reader) (string, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header := http.Header{
		"Content-Type":               {"application/octet-stream"},
		"X-Goog-Upload-Content-Type": {mimeType},
		"X-Goog-Upload-File-Name":    {filename},
		"X-Goog-Upload-Protocol":     {"raw"},
	}

	resp, err := c.do(ctx, "upload bytes", http.MethodPost, "/uploads", r, header)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.UpstreamError{Op: "upload bytes", Err: err}
	}
	if len(token) == 0 {
		return "", errors.InvalidContentError{Message: "empty upload token"}
	}
	return string(token), nil
}

// MediaItem is one created library item.
type MediaItem struct {
	ID         string `json:"id"`
	ProductURL string `json:"productUrl"`
	Filename   string `json:"filename"`
}

// NewMediaItem pairs an upload token with its filename for finalize.
type NewMediaItem struct {
	UploadToken string
	Filename    string
}

// BatchCreate finalizes uploaded bytes into album items. One result is
// returned per input token; a per-token failure surfaces as an
// InvalidContentError rather than failing the whole batch mapping.
func (c *Client) BatchCreate(ctx context.Context, albumID string, items []NewMediaItem) ([]MediaItem, error) {
	newItems := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		newItems = append(newItems, map[string]interface{}{
			"simpleMediaItem": map[string]string{
				"uploadToken": item.UploadToken,
				"fileName":    item.Filename,
			},
		})
	}

	reqBody := map[string]interface{}{
		"newMediaItems": newItems,
	}
	if albumID != "" {
		reqBody["albumId"] = albumID
	}

	var result struct {
		Results []struct {
			UploadToken string `json:"uploadToken"`
			Status      struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"status"`
			MediaItem *MediaItem `json:"mediaItem"`
		} `json:"newMediaItemResults"`
	}
	if err := c.postJSON(ctx, "batch create", "/mediaItems:batchCreate", reqBody, &result); err != nil {
		return nil, err
	}

	created := make([]MediaItem, 0, len(result.Results))
	for _, res := range result.Results {
		if res.MediaItem == nil {
			msg := res.Status.Message
			if msg == "" {
				msg = "media item not created"
			}
			return nil, errors.InvalidContentError{Message: msg}
		}
		created = append(created, *res.MediaItem)
	}
	return created, nil
}

// RemoveFromAlbum detaches items from the album. The items remain in
// the owner's library; the API cannot delete them.
func (c *Client) RemoveFromAlbum(ctx context.Context, albumID string, mediaItemIDs []string) error {
	reqBody := map[string]interface{}{
		"mediaItemIds": mediaItemIDs,
	}
	return c.postJSON(ctx, "remove from album", "/albums/"+albumID+":batchRemoveMediaItems", reqBody, nil)
}
