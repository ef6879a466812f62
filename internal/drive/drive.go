// Package drive talks to the storage backend that holds the indexed files.
//
// Graph is the production backend (Microsoft Graph drive API). Local serves a
// directory on disk with the same contract and is used for development and
// tests.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Thumbnail sizes accepted by the thumbnail endpoint.
const (
	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"
)

// ValidSize reports whether s names a thumbnail size.
func ValidSize(s string) bool {
	switch s {
	case SizeSmall, SizeMedium, SizeLarge:
		return true
	default:
		return false
	}
}

type Thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// ThumbnailSet is one rendition group of an item.
type ThumbnailSet struct {
	ID     string     `json:"id,omitempty"`
	Small  *Thumbnail `json:"small,omitempty"`
	Medium *Thumbnail `json:"medium,omitempty"`
	Large  *Thumbnail `json:"large,omitempty"`
}

// URL returns the thumbnail URL for size, or "" if the set has none.
func (s ThumbnailSet) URL(size string) string {
	var t *Thumbnail
	switch size {
	case SizeSmall:
		t = s.Small
	case SizeMedium:
		t = s.Medium
	case SizeLarge:
		t = s.Large
	}
	if t == nil {
		return ""
	}
	return t.URL
}

// Item is the subset of driveItem metadata the server needs.
type Item struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Size        int64          `json:"size"`
	DownloadURL string         `json:"@microsoft.graph.downloadUrl,omitempty"`
	Thumbnails  []ThumbnailSet `json:"thumbnails,omitempty"`
}

// ThumbnailURL returns the URL of the first thumbnail set for size.
func (it *Item) ThumbnailURL(size string) string {
	if it == nil || len(it.Thumbnails) == 0 {
		return ""
	}
	return it.Thumbnails[0].URL(size)
}

// Query selects and expands item properties.
type Query struct {
	Select []string
	Expand []string
}

var (
	// MetadataQuery is what raw delivery needs. Selecting downloadUrl alone
	// fails on some tenants, so id/name/size ride along.
	MetadataQuery = Query{Select: []string{"id", "name", "size", "@microsoft.graph.downloadUrl"}}

	ThumbnailQuery = Query{Select: []string{"id", "name"}, Expand: []string{"thumbnails"}}
)

func (q Query) expands(what string) bool {
	for _, e := range q.Expand {
		if e == what {
			return true
		}
	}
	return false
}

// Download is an open upstream byte stream. Callers must close Body.
type Download struct {
	Header http.Header
	Body   io.ReadCloser
}

// Drive is the storage contract used by the auth resolver and the handlers.
// Paths are normalized slash paths relative to the indexed root.
type Drive interface {
	// Item fetches metadata for the item at p.
	Item(ctx context.Context, accessToken, p string, q Query) (*Item, error)
	// ReadFile returns the (small) content of the file at p.
	ReadFile(ctx context.Context, accessToken, p string) ([]byte, error)
	// Open streams the bytes behind a download URL handed out by Item.
	Open(ctx context.Context, downloadURL string) (*Download, error)
}

// maxReadFile bounds ReadFile; it only ever reads password markers.
const maxReadFile = 64 << 10

// Error is an upstream failure with the HTTP status the backend answered.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("drive: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("drive: %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Status == http.StatusNotFound
}

// StatusOf maps err to the status a handler should answer with.
func StatusOf(err error) int {
	var de *Error
	if errors.As(err, &de) && de.Status >= 400 {
		return de.Status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// MessageOf returns the upstream message for err, or a generic one.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) && strings.TrimSpace(de.Message) != "" {
		return de.Message
	}
	return "Internal server error."
}
