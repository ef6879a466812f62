package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"odindex/internal/fsutil"
)

// DefaultGraphAPI is the personal drive endpoint of Microsoft Graph.
const DefaultGraphAPI = "https://graph.microsoft.com/v1.0/me/drive"

// Graph is a Drive backed by the Microsoft Graph drive API.
type Graph struct {
	apiBase string
	baseDir string
	hc      *http.Client
}

// NewGraph returns a Graph client. baseDir is the drive folder that maps to
// "/" of the index.
func NewGraph(apiBase, baseDir string, hc *http.Client) *Graph {
	if apiBase == "" {
		apiBase = DefaultGraphAPI
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Graph{
		apiBase: strings.TrimSuffix(apiBase, "/"),
		baseDir: fsutil.Normalize(baseDir),
		hc:      hc,
	}
}

// itemURL addresses p by path: <api>/root:/<escaped>:<suffix>. The drive
// root is addressed as <api>/root<suffix>.
func (g *Graph) itemURL(p, suffix string) string {
	full := fsutil.Normalize(path.Join(g.baseDir, p))
	if full == "/" {
		if suffix != "" {
			suffix = "/" + strings.TrimPrefix(suffix, "/")
		}
		return g.apiBase + "/root" + suffix
	}
	return g.apiBase + "/root:" + escapePath(full) + ":" + suffix
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = strings.ReplaceAll(url.PathEscape(s), ":", "%3A")
	}
	return strings.Join(segs, "/")
}

func (g *Graph) Item(ctx context.Context, accessToken, p string, q Query) (*Item, error) {
	u := g.itemURL(p, "")
	v := url.Values{}
	if len(q.Select) > 0 {
		v.Set("select", strings.Join(q.Select, ","))
	}
	if len(q.Expand) > 0 {
		v.Set("expand", strings.Join(q.Expand, ","))
	}
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	resp, err := g.do(ctx, accessToken, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var it Item
	if err := json.NewDecoder(resp.Body).Decode(&it); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", p, err)
	}
	return &it, nil
}

// ReadFile follows the /content redirect to the pre-authenticated URL.
func (g *Graph) ReadFile(ctx context.Context, accessToken, p string) ([]byte, error) {
	resp, err := g.do(ctx, accessToken, g.itemURL(p, "/content"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReadFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return b, nil
}

// Open fetches a pre-authenticated download URL; no bearer token is sent.
func (g *Graph) Open(ctx context.Context, downloadURL string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return &Download{Header: resp.Header, Body: resp.Body}, nil
}

func (g *Graph) do(ctx context.Context, accessToken, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := g.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// decodeError turns a Graph error body ({"error":{"code","message"}}) into
// an *Error. Non-JSON bodies keep the status text.
func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	e := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	if json.Unmarshal(b, &body) == nil && body.Error.Message != "" {
		e.Code = body.Error.Code
		e.Message = body.Error.Message
	}
	return e
}
