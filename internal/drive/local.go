package drive

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"odindex/internal/fsutil"
	"odindex/internal/logging"
)

// LocalPrefix is where Local serves its signed download and thumbnail URLs.
const LocalPrefix = "/_local"

// DefaultLinkTTL matches the lifetime of Graph pre-authenticated URLs.
const DefaultLinkTTL = time.Hour

// Local is a Drive over a directory on disk. Download and thumbnail URLs
// are HMAC-signed and expire, like the pre-authenticated URLs of Graph, so
// they can be handed to browsers without bypassing folder passwords.
type Local struct {
	root     string
	stateDir string
	baseURL  string
	key      []byte
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewLocal serves root. baseURL is the external URL of this server; stateDir
// caches generated thumbnails and may be empty.
func NewLocal(root, stateDir, baseURL string, key []byte) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("local root %s is not a directory", abs)
	}
	if len(key) == 0 {
		return nil, errors.New("local drive: signing key is required")
	}
	if stateDir != "" {
		if err := os.MkdirAll(filepath.Join(stateDir, "thumbs"), 0o755); err != nil {
			return nil, err
		}
	}
	return &Local{
		root:     abs,
		stateDir: stateDir,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		key:      key,
		ttl:      DefaultLinkTTL,
		now:      time.Now,
		log:      logging.Nop(),
	}, nil
}

// SetLogger routes the local backend's diagnostics to lg.
func (l *Local) SetLogger(lg *slog.Logger) {
	if lg != nil {
		l.log = lg
	}
}

func notFound(p string) error {
	return &Error{Status: http.StatusNotFound, Code: "itemNotFound", Message: "The resource could not be found: " + p}
}

func (l *Local) stat(p string) (string, fs.FileInfo, error) {
	abs, err := fsutil.JoinWithinRoot(l.root, p)
	if err != nil {
		return "", nil, &Error{Status: http.StatusBadRequest, Code: "invalidRequest", Message: err.Error()}
	}
	st, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, notFound(p)
	}
	if err != nil {
		return "", nil, err
	}
	return abs, st, nil
}

func (l *Local) Item(ctx context.Context, _ string, p string, q Query) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = fsutil.Normalize(p)
	_, st, err := l.stat(p)
	if err != nil {
		return nil, err
	}
	it := &Item{
		ID:   localID(p),
		Name: st.Name(),
	}
	if p == "/" {
		it.Name = "root"
	}
	if st.IsDir() {
		return it, nil
	}
	it.Size = st.Size()
	it.DownloadURL = l.sign("f", p)
	if q.expands("thumbnails") && isImageExt(strings.ToLower(filepath.Ext(p))) {
		it.Thumbnails = []ThumbnailSet{{
			ID:     "0",
			Small:  &Thumbnail{URL: l.sign("thumb/"+SizeSmall, p), Width: thumbSizes[SizeSmall], Height: thumbSizes[SizeSmall]},
			Medium: &Thumbnail{URL: l.sign("thumb/"+SizeMedium, p), Width: thumbSizes[SizeMedium], Height: thumbSizes[SizeMedium]},
			Large:  &Thumbnail{URL: l.sign("thumb/"+SizeLarge, p), Width: thumbSizes[SizeLarge], Height: thumbSizes[SizeLarge]},
		}}
	}
	return it, nil
}

func (l *Local) ReadFile(ctx context.Context, _ string, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, st, err := l.stat(fsutil.Normalize(p))
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, notFound(p)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxReadFile))
}

// Open resolves one of our own signed file URLs without a loopback request.
func (l *Local) Open(ctx context.Context, downloadURL string) (*Download, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(downloadURL)
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Message: "bad download url"}
	}
	p, ok := strings.CutPrefix(u.Path, LocalPrefix+"/f")
	if !ok {
		return nil, &Error{Status: http.StatusBadRequest, Message: "not a local download url"}
	}
	p = fsutil.Normalize(p)
	if err := l.verify("f", p, u.Query()); err != nil {
		return nil, err
	}
	abs, st, err := l.stat(p)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, notFound(p)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	if ct := contentTypeForName(st.Name()); ct != "" {
		h.Set("Content-Type", ct)
	}
	h.Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	h.Set("Last-Modified", st.ModTime().UTC().Format(http.TimeFormat))
	return &Download{Header: h, Body: f}, nil
}

// Handler serves the signed URLs under LocalPrefix.
func (l *Local) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(LocalPrefix+"/f/", l.handleFile)
	mux.HandleFunc(LocalPrefix+"/thumb/", l.handleThumb)
	return mux
}

func (l *Local) handleFile(w http.ResponseWriter, r *http.Request) {
	p := fsutil.Normalize(strings.TrimPrefix(r.URL.Path, LocalPrefix+"/f"))
	if err := l.verify("f", p, r.URL.Query()); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	abs, st, err := l.stat(p)
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if ct := contentTypeForName(st.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (l *Local) handleThumb(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, LocalPrefix+"/thumb/")
	size, rel, _ := strings.Cut(rest, "/")
	px, ok := thumbSizes[size]
	if !ok {
		http.NotFound(w, r)
		return
	}
	p := fsutil.Normalize(rel)
	if err := l.verify("thumb/"+size, p, r.URL.Query()); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	abs, st, err := l.stat(p)
	if err != nil || st.IsDir() || !isImageExt(strings.ToLower(filepath.Ext(abs))) {
		http.NotFound(w, r)
		return
	}

	var thumbPath string
	if l.stateDir != "" {
		key := safeKey(p) + "-" + size + "-" + strconv.FormatInt(st.ModTime().Unix(), 10) + ".jpg"
		thumbPath = filepath.Join(l.stateDir, "thumbs", key)
		if b, err := os.ReadFile(thumbPath); err == nil {
			writeThumb(w, b)
			return
		}
	}
	b, err := makeThumb(abs, px)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if thumbPath != "" {
		if err := os.WriteFile(thumbPath, b, 0o644); err != nil {
			l.log.Warn("thumbnail cache write failed", "path", p, "size", size, "err", err)
		}
	}
	writeThumb(w, b)
}

func writeThumb(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(b)
}

// sign returns an absolute URL for kind ("f" or "thumb/<size>") and p.
func (l *Local) sign(kind, p string) string {
	exp := strconv.FormatInt(l.now().Add(l.ttl).Unix(), 10)
	v := url.Values{}
	v.Set("exp", exp)
	v.Set("sig", l.mac(kind, p, exp))
	return l.baseURL + LocalPrefix + "/" + kind + escapePath(p) + "?" + v.Encode()
}

func (l *Local) verify(kind, p string, q url.Values) error {
	exp := q.Get("exp")
	sig := q.Get("sig")
	n, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || sig == "" {
		return &Error{Status: http.StatusForbidden, Message: "missing signature"}
	}
	if !hmac.Equal([]byte(sig), []byte(l.mac(kind, p, exp))) {
		return &Error{Status: http.StatusForbidden, Message: "bad signature"}
	}
	if l.now().Unix() > n {
		return &Error{Status: http.StatusForbidden, Message: "link expired"}
	}
	return nil
}

func (l *Local) mac(kind, p, exp string) string {
	m := hmac.New(sha256.New, l.key)
	_, _ = io.WriteString(m, kind+"\n"+p+"\n"+exp)
	return hex.EncodeToString(m.Sum(nil))
}

func localID(p string) string {
	sum := sha256.Sum256([]byte(p))
	return strings.ToUpper(hex.EncodeToString(sum[:12]))
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".pdf":
		return "application/pdf"
	case ".epub":
		return "application/epub+zip"
	case ".txt", ".log", ".md":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	default:
		return ""
	}
}

func safeKey(p string) string {
	p = strings.TrimPrefix(p, "/")
	p = strings.ReplaceAll(p, "/", "_")
	p = strings.ReplaceAll(p, "\\", "_")
	p = strings.ReplaceAll(p, "..", "_")
	if p == "" {
		p = "root"
	}
	return p
}
