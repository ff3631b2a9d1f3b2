package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/capsuleservice"
	"github.com/starford/timesnap/internal/media"
)

const maxMediaSize = capsuleservice.DefaultMaxUpload

// loadMedia resolves a data URI or http(s) URL into an upload. declared may
// be empty, in which case the type is inferred from the MIME type.
func loadMedia(ctx context.Context, src, declared string) (capsuleservice.MediaUpload, error) {
	var (
		data []byte
		mime string
		err  error
	)
	if strings.HasPrefix(src, "data:") {
		data, mime, err = decodeDataURI(src)
	} else {
		data, mime, err = fetchHTTP(ctx, src)
	}
	if err != nil {
		return capsuleservice.MediaUpload{}, err
	}
	if len(data) > maxMediaSize {
		return capsuleservice.MediaUpload{}, fmt.Errorf("file too large: %d bytes (max %d)", len(data), maxMediaSize)
	}

	var t capsule.MediaType
	if declared != "" {
		if t, err = capsule.ParseMediaType(declared); err != nil {
			return capsuleservice.MediaUpload{}, err
		}
	} else if t = typeForMIME(mime); t == "" {
		return capsuleservice.MediaUpload{}, fmt.Errorf("cannot infer media_type from %q; pass photo, video or message", mime)
	}

	ext := media.ExtForMIME(mime)
	if ext == "" && !strings.HasPrefix(src, "data:") {
		if u, perr := url.Parse(src); perr == nil {
			ext = strings.TrimPrefix(path.Ext(u.Path), ".")
			if _, nerr := media.NormalizeExt(ext); nerr != nil {
				ext = ""
			}
		}
	}
	return capsuleservice.MediaUpload{Type: t, Data: data, Ext: ext}, nil
}

func typeForMIME(mime string) capsule.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return capsule.MediaPhoto
	case strings.HasPrefix(mime, "video/"):
		return capsule.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return capsule.MediaMessage
	}
	return ""
}

// decodeDataURI parses a data:[<mediatype>][;base64],<data> URI and returns
// the payload and its MIME type.
func decodeDataURI(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	commaIdx := strings.Index(rest, ",")
	if commaIdx < 0 {
		return nil, "", fmt.Errorf("invalid data URI: missing comma separator")
	}

	meta := rest[:commaIdx]
	encoded := rest[commaIdx+1:]

	if !strings.Contains(meta, ";base64") {
		return nil, "", fmt.Errorf("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}

	mime := strings.ToLower(strings.Split(strings.TrimSuffix(meta, ";base64"), ";")[0])
	if media.ExtForMIME(mime) == "" {
		return nil, "", fmt.Errorf("unsupported MIME type in data URI: %s", mime)
	}
	return data, mime, nil
}

// fetchHTTP downloads a file from an HTTP/HTTPS URL with security checks.
func fetchHTTP(ctx context.Context, rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme: %s (only data, http, https)", parsed.Scheme)
	}

	if err := checkBlockedHost(parsed.Hostname()); err != nil {
		return nil, "", err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: dialControl}
	client := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{DialContext: dialer.DialContext, Proxy: nil},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			return checkBlockedHost(req.URL.Hostname())
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > maxMediaSize {
		return nil, "", fmt.Errorf("file too large: exceeds %d bytes", maxMediaSize)
	}

	mime := strings.ToLower(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0]))
	return data, mime, nil
}

// checkBlockedHost rejects hosts that resolve to loopback, private,
// link-local or unspecified addresses, and cloud metadata names. Every
// resolved address must pass.
func checkBlockedHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host: %s", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return blockedIP(host, ip)
	}

	ips, lookupErr := net.LookupIP(host)
	if lookupErr != nil || len(ips) == 0 {
		return nil //nolint:nilerr // let http.Client handle DNS failures
	}
	for _, ip := range ips {
		if err := blockedIP(host, ip); err != nil {
			return err
		}
	}
	return nil
}

func blockedIP(host string, ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("blocked host: loopback address %s", host)
	case ip.IsPrivate():
		return fmt.Errorf("blocked host: private address %s", host)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		// Includes the 169.254.169.254 metadata endpoint.
		return fmt.Errorf("blocked host: link-local address %s", host)
	case ip.IsUnspecified():
		return fmt.Errorf("blocked host: unspecified address %s", host)
	}
	return nil
}

// dialControl re-checks the address actually dialled, so a name that
// resolves differently at connect time cannot reach a blocked network.
func dialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("blocked host: unresolved address %s", address)
	}
	return blockedIP(host, ip)
}
