// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package hostfunc provides the host functions plugins use to reach outside
// their sandbox.
//
// Every filesystem and network call is authorized against the plugin's
// capability grants before any I/O happens. Relative paths resolve against
// the plugin's data directory; all paths are cleaned, made absolute and have
// symlinks resolved before the check, so a link inside a granted directory
// cannot be used to reach outside it. These checks harden in-process plugins
// on a best-effort basis and are not an isolation boundary.
package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/shellbe/shellbe/internal/plugin/capability"
	"github.com/shellbe/shellbe/pkg/pluginsdk"
)

// Default size limits for host function payloads.
const (
	DefaultMaxFileBytes     = 16 << 20
	DefaultMaxResponseBytes = 4 << 20
	defaultHTTPTimeout      = 30 * time.Second
)

// Functions provides host functions to plugins of both runtimes.
type Functions struct {
	enforcer     *capability.Enforcer
	dataRoot     string
	client       *http.Client
	maxFile      int64
	maxResponse  int64
	now          func() time.Time
	loggerSource func() *slog.Logger
}

// Option configures Functions.
type Option func(*Functions)

// WithHTTPClient overrides the client used by HTTPGet. Redirects are
// re-authorized regardless of the client's own policy.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Functions) {
		if c != nil {
			f.client = c
		}
	}
}

// WithMaxResponseBytes caps HTTP response bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(f *Functions) {
		if n > 0 {
			f.maxResponse = n
		}
	}
}

// WithClock overrides the time source behind now().
func WithClock(now func() time.Time) Option {
	return func(f *Functions) {
		if now != nil {
			f.now = now
		}
	}
}

// New creates host functions that authorize through enforcer and keep
// per-plugin data under dataRoot/<plugin>.
// Panics if enforcer is nil.
func New(enforcer *capability.Enforcer, dataRoot string, opts ...Option) *Functions {
	if enforcer == nil {
		panic("hostfunc.New: enforcer cannot be nil")
	}
	f := &Functions{
		enforcer:     enforcer,
		dataRoot:     dataRoot,
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		maxFile:      DefaultMaxFileBytes,
		maxResponse:  DefaultMaxResponseBytes,
		now:          time.Now,
		loggerSource: slog.Default,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DataDir returns the plugin's private data directory.
func (f *Functions) DataDir(plugin string) string {
	return filepath.Join(f.dataRoot, plugin)
}

// EnsureDataDir creates the plugin's data directory.
func (f *Functions) EnsureDataDir(plugin string) (string, error) {
	dir := f.DataDir(plugin)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", oops.In("hostfunc").With("plugin", plugin).With("path", dir).Wrap(err)
	}
	return dir, nil
}

// Resolve turns a plugin-supplied path into the absolute, symlink-free path
// that is authorized and accessed.
func (f *Functions) Resolve(plugin, path string) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.DataDir(plugin), path)
	}
	path = filepath.Clean(path)

	resolved, err := filepath.EvalSymlinks(path)
	switch {
	case err == nil:
		return filepath.ToSlash(resolved), nil
	case errors.Is(err, fs.ErrNotExist):
		// A file about to be created: resolve its parent.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(path))
		if perr != nil {
			return filepath.ToSlash(path), nil //nolint:nilerr // the access itself reports the missing parent
		}
		return filepath.ToSlash(filepath.Join(parent, filepath.Base(path))), nil
	default:
		return "", err
	}
}

func (f *Functions) authorizePath(plugin string, access capability.Access, path string) (string, error) {
	resolved, err := f.Resolve(plugin, path)
	if err != nil {
		return "", oops.In("hostfunc").With("plugin", plugin).With("path", path).Wrap(err)
	}
	if err := f.enforcer.Authorize(plugin, access, resolved); err != nil {
		return "", err
	}
	return filepath.FromSlash(resolved), nil
}

// ReadFile reads a file the plugin may read.
func (f *Functions) ReadFile(plugin, path string) ([]byte, error) {
	resolved, err := f.authorizePath(plugin, capability.AccessRead, path)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(resolved)
	if err != nil {
		return nil, ioErr(plugin, "read_file", resolved, err)
	}
	defer func() { _ = fh.Close() }()

	data, err := io.ReadAll(io.LimitReader(fh, f.maxFile+1))
	if err != nil {
		return nil, ioErr(plugin, "read_file", resolved, err)
	}
	if int64(len(data)) > f.maxFile {
		return nil, ioErr(plugin, "read_file", resolved, fmt.Errorf("file exceeds %d bytes", f.maxFile))
	}
	return data, nil
}

// WriteFile replaces a file the plugin may write.
func (f *Functions) WriteFile(plugin, path string, data []byte) error {
	resolved, err := f.authorizePath(plugin, capability.AccessWrite, path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(resolved, data, 0o600); err != nil {
		return ioErr(plugin, "write_file", resolved, err)
	}
	return nil
}

// AppendFile appends to a file the plugin may write, creating it if needed.
func (f *Functions) AppendFile(plugin, path string, data []byte) error {
	resolved, err := f.authorizePath(plugin, capability.AccessWrite, path)
	if err != nil {
		return err
	}
	fh, err := os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return ioErr(plugin, "append_file", resolved, err)
	}
	if _, err := fh.Write(data); err != nil {
		_ = fh.Close()
		return ioErr(plugin, "append_file", resolved, err)
	}
	if err := fh.Close(); err != nil {
		return ioErr(plugin, "append_file", resolved, err)
	}
	return nil
}

// ListDir returns the sorted entry names of a directory the plugin may read.
func (f *Functions) ListDir(plugin, path string) ([]string, error) {
	resolved, err := f.authorizePath(plugin, capability.AccessRead, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, ioErr(plugin, "list_dir", resolved, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// HTTPGet fetches rawURL if its host:port is granted. Each redirect hop is
// authorized as well.
func (f *Functions) HTTPGet(ctx context.Context, plugin, rawURL string) (pluginsdk.HTTPResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return pluginsdk.HTTPResponse{}, oops.In("hostfunc").With("plugin", plugin).With("url", rawURL).Wrap(err)
	}
	if err := f.authorizeURL(plugin, u); err != nil {
		return pluginsdk.HTTPResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return pluginsdk.HTTPResponse{}, oops.In("hostfunc").With("plugin", plugin).With("url", rawURL).Wrap(err)
	}
	req.Header.Set("User-Agent", "shellbe-plugin/"+plugin)

	client := *f.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		return f.authorizeURL(plugin, next.URL)
	}

	resp, err := client.Do(req)
	if err != nil {
		if denied, ok := oops.AsOops(err); ok && denied.Code() == capability.CodeViolation {
			return pluginsdk.HTTPResponse{}, denied
		}
		return pluginsdk.HTTPResponse{}, oops.In("hostfunc").With("plugin", plugin).With("url", rawURL).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponse))
	if err != nil {
		return pluginsdk.HTTPResponse{}, oops.In("hostfunc").With("plugin", plugin).With("url", rawURL).Wrap(err)
	}
	return pluginsdk.HTTPResponse{Status: resp.StatusCode, Body: body}, nil
}

func (f *Functions) authorizeURL(plugin string, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return oops.In("hostfunc").With("plugin", plugin).With("url", u.String()).
			Errorf("unsupported URL scheme %q", u.Scheme)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return f.enforcer.Authorize(plugin, capability.AccessNetwork, net.JoinHostPort(u.Hostname(), port))
}

// Log writes a plugin log line through slog. Unknown levels are rejected so
// plugin authors notice the mistake.
func (f *Functions) Log(plugin, level, message string) error {
	logger := f.loggerSource().With("plugin", plugin)
	switch level {
	case "debug":
		logger.Debug(message)
	case "info":
		logger.Info(message)
	case "warn":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		return fmt.Errorf("invalid log level %q: must be debug, info, warn or error", level)
	}
	return nil
}

// NewID returns a fresh ULID string.
func (f *Functions) NewID() string {
	return ulid.Make().String()
}

// Now returns the current time.
func (f *Functions) Now() time.Time {
	return f.now()
}

func ioErr(plugin, operation, path string, err error) error {
	return oops.In("hostfunc").
		With("plugin", plugin).
		With("operation", operation).
		With("path", path).
		Wrap(err)
}
