package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
)

const (
	ftpTimeout     = 30 * time.Second
	ftpDefaultPort = "21"
	maxFileSize    = 64 << 20
)

// Fetcher retrieves the raw bytes of an import source.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// SourceFetcher reads local paths directly and ftp:// URLs through FTP with
// retries.
type SourceFetcher struct {
	MaxElapsed time.Duration
}

func NewSourceFetcher() *SourceFetcher {
	return &SourceFetcher{MaxElapsed: 2 * time.Minute}
}

func (f *SourceFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(strings.ToLower(source), "ftp://") {
		return readLocal(source)
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		b, err := fetchFTP(ctx, u)
		if err != nil {
			if isPermanentFTPError(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("ftp fetch failed, retrying", "source", RedactSource(source), "attempt", attempt, "error", err)
			return err
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = f.MaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func readLocal(path string) ([]byte, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer fh.Close()

	body, err := io.ReadAll(io.LimitReader(fh, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if len(body) > maxFileSize {
		return nil, fmt.Errorf("source is larger than %d bytes", maxFileSize)
	}
	return body, nil
}

func fetchFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), ftpDefaultPort)
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	body, err := io.ReadAll(io.LimitReader(resp, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxFileSize {
		return nil, backoff.Permanent(fmt.Errorf("ftp file is larger than %d bytes", maxFileSize))
	}
	return body, nil
}

// isPermanentFTPError reports server replies that retrying will not change:
// 530 not logged in, 550 file unavailable, 553 bad file name.
func isPermanentFTPError(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var te *textproto.Error
	if errors.As(err, &te) {
		switch te.Code {
		case ftp.StatusNotLoggedIn, ftp.StatusFileUnavailable, ftp.StatusBadFileName:
			return true
		}
	}
	return false
}

// RedactSource hides credentials in an ftp:// URL so it can be logged and
// stored.
func RedactSource(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.User == nil {
		return source
	}
	return u.Redacted()
}
