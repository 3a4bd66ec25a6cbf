package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/CZERTAINLY/ostrun/internal/model"
)

// Reporter publishes the report of a finished run.
type Reporter interface {
	Report(ctx context.Context, report model.Report) error
}

type ReportCloser interface {
	Reporter
	Close() error
}

// Reporters builds the reporters configured in cfg.
func Reporters(_ context.Context, cfg model.Service) ([]Reporter, error) {
	var reporters []Reporter
	if cfg.Dir != "" {
		r, err := NewOSRootReporter(cfg.Dir)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, r)
	}

	if cfg.Repository.IsEnabled() {
		r, err := NewHTTPReporter(cfg.Repository.URL)
		if err != nil {
			closeReporters(context.Background(), reporters)
			return nil, err
		}
		reporters = append(reporters, r)
	}
	return reporters, nil
}

func closeReporters(ctx context.Context, reporters []Reporter) {
	for _, r := range reporters {
		if closer, ok := r.(ReportCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing reporter have failed", "error", err)
			}
		}
	}
}

// WriteReporter writes the report as indented JSON.
type WriteReporter struct {
	w io.Writer
}

func NewWriteReporter(w io.Writer) WriteReporter {
	return WriteReporter{w: w}
}

func (r WriteReporter) Report(_ context.Context, report model.Report) error {
	if r.w == nil {
		r.w = os.Stdout
	}
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// OSRootReporter stores every report as a separate file inside a directory.
type OSRootReporter struct {
	root *os.Root
}

func NewOSRootReporter(path string) (*OSRootReporter, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootReporter{root: root}, nil
}

// ReportName is the file name of a stored report.
func ReportName(report model.Report) string {
	return fmt.Sprintf("ostrun-%d-%s.json", report.BuildNumber, report.UUID)
}

func (r *OSRootReporter) Report(ctx context.Context, report model.Report) error {
	if r.root == nil {
		return errors.New("root already closed")
	}

	path := ReportName(report)
	f, err := r.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating build report: %w", err)
	}
	err = NewWriteReporter(f).Report(ctx, report)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving build report: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing build report: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path)
	return nil
}

func (r *OSRootReporter) Close() error {
	if r.root == nil {
		return errors.New("reporter already closed")
	}
	err := r.root.Close()
	r.root = nil
	return err
}

const (
	reportPath        = "api/v1/builds"
	reportContentType = "application/json"
)

// HTTPReporter POSTs the report to a build repository.
type HTTPReporter struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTPReporter(serverURL string) (*HTTPReporter, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = reportPath

	return &HTTPReporter{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

func (c *HTTPReporter) Report(ctx context.Context, report model.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", reportContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := c.decodeResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "report uploaded", "url", c.requestURL.String())
	return nil
}

func (c *HTTPReporter) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPReporter) decodeResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil {
			return fmt.Errorf("failed to parse response content type header: %w", err)
		}
		if contentType != "application/problem+json" {
			return fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
