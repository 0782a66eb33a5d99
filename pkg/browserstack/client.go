// Package browserstack is a client for the BrowserStack App Automate
// upload API. The API is treated as a black box: one multipart POST
// in, one opaque app reference out.
package browserstack

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/mobilecd/browserstack-uploader/pkg/backoff"
	"github.com/mobilecd/browserstack-uploader/pkg/config"
)

// UploadResult is the remote reference returned by the upload
// endpoint, plus bookkeeping about how hard we had to try.
type UploadResult struct {
	AppID     string    `json:"app_id"`
	AppURL    string    `json:"app_url"`
	CustomID  string    `json:"custom_id"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// InvalidResponseError means the endpoint answered 2xx but the body
// did not carry an app reference. Not retried.
type InvalidResponseError struct {
	Body string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid BrowserStack response: %s", e.Body)
}

type Client struct {
	username  string
	accessKey string
	endpoint  string
	timeout   time.Duration
	retry     backoff.Policy
	client    *http.Client
	logger    log.Logger

	// ShowProgress draws an upload progress bar on stderr; only set
	// for interactive verbose runs.
	ShowProgress bool
}

func NewClient(cfg config.BrowserStackConfig, retry backoff.Policy, logger log.Logger) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL() {
		logger.Log("warning", "SSL certificate verification is disabled")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else if cfg.SSLCABundle != "" {
		pem, err := ioutil.ReadFile(cfg.SSLCABundle)
		if err != nil {
			return nil, errors.Wrapf(err, "reading CA bundle %s", cfg.SSLCABundle)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in CA bundle %s", cfg.SSLCABundle)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
		logger.Log("msg", "using custom CA bundle", "path", cfg.SSLCABundle)
	}
	return &Client{
		username:  cfg.Username,
		accessKey: cfg.AccessKey,
		endpoint:  cfg.APIEndpoint,
		timeout:   cfg.Timeout(),
		retry:     retry,
		client:    &http.Client{Transport: transport},
		logger:    logger,
	}, nil
}

// Upload sends the artifact at path under the given custom id.
// Transport failures, timeouts, 429 and 5xx responses are retried
// with the client's backoff policy; any other non-2xx response is
// permanent.
func (c *Client) Upload(ctx context.Context, path, customID string) (*UploadResult, error) {
	c.logger.Log("msg", "uploading artifact", "path", path, "custom_id", customID)

	var result *UploadResult
	attempts := 0
	err := c.retry.Do(ctx, c.logger, "browserstack upload", func() error {
		attempts++
		r, err := c.uploadOnce(ctx, path, customID)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Retries = attempts - 1
	c.logger.Log("msg", "upload successful", "app_id", result.AppID, "retries", result.Retries)
	return result, nil
}

func (c *Client) uploadOnce(ctx context.Context, path, customID string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening artifact %s", path)
	}
	defer f.Close()

	var body io.Reader = f
	var bar *pb.ProgressBar
	if c.ShowProgress {
		if info, err := f.Stat(); err == nil {
			bar = pb.Full.Start64(info.Size())
			body = bar.NewProxyReader(f)
			defer bar.Finish()
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			if _, err = io.Copy(part, body); err == nil {
				if err = mw.WriteField("custom_id", customID); err == nil {
					err = mw.Close()
				}
			}
		}
		pw.CloseWithError(err)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	level.Debug(c.logger).Log("msg", "sending upload request", "endpoint", c.endpoint, "timeout", c.timeout)
	req, err := http.NewRequest("POST", c.endpoint, pr)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(c.username, c.accessKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// transport failure or timeout
		return nil, backoff.Transient(errors.Wrap(err, "upload request"))
	}
	defer resp.Body.Close()

	raw, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, backoff.Transient(errors.Errorf("upload returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("upload returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		AppURL   string `json:"app_url"`
		CustomID string `json:"custom_id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &InvalidResponseError{Body: string(raw)}
	}
	if parsed.AppURL == "" {
		return nil, &InvalidResponseError{Body: string(raw)}
	}

	return &UploadResult{
		AppID:     parsed.AppURL,
		AppURL:    parsed.AppURL,
		CustomID:  customID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetAppDetails looks up an uploaded app by its bs:// reference.
func (c *Client) GetAppDetails(ctx context.Context, appID string) (map[string]interface{}, error) {
	return c.appRequest(ctx, "GET", appID)
}

// DeleteApp removes an uploaded app from BrowserStack.
func (c *Client) DeleteApp(ctx context.Context, appID string) error {
	_, err := c.appRequest(ctx, "DELETE", appID)
	return err
}

func (c *Client) appRequest(ctx context.Context, method, appID string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	endpoint := c.endpoint + "/" + strings.TrimPrefix(appID, "bs://")
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.SetBasicAuth(c.username, c.accessKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	defer resp.Body.Close()

	raw, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("%s %s returned HTTP %d", method, endpoint, resp.StatusCode)
	}

	var details map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &details); err != nil {
			return nil, &InvalidResponseError{Body: string(raw)}
		}
	}
	return details, nil
}
