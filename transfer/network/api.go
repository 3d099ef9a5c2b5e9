package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// APIClient talks to the chunk upload service over HTTP.
// Chunks are sent with a plain client because the engine owns chunk retries itself;
// the merge handshake goes through a retrying client.
type APIClient struct {
	uploadURL   string
	headers     map[string]string
	chunkClient *http.Client
	mergeClient *retryablehttp.Client
	logger      log.Logger
}

// NewAPIClient creates a Transport for the upload service at uploadURL.
// headers are forwarded verbatim on every request. If chunkClient is nil,
// a default client tuned for parallel chunk uploads is used.
func NewAPIClient(uploadURL string, headers map[string]string, chunkClient *http.Client, logger log.Logger) *APIClient {
	if chunkClient == nil {
		chunkClient = DefaultHTTPClient()
	}
	return &APIClient{
		uploadURL:   uploadURL,
		headers:     headers,
		chunkClient: chunkClient,
		mergeClient: retryhttp.NewClient(logger),
		logger:      logger,
	}
}

// DefaultHTTPClient creates an HTTP client optimized for parallel chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// SendChunk uploads one chunk as a multipart POST.
func (c *APIClient) SendChunk(ctx context.Context, req ChunkRequest) (ChunkResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		"fileId":      req.FileID,
		"fileName":    req.FileName,
		"chunkIndex":  strconv.Itoa(req.ChunkIndex),
		"totalChunks": strconv.Itoa(req.TotalChunks),
		"chunkSize":   strconv.FormatInt(req.ChunkSize, 10),
		"totalSize":   strconv.FormatInt(req.TotalSize, 10),
	}
	if req.ResumeToken != "" {
		fields["resumeToken"] = req.ResumeToken
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return ChunkResponse{}, fmt.Errorf("write field %s: %w", name, err)
		}
	}

	part, err := writer.CreateFormFile("file", req.FileName)
	if err != nil {
		return ChunkResponse{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return ChunkResponse{}, fmt.Errorf("read chunk %d: %w", req.ChunkIndex, err)
	}
	if err := writer.Close(); err != nil {
		return ChunkResponse{}, fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &buf)
	if err != nil {
		return ChunkResponse{}, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.chunkClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ChunkResponse{}, fmt.Errorf("chunk %d upload cancelled: %w", req.ChunkIndex, ctx.Err())
		}
		return ChunkResponse{}, fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChunkResponse{}, unwrapError(resp)
	}

	var response ChunkResponse
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChunkResponse{}, fmt.Errorf("read response body: %w", err)
	}
	if len(body) > 0 {
		// The body may carry fields beyond the resume token; those are opaque to us.
		if err := json.Unmarshal(body, &response); err != nil {
			c.logger.Debugf("chunk %d: response body is not JSON, no resume token extracted", req.ChunkIndex)
		}
	}

	return response, nil
}

// Finalize POSTs the merge request once all chunks are confirmed.
func (c *APIClient) Finalize(ctx context.Context, req FinalizeRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	mergeReq, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/merge", c.uploadURL), body)
	if err != nil {
		return nil, err
	}
	mergeReq = mergeReq.WithContext(ctx)
	mergeReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		mergeReq.Header.Set(k, v)
	}

	resp, err := c.mergeClient.Do(mergeReq)
	if err != nil {
		return nil, fmt.Errorf("merge request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unwrapError(resp)
	}

	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read merge response: %w", err)
	}

	return result, nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
