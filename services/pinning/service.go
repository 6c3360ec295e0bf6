package pinning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"trophymint/pkg/client"
	"trophymint/pkg/config"
)

var (
	// ErrUnavailable marks retryable failures: network errors and 5xx from
	// the pin service or the object store.
	ErrUnavailable = errors.New("pinning: service unavailable")

	// ErrArtifactMissing marks a catalog artifact whose object is gone from
	// the store. Terminal; retrying cannot help.
	ErrArtifactMissing = errors.New("pinning: artifact object missing")
)

type Service interface {
	// PinObject fetches the artifact object from the store and pins it,
	// returning the content identifier.
	PinObject(ctx context.Context, objectKey string) (string, error)

	// PinBytes pins raw bytes under the given name.
	PinBytes(ctx context.Context, name string, data []byte) (string, error)
}

type fetchFunc func(ctx context.Context, bucket, key string) (io.ReadCloser, error)

type service struct {
	cfg   *config.Config
	http  *http.Client
	fetch fetchFunc
}

func New(cfg *config.Config, store *minio.Client) Service {
	timeout := cfg.Pinning.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	fetch := func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
		if store == nil {
			return nil, fmt.Errorf("%w: object store not configured", ErrUnavailable)
		}
		return store.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	}

	return &service{
		cfg:   cfg,
		http:  client.NewRetryable(timeout),
		fetch: fetch,
	}
}

func (s *service) PinObject(ctx context.Context, objectKey string) (string, error) {
	obj, err := s.fetch(ctx, s.cfg.Minio.BucketName, objectKey)
	if err != nil {
		return "", classifyStoreErr(objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", classifyStoreErr(objectKey, err)
	}

	return s.PinBytes(ctx, path.Base(objectKey), data)
}

func classifyStoreErr(objectKey string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, objectKey)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

func (s *service) PinBytes(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(s.cfg.Pinning.Endpoint, "/") + "/api/v0/add?cid-version=1&pin=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if s.cfg.Pinning.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Pinning.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("pinning: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out addResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pinning: decode response: %w", err)
	}
	if out.Hash == "" {
		return "", errors.New("pinning: empty content id in response")
	}

	zap.L().Info("✅ [Pinning] content pinned",
		zap.String("name", name),
		zap.String("cid", out.Hash),
	)

	return out.Hash, nil
}
