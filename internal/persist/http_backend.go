package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maoniu-cloud/collab-broker/internal/logger"
)

// HTTPBackend 通过主站接口保存画布数据
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *HTTPBackend) Flush(ctx context.Context, workID string, payload []byte, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/work/"+workID, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	req.Header.Set("authorization", token)
	req.Header.Set("content-type", "application/json")

	startTime := time.Now()
	resp, err := b.client.Do(req)
	logger.DebugF("work save cost: %v", time.Since(startTime))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrPersistFailed, resp.StatusCode)
	}
	return nil
}
