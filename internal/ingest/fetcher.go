package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/Driftcell/goofish-v2/internal/objstore"
	"github.com/Driftcell/goofish-v2/internal/pkg/dedup"
)

const maxImageBytes = 20 << 20 // 下载侧的防御上限，上架侧另有 10MB 限制

// Fetcher 下载图片并写入对象存储，窗口内重复 URL 直接跳过。
type Fetcher struct {
	httpc   *http.Client
	storage objstore.Storage
	deduper *dedup.Deduper
}

// NewFetcher 创建下载器。
func NewFetcher(storage objstore.Storage, deduper *dedup.Deduper) *Fetcher {
	return &Fetcher{
		httpc:   &http.Client{Timeout: 30 * time.Second},
		storage: storage,
		deduper: deduper,
	}
}

// Process 实现 ProcessFunc。
func (f *Fetcher) Process(ctx context.Context, task Task) (Outcome, error) {
	seen, err := f.deduper.Seen(ctx, task.URL)
	if err != nil {
		return Failed, err
	}
	if seen {
		return Skipped, nil
	}

	exists, err := f.storage.Exists(ctx, task.Name)
	if err != nil {
		return Failed, err
	}
	if exists {
		return Skipped, nil
	}

	var data []byte
	var contentType string
	err = retry.Do(
		func() error {
			var fetchErr error
			data, contentType, fetchErr = f.fetch(ctx, task.URL)
			return fetchErr
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		// 下载失败释放去重键，下一轮可重试
		_ = f.deduper.Forget(ctx, task.URL)
		return Failed, err
	}

	if err := f.storage.Put(ctx, task.Name, data, contentType); err != nil {
		_ = f.deduper.Forget(ctx, task.URL)
		return Failed, err
	}
	return Stored, nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("fetch image: larger than %d bytes", maxImageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}
