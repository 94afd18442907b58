package agiso

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/Driftcell/goofish-v2/internal/model"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[name]
	return ok, nil
}

func (s *memStorage) Put(_ context.Context, name string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = data
	return nil
}

func (s *memStorage) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("object %s not found", name)
	}
	return data, nil
}

type fakeUploader struct {
	mu        sync.Mutex
	uploaded  [][]byte
	uploadErr error
	published []map[string]any
	drafts    []bool
}

func (f *fakeUploader) UploadImage(_ context.Context, image []byte) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploaded = append(f.uploaded, image)
	return json.RawMessage(fmt.Sprintf(`{"idx":%d}`, len(f.uploaded))), nil
}

func (f *fakeUploader) Publish(_ context.Context, body map[string]any, draft bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, body)
	f.drafts = append(f.drafts, draft)
	return nil
}

func (f *fakeUploader) lastBody(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing published")
	}
	return f.published[len(f.published)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testItem() *model.MergedItem {
	return &model.MergedItem{
		Token:      "tenant-1",
		ProductID:  "abc123",
		Title:      "两晚连住北京特惠",
		SubName:    "周末特惠",
		Price:      188,
		Images:     model.EncodeList([]string{"a.png", "b.png"}),
		Copywriter: "商品文案正文",
		ShortURLs: model.EncodeShortURLs([]model.ShortURL{
			{ShortURL: "https://s.example/a", Description: "周末特惠房"},
			{ShortURL: "https://s.example/b", Description: "连住两晚房"},
		}),
	}
}

func TestPublishItemUploadsAndBuildsBody(t *testing.T) {
	storage := newMemStorage()
	storage.objects["a.png"] = []byte("img-a")
	storage.objects["b.png"] = []byte("img-b")
	up := &fakeUploader{}
	p := NewPublisher(up, storage, discardLogger())

	item := testItem()
	err := p.PublishItem(context.Background(), item, PublishOptions{PriceMode: "smart", Draft: true})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(up.uploaded) != 2 {
		t.Fatalf("uploaded %d images, want 2", len(up.uploaded))
	}
	if !up.drafts[0] {
		t.Fatal("draft flag should pass through")
	}
	body := up.lastBody(t)
	if body["title"] != "两晚连住北京特惠" || body["outerId"] != "abc123" {
		t.Fatalf("unexpected body identity fields: %v", body)
	}
	// smart 模式沿用商品自身价格
	if body["reservePrice"] != 188.0 {
		t.Fatalf("reservePrice = %v", body["reservePrice"])
	}
	if imgs := body["imgList"].([]json.RawMessage); len(imgs) != 2 {
		t.Fatalf("imgList has %d entries", len(imgs))
	}
}

func TestPublishItemFixedPriceAndTitleFallback(t *testing.T) {
	storage := newMemStorage()
	storage.objects["a.png"] = []byte("img-a")
	up := &fakeUploader{}
	p := NewPublisher(up, storage, discardLogger())

	item := testItem()
	item.Title = ""
	item.Images = model.EncodeList([]string{"a.png"})
	err := p.PublishItem(context.Background(), item, PublishOptions{PriceMode: "fixed", Price: 9.9})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	body := up.lastBody(t)
	if body["reservePrice"] != 9.9 {
		t.Fatalf("fixed price not applied: %v", body["reservePrice"])
	}
	if body["title"] != "周末特惠" {
		t.Fatalf("title should fall back to sub name, got %v", body["title"])
	}
}

func TestPublishItemSkipsOversizedAndMissingImages(t *testing.T) {
	storage := newMemStorage()
	storage.objects["big.png"] = bytes.Repeat([]byte{0xff}, maxPublishImageBytes)
	storage.objects["ok.png"] = []byte("img-ok")
	up := &fakeUploader{}
	p := NewPublisher(up, storage, discardLogger())

	item := testItem()
	item.Images = model.EncodeList([]string{"big.png", "missing.png", "ok.png"})
	if err := p.PublishItem(context.Background(), item, PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(up.uploaded) != 1 || string(up.uploaded[0]) != "img-ok" {
		t.Fatalf("only the usable image should upload, got %d", len(up.uploaded))
	}
}

func TestPublishItemNoUsableImages(t *testing.T) {
	up := &fakeUploader{uploadErr: errors.New("upstream down")}
	storage := newMemStorage()
	storage.objects["a.png"] = []byte("img-a")
	p := NewPublisher(up, storage, discardLogger())

	err := p.PublishItem(context.Background(), testItem(), PublishOptions{})
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("err = %v, want ErrNoImages", err)
	}
	if len(up.published) != 0 {
		t.Fatal("nothing should be published without images")
	}
}

func TestRenderDescription(t *testing.T) {
	p := NewPublisher(&fakeUploader{}, newMemStorage(), discardLogger())
	item := testItem()

	if got := p.renderDescription(item, ""); got != "商品文案正文" {
		t.Fatalf("empty template should yield copywriter, got %q", got)
	}

	template := "详情：{goods_information}\n可选：{goods_content_without_link}"
	want := "详情：商品文案正文\n可选：周末特惠房\n连住两晚房"
	if got := p.renderDescription(item, template); got != want {
		t.Fatalf("rendered = %q, want %q", got, want)
	}
}
