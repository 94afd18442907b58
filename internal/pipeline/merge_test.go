package pipeline

import (
	"testing"

	"github.com/Driftcell/goofish-v2/internal/model"
)

func rawProduct(id, subName string, price float64) model.RawProduct {
	return model.RawProduct{
		Token:       "tok-1",
		ProductID:   id,
		Name:        "商品" + id,
		SubName:     subName,
		Price:       price,
		Images:      model.EncodeList([]string{"https://img.example.com/path/" + id + ".jpg"}),
		ShortURL:    "https://s.ct/" + id,
		Copywriter:  "五一-特惠-" + id,
		EndSaleDesc: "售卖截止至2026-09-30 23:59",
	}
}

func TestBuildMergedItemOrderIndependent(t *testing.T) {
	a := BuildMergedItem("tok-1", []model.RawProduct{
		rawProduct("p1", "外滩店", 200),
		rawProduct("p2", "外滩店", 150),
	})
	b := BuildMergedItem("tok-1", []model.RawProduct{
		rawProduct("p2", "外滩店", 150),
		rawProduct("p1", "外滩店", 200),
	})
	if a.ProductID != b.ProductID {
		t.Fatalf("ids differ: %s vs %s", a.ProductID, b.ProductID)
	}
	if a.OriginalIDs != b.OriginalIDs {
		t.Fatalf("original ids differ: %s vs %s", a.OriginalIDs, b.OriginalIDs)
	}
}

func TestBuildMergedItemFields(t *testing.T) {
	item := BuildMergedItem("tok-1", []model.RawProduct{
		rawProduct("p1", "外滩店", 200),
		rawProduct("p2", "外滩店", 150),
	})

	if item.Price != 150 {
		t.Fatalf("price = %v, want min 150", item.Price)
	}
	if item.SubName != "外滩店" {
		t.Fatalf("sub name = %s", item.SubName)
	}
	if item.Copywriter != "五一特惠p1" {
		t.Fatalf("copywriter = %q, want dashes stripped from first item", item.Copywriter)
	}
	if item.EndSaleDate != "2026-09-30" {
		t.Fatalf("end sale date = %q", item.EndSaleDate)
	}

	images := model.DecodeList(item.Images)
	if len(images) != 1 || images[0] != "p1.jpg" {
		t.Fatalf("images = %v, want basenames of first item", images)
	}

	shortURLs := model.DecodeShortURLs(item.ShortURLs)
	if len(shortURLs) != 2 {
		t.Fatalf("short urls = %d, want one per product", len(shortURLs))
	}
	if shortURLs[0].ShortURL != "https://s.ct/p1" || shortURLs[0].Description != "商品p1" {
		t.Fatalf("short url entry = %+v", shortURLs[0])
	}
}

func TestBuildMergedItemNoEndSaleDate(t *testing.T) {
	p := rawProduct("p1", "外滩店", 100)
	p.EndSaleDesc = "长期有效"
	item := BuildMergedItem("tok-1", []model.RawProduct{p})
	if item.EndSaleDate != "" {
		t.Fatalf("end sale date = %q, want empty", item.EndSaleDate)
	}
}

func TestBuildMergedItemEmptyGroup(t *testing.T) {
	if item := BuildMergedItem("tok-1", nil); item != nil {
		t.Fatal("empty group should yield nil")
	}
}

func TestMatchesFilter(t *testing.T) {
	item := &model.MergedItem{SubName: "外滩店", Copywriter: "江景房特惠", Title: "上海一晚"}

	if !matchesFilter(item, []string{"江景"}) {
		t.Fatal("keyword in copywriter should match")
	}
	if !matchesFilter(item, []string{"一晚"}) {
		t.Fatal("keyword in title should match")
	}
	if matchesFilter(item, []string{"北京"}) {
		t.Fatal("unrelated keyword should not match")
	}
	if matchesFilter(item, []string{""}) {
		t.Fatal("empty keyword should not match")
	}
	if matchesFilter(item, nil) {
		t.Fatal("no keywords should not match")
	}
}
