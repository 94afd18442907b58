// Package report 把流水线执行摘要整理成邮件发给租户配置的收件人。
package report

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/Driftcell/goofish-v2/internal/config"
	"github.com/Driftcell/goofish-v2/internal/pipeline"
)

// Sender 通过 SMTP 发送运行报告。
type Sender struct {
	cfg config.EmailConfig
	log *slog.Logger
}

// NewSender 创建发送器。
func NewSender(cfg config.EmailConfig, log *slog.Logger) *Sender {
	return &Sender{cfg: cfg, log: log}
}

// SendRunReport 发送一次执行的摘要邮件。收件地址为空时静默跳过。
func (s *Sender) SendRunReport(to string, summary *pipeline.RunSummary) error {
	if to == "" {
		return nil
	}
	if s.cfg.SMTPHost == "" || s.cfg.SMTPUser == "" {
		s.log.Warn("smtp not configured, skip run report", "to", to)
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.cfg.FromEmail)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("自动上架运行报告 %s", summary.StartedAt.Format("2006-01-02 15:04")))
	msg.SetBody("text/plain", FormatSummary(summary))

	dialer := gomail.NewDialer(s.cfg.SMTPHost, s.cfg.SMTPPort, s.cfg.SMTPUser, s.cfg.SMTPPass)
	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send run report: %w", err)
	}
	s.log.Info("run report sent", "to", to)
	return nil
}

// FormatSummary 渲染纯文本报告正文。
func FormatSummary(summary *pipeline.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "执行耗时：%s\n", summary.Duration().Round(time.Second))
	fmt.Fprintf(&b, "\n[抓取]\n")
	fmt.Fprintf(&b, "页数：%d，商品：%d，失败：%d\n", summary.Scrape.Pages, summary.Scrape.Products, summary.Scrape.Failures)
	fmt.Fprintf(&b, "\n[图片]\n")
	fmt.Fprintf(&b, "入库：%d，跳过：%d，失败：%d\n", summary.Images.Stored, summary.Images.Skipped, summary.Images.Failed)
	fmt.Fprintf(&b, "\n[合并]\n")
	fmt.Fprintf(&b, "产出商品：%d，标题生成失败：%d\n", summary.Merged, summary.TitleFailures)
	fmt.Fprintf(&b, "\n[上架]\n")
	fmt.Fprintf(&b, "成功：%d，已在售跳过：%d，过滤跳过：%d，失败：%d\n",
		summary.Published, summary.SkippedExisting, summary.SkippedFilter, summary.PublishFailures)
	if summary.QuotaReached {
		b.WriteString("本轮已达上架配额，剩余商品顺延。\n")
	}
	return b.String()
}
