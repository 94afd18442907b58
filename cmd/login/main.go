package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Driftcell/goofish-v2/internal/config"
	"github.com/Driftcell/goofish-v2/internal/pkg/logger"
	"github.com/Driftcell/goofish-v2/internal/session"
)

// main 是扫码登录工具的入口。
//
// 用法：
//
//	login ctrip   [-o cookies/ctrip.json]
//	login goofish [-o cookies/goofish.json]
//
// 打开有头浏览器等待用户完成登录，成功后把 cookie 导出到文件，
// 该文件随后通过 /login 接口上传注册租户。
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: login <ctrip|goofish> [-o output.json]")
		os.Exit(2)
	}
	platform := os.Args[1]
	switch platform {
	case "ctrip", "goofish":
	default:
		fmt.Fprintf(os.Stderr, "unsupported platform %q\n", platform)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(platform, flag.ExitOnError)
	output := fs.String("o", filepath.Join("cookies", platform+".json"), "cookie 输出文件")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// 扫码登录必须可见浏览器窗口。
	cfg.Browser.Headless = false

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	browser, err := session.StartBrowser(ctx, cfg.Browser, appLogger)
	if err != nil {
		log.Fatalf("start browser: %v", err)
	}
	defer func() { _ = browser.Close() }()

	checker := session.NewChecker(browser, cfg.Ctrip.Entrypoint, appLogger)
	flow := session.NewLoginFlow(checker)

	appLogger.Info("waiting for login", "platform", platform)
	cookiesJSON, err := flow.Login(ctx, platform)
	if err != nil {
		log.Fatalf("login: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(*output), 0o755); err != nil {
		log.Fatalf("create output dir: %v", err)
	}
	if err := os.WriteFile(*output, []byte(cookiesJSON), 0o600); err != nil {
		log.Fatalf("write cookies: %v", err)
	}
	appLogger.Info("cookies saved", "platform", platform, "file", *output)
}
