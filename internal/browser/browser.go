// Package browser 启动本地 Chrome 并等待 DevTools 端点就绪
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"trackshield/internal/logger"
	"trackshield/pkg/domain"
)

// DefaultPort 首选的远程调试端口
const DefaultPort = 9222

// ErrNotFound 找不到浏览器可执行文件
var ErrNotFound = errors.New("chrome executable not found")

// Options 浏览器启动选项
type Options struct {
	ExecPath            string   // 可执行文件路径，空则自动查找
	UserDataDir         string   // 用户数据目录，空则使用临时目录
	RemoteDebuggingPort int      // 0 表示首选 DefaultPort，被占用时随机
	Headless            bool
	StartURL            string   // 启动后打开的页面
	Args                []string // 额外启动参数
	ReadyTimeout        time.Duration
	Output              io.Writer // 浏览器 stdout/stderr，nil 丢弃
	Logger              logger.Logger
}

// Browser 已启动的浏览器进程
type Browser struct {
	cmd         *exec.Cmd
	DevToolsURL string
	port        int
	log         logger.Logger
}

// Start 启动浏览器并等待 DevTools 就绪
func Start(ctx context.Context, opts Options) (*Browser, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("component", "browser")

	exe := opts.ExecPath
	if exe == "" {
		exe = defaultChromePath()
	}
	if exe == "" {
		return nil, ErrNotFound
	}

	preferred := opts.RemoteDebuggingPort
	if preferred == 0 {
		preferred = DefaultPort
	}
	port, err := pickPort(preferred)
	if err != nil {
		return nil, fmt.Errorf("pick port: %w", err)
	}

	args, err := buildLaunchArgs(port, opts)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, exe, args...)
	if opts.Output != nil {
		cmd.Stdout = opts.Output
		cmd.Stderr = opts.Output
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrowserStartFailed, err)
	}

	b := &Browser{cmd: cmd, DevToolsURL: fmt.Sprintf("http://127.0.0.1:%d", port), port: port, log: log}
	log.Info("浏览器进程已启动", "exe", exe, "port", port, "pid", cmd.Process.Pid)

	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := waitDevToolsReady(waitCtx, b.DevToolsURL); err != nil {
		_ = b.Stop(2 * time.Second)
		return nil, fmt.Errorf("%w: devtools not ready: %v", domain.ErrBrowserStartFailed, err)
	}
	return b, nil
}

// Port 远程调试端口
func (b *Browser) Port() int { return b.port }

// Stop 结束浏览器进程
func (b *Browser) Stop(timeout time.Duration) error {
	if b == nil || b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()
	_ = b.cmd.Process.Kill()
	select {
	case <-time.After(timeout):
		return errors.New("browser stop timeout")
	case err := <-done:
		b.log.Info("浏览器进程已退出")
		return err
	}
}

func defaultChromePath() string {
	for _, p := range chromePaths(runtime.GOOS) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, name := range []string{"chrome", "google-chrome", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func chromePaths(goos string) []string {
	switch goos {
	case "windows":
		return []string{
			filepath.Join(os.Getenv("ProgramFiles"), "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(os.Getenv("LOCALAPPDATA"), "Google", "Chrome", "Application", "chrome.exe"),
		}
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			filepath.Join(os.Getenv("HOME"), "Applications", "Google Chrome.app", "Contents", "MacOS", "Google Chrome"),
		}
	case "linux":
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	default:
		return nil
	}
}

// pickPort 优先使用指定端口，被占用时选择随机空闲端口
func pickPort(preferred int) (int, error) {
	if preferred > 0 {
		if l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred)); err == nil {
			_ = l.Close()
			return preferred, nil
		}
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func buildLaunchArgs(port int, opts Options) ([]string, error) {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-breakpad",
		"--disable-client-side-phishing-detection",
		"--disable-default-apps",
		"--disable-extensions",
		"--disable-sync",
		"--disable-translate",
		"--metrics-recording-only",
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}

	dir := opts.UserDataDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("%s-chrome-%d", logger.AppName, time.Now().Unix()))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create user data dir: %w", err)
	}
	args = append(args, "--user-data-dir="+dir)

	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	args = append(args, opts.Args...)
	if opts.StartURL != "" {
		args = append(args, opts.StartURL)
	}
	return args, nil
}

// waitDevToolsReady 轮询 /json/version 直到返回 200
func waitDevToolsReady(ctx context.Context, base string) error {
	endpoint := base + "/json/version"
	cli := &http.Client{Timeout: 500 * time.Millisecond}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err == nil {
			if resp, err := cli.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("devtools not ready after timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
