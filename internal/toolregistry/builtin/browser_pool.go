package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// browserInstance wraps one Playwright browser/context/page triple, the
// unit a browserPool hands out for a single tool call.
type browserInstance struct {
	Browser playwright.Browser
	Context playwright.BrowserContext
	Page    playwright.Page
}

func (inst *browserInstance) cleanup() {
	if inst.Page != nil {
		inst.Page.Close()
	}
	if inst.Context != nil {
		inst.Context.Close()
	}
	if inst.Browser != nil {
		inst.Browser.Close()
	}
}

// browserPoolConfig configures browserPool's resource limits, adapted from
// internal/tools/browser.PoolConfig.
type browserPoolConfig struct {
	MaxInstances int
	Timeout      time.Duration
	Headless     bool
	RemoteURL    string
}

// browserPool is a bounded, lazily-initialized pool of headless Chromium
// instances the "browser" tool checks instances out of for the duration of
// one Execute call. Grounded on internal/tools/browser/pool.go's Pool,
// trimmed of user-agent rotation and viewport configuration, which
// SPEC_FULL.md's browser tool leaves to the page defaults.
type browserPool struct {
	cfg browserPoolConfig

	mu        sync.Mutex
	pw        *playwright.Playwright
	created   int
	instances chan *browserInstance
	closed    bool
}

func newBrowserPool(cfg browserPoolConfig) *browserPool {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &browserPool{cfg: cfg, instances: make(chan *browserInstance, cfg.MaxInstances)}
}

func (p *browserPool) ensureStarted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pw != nil || p.closed {
		return nil
	}
	if strings.TrimSpace(p.cfg.RemoteURL) == "" {
		if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
			return fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	p.pw = pw
	return nil
}

func (p *browserPool) Acquire(ctx context.Context) (*browserInstance, error) {
	if err := p.ensureStarted(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("browser pool is closed")
	}
	select {
	case inst := <-p.instances:
		p.mu.Unlock()
		return inst, nil
	default:
	}
	if p.created >= p.cfg.MaxInstances {
		p.mu.Unlock()
		select {
		case inst := <-p.instances:
			return inst, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.created++
	p.mu.Unlock()

	inst, err := p.createInstance()
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, err
	}
	return inst, nil
}

func (p *browserPool) Release(inst *browserInstance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		inst.cleanup()
		p.created--
		return
	}
	select {
	case p.instances <- inst:
	default:
		inst.cleanup()
		p.created--
	}
}

func (p *browserPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.instances)
	for inst := range p.instances {
		inst.cleanup()
	}
	if p.pw != nil {
		return p.pw.Stop()
	}
	return nil
}

func (p *browserPool) createInstance() (*browserInstance, error) {
	var browser playwright.Browser
	var err error
	if remote := normalizeRemoteBrowserURL(p.cfg.RemoteURL); remote != "" {
		browser, err = p.pw.Chromium.Connect(remote)
	} else {
		browser, err = p.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(p.cfg.Headless),
			Timeout:  playwright.Float(float64(p.cfg.Timeout.Milliseconds())),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	page.SetDefaultTimeout(float64(p.cfg.Timeout.Milliseconds()))

	return &browserInstance{Browser: browser, Context: browserCtx, Page: page}, nil
}

func normalizeRemoteBrowserURL(raw string) string {
	value := strings.TrimSpace(raw)
	switch {
	case value == "":
		return ""
	case strings.HasPrefix(value, "http://"):
		return "ws://" + strings.TrimPrefix(value, "http://")
	case strings.HasPrefix(value, "https://"):
		return "wss://" + strings.TrimPrefix(value, "https://")
	default:
		return value
	}
}
