package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/chromedp/chromedp"

	"github.com/spachava753/flaskgrader/internal/models"
)

// ChromeDriver runs pages as tabs of one Chrome process.
type ChromeDriver struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromeDriver launches Chrome. The process lives until Close.
func NewChromeDriver(ctx context.Context, cfg models.BrowserConfig) (*ChromeDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.NoSandbox,
	)
	if cfg.Width > 0 && cfg.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Width, cfg.Height))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	return &ChromeDriver{allocCancel: allocCancel, browserCtx: browserCtx, browserCancel: browserCancel}, nil
}

// NewPage opens a new tab.
func (d *ChromeDriver) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(d.browserCtx)
	// the first Run allocates the tab and must use the tab context itself
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("opening tab: %w", err)
	}
	return &chromePage{ctx: tabCtx, cancel: cancel}, nil
}

// Close shuts the browser down.
func (d *ChromeDriver) Close() error {
	err := chromedp.Cancel(d.browserCtx)
	d.browserCancel()
	d.allocCancel()
	return err
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// bound derives a context from tab that also ends with ctx. Cancelling it
// does not close the tab.
func bound(ctx, tab context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(tab)
	stop := context.AfterFunc(ctx, cancel)
	if dl, ok := ctx.Deadline(); ok {
		dlCtx, cancelDL := context.WithDeadline(runCtx, dl)
		return dlCtx, func() { cancelDL(); stop(); cancel() }
	}
	return runCtx, func() { stop(); cancel() }
}

func run(ctx, tab context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := bound(ctx, tab)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) (int, error) {
	runCtx, cancel := bound(ctx, p.ctx)
	defer cancel()
	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, fmt.Errorf("no response for %s", url)
	}
	return int(resp.Status), nil
}

// elements returns a JS expression evaluating to the array of elements
// matching selector.
func elements(selector string) string {
	if text, ok := TextSelector(selector); ok {
		lit, _ := json.Marshal(text)
		return fmt.Sprintf(`Array.from(document.querySelectorAll("body, body *")).filter(e => Array.from(e.childNodes).some(n => n.nodeType === 3 && n.textContent.includes(%s)))`, lit)
	}
	lit, _ := json.Marshal(selector)
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s))`, lit)
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	if _, ok := TextSelector(selector); ok {
		return p.jsFill(ctx, selector, value)
	}
	return run(ctx, p.ctx,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *chromePage) jsFill(ctx context.Context, selector, value string) error {
	lit, _ := json.Marshal(value)
	js := fmt.Sprintf(`(() => { const e = %s[0]; if (!e) return false; e.value = %s; e.dispatchEvent(new Event("input", {bubbles: true})); e.dispatchEvent(new Event("change", {bubbles: true})); return true; })()`, elements(selector), lit)
	var ok bool
	if err := run(ctx, p.ctx, chromedp.Evaluate(js, &ok)); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if _, ok := TextSelector(selector); !ok {
		return run(ctx, p.ctx, chromedp.Click(selector, chromedp.ByQuery))
	}
	js := fmt.Sprintf(`(() => { const e = %s[0]; if (!e) return false; e.click(); return true; })()`, elements(selector))
	var ok bool
	if err := run(ctx, p.ctx, chromedp.Evaluate(js, &ok)); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *chromePage) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := run(ctx, p.ctx, chromedp.Evaluate(elements(selector)+".length", &n))
	return n, err
}

func (p *chromePage) Texts(ctx context.Context, selector string) ([]string, error) {
	var texts []string
	err := run(ctx, p.ctx, chromedp.Evaluate(elements(selector)+`.map(e => e.textContent || "")`, &texts))
	return texts, err
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	err := run(ctx, p.ctx, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html))
	return html, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var u string
	err := run(ctx, p.ctx, chromedp.Location(&u))
	return u, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var t string
	err := run(ctx, p.ctx, chromedp.Title(&t))
	return t, err
}

func (p *chromePage) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	// quality 100 selects PNG
	if err := run(ctx, p.ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0644)
}

func (p *chromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	return err
}
