package builtin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

type browserInput struct {
	Action   string  `json:"action"`
	URL      string  `json:"url"`
	Selector string  `json:"selector"`
	Text     string  `json:"text"`
	Script   string  `json:"script"`
	Timeout  float64 `json:"timeout"`
	FullPage bool    `json:"full_page"`
}

type browserTool struct {
	toolregistry.NoPolicyHook
	once sync.Once
	pool *browserPool
}

// NewBrowserTool returns the "browser" built-in tool: headless Chromium
// navigation, interaction, extraction, and screenshot capture for agents
// that need to read or drive a live web page. Narrowed onto
// toolregistry.Tool and this repo's permission model, with NetAccess
// scoped to the page's host rather than left ungated.
func NewBrowserTool() toolregistry.Tool {
	return &browserTool{}
}

func (b *browserTool) ensurePool() *browserPool {
	b.once.Do(func() {
		b.pool = newBrowserPool(browserPoolConfig{Headless: true})
	})
	return b.pool
}

func (b *browserTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name: "browser",
		Description: "Automate a headless web browser: navigate, click, type, take screenshots, " +
			"extract text or HTML, wait for an element or navigation, and run JavaScript.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["navigate", "click", "type", "screenshot", "extract_text", "extract_html", "wait_for_element", "wait_for_navigation", "execute_js"]
				},
				"url": {"type": "string", "description": "required for navigate"},
				"selector": {"type": "string", "description": "required for click, type, wait_for_element; optional scope for extract_text/extract_html"},
				"text": {"type": "string", "description": "required for type"},
				"script": {"type": "string", "description": "required for execute_js"},
				"timeout": {"type": "number", "description": "milliseconds, default 30000"},
				"full_page": {"type": "boolean"}
			},
			"required": ["action"]
		}`),
	}
}

// RequiredPermissions grants NetAccess scoped to the target URL's host for
// navigate, and to "*" for every other action: those act on whatever page
// is already loaded in the pooled instance, which may have been navigated
// to by a prior call in the same session.
func (b *browserTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in browserInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Action != "navigate" {
		return []permission.Permission{permission.NetAccess{Domain: "*"}}, nil
	}
	host := "*"
	if parsed, err := url.Parse(in.URL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	return []permission.Permission{permission.NetAccess{Domain: host}}, nil
}

func (b *browserTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in browserInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}

	pool := b.ensurePool()
	inst, err := pool.Acquire(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("acquire browser: %v", err)), nil
	}
	defer pool.Release(inst)

	switch in.Action {
	case "navigate":
		return browserNavigate(inst, in)
	case "click":
		return browserClick(inst, in)
	case "type":
		return browserType(inst, in)
	case "screenshot":
		return browserScreenshot(inst, in)
	case "extract_text":
		return browserExtractText(inst, in)
	case "extract_html":
		return browserExtractHTML(inst, in)
	case "wait_for_element":
		return browserWaitForElement(inst, in)
	case "wait_for_navigation":
		return browserWaitForNavigation(inst, in)
	case "execute_js":
		return browserExecuteJS(inst, in)
	default:
		return errorResult("unknown action: " + in.Action), nil
	}
}

func browserNavigate(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	if in.URL == "" {
		return errorResult("url is required for navigate"), nil
	}
	if _, err := inst.Page.Goto(in.URL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return errorResult(fmt.Sprintf("navigation failed: %v", err)), nil
	}
	return textResult("navigated to " + in.URL), nil
}

func browserClick(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	if in.Selector == "" {
		return errorResult("selector is required for click"), nil
	}
	if err := inst.Page.Click(in.Selector); err != nil {
		return errorResult(fmt.Sprintf("click failed: %v", err)), nil
	}
	return textResult("clicked " + in.Selector), nil
}

func browserType(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	if in.Selector == "" {
		return errorResult("selector is required for type"), nil
	}
	if err := inst.Page.Fill(in.Selector, in.Text); err != nil {
		return errorResult(fmt.Sprintf("type failed: %v", err)), nil
	}
	return textResult("typed text into " + in.Selector), nil
}

func browserScreenshot(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	shot, err := inst.Page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(in.FullPage),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("screenshot failed: %v", err)), nil
	}
	content, _ := json.Marshal(map[string]string{
		"image_base64": base64.StdEncoding.EncodeToString(shot),
		"mime_type":    "image/png",
	})
	return models.ToolResult{Content: content}, nil
}

func browserExtractText(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	selector := in.Selector
	if selector == "" {
		selector = "body"
	}
	text, err := inst.Page.TextContent(selector)
	if err != nil {
		return errorResult(fmt.Sprintf("text extraction failed: %v", err)), nil
	}
	return textResult(text), nil
}

func browserExtractHTML(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	if in.Selector == "" {
		html, err := inst.Page.Content()
		if err != nil {
			return errorResult(fmt.Sprintf("HTML extraction failed: %v", err)), nil
		}
		return textResult(html), nil
	}
	result, err := inst.Page.Evaluate(fmt.Sprintf("document.querySelector(%q).innerHTML", in.Selector))
	if err != nil {
		return errorResult(fmt.Sprintf("HTML extraction failed: %v", err)), nil
	}
	return textResult(fmt.Sprintf("%v", result)), nil
}

func browserWaitForElement(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	if in.Selector == "" {
		return errorResult("selector is required for wait_for_element"), nil
	}
	timeout := in.Timeout
	if timeout == 0 {
		timeout = float64(30 * time.Second / time.Millisecond)
	}
	if _, err := inst.Page.WaitForSelector(in.Selector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(timeout),
	}); err != nil {
		return errorResult(fmt.Sprintf("wait for element failed: %v", err)), nil
	}
	return textResult("element appeared: " + in.Selector), nil
}

func browserWaitForNavigation(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	timeout := in.Timeout
	if timeout == 0 {
		timeout = float64(30 * time.Second / time.Millisecond)
	}
	if err := inst.Page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		Timeout: playwright.Float(timeout),
	}); err != nil {
		return errorResult(fmt.Sprintf("wait for navigation failed: %v", err)), nil
	}
	return textResult("navigation completed"), nil
}

func browserExecuteJS(inst *browserInstance, in browserInput) (models.ToolResult, error) {
	if in.Script == "" {
		return errorResult("script is required for execute_js"), nil
	}
	result, err := inst.Page.Evaluate(in.Script)
	if err != nil {
		return errorResult(fmt.Sprintf("JavaScript execution failed: %v", err)), nil
	}
	return textResult(fmt.Sprintf("%v", result)), nil
}
