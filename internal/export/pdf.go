package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

var browserBinaries = []string{"chromium-browser", "chromium", "google-chrome"}

// bookLayout is the printed trim size in inches.
type bookLayout struct {
	Width  float64
	Height float64
	Margin float64
}

// layoutFor picks a trim size by audience: square board books for the
// youngest readers, a wider picture book through early school years, then
// a chapter-book page.
func layoutFor(ageGroup string) bookLayout {
	switch ageGroup {
	case "0_3":
		return bookLayout{Width: 8, Height: 8, Margin: 0.6}
	case "3_6", "6_9":
		return bookLayout{Width: 10, Height: 8, Margin: 0.6}
	default:
		return bookLayout{Width: 6, Height: 9, Margin: 0.75}
	}
}

func findBrowser() (string, error) {
	for _, name := range browserBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s on PATH", ErrPDFDependencyMissing, strings.Join(browserBinaries, ", "))
}

// percentEncodeForDataURL encodes a string for use in a data URL.
// Spaces become %20, never +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				fmt.Fprintf(&result, "%%%02X", b)
			}
		}
	}
	return result.String()
}

// printStoryPDF prints the rendered story HTML with headless Chrome.
func printStoryPDF(parent context.Context, html string, story Story) (*Result, error) {
	browser, err := findBrowser()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(browser),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	layout := layoutFor(story.AgeGroup)
	var pdfData []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("data:text/html;charset=utf-8,"+percentEncodeForDataURL(html)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(layout.Width).
				WithPaperHeight(layout.Height).
				WithMarginTop(layout.Margin).
				WithMarginBottom(layout.Margin).
				WithMarginLeft(layout.Margin).
				WithMarginRight(layout.Margin).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print story %s: %w", story.DraftID, err)
	}

	return &Result{
		Data:     pdfData,
		Filename: storyFilename(story) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

// storyFilename prefers the title and falls back to the draft id.
func storyFilename(story Story) string {
	if name := sanitizeFilename(story.Title); name != "story" {
		return name
	}
	if id := sanitizeFilename(story.DraftID); id != "story" {
		return "story-" + id
	}
	return "story"
}

// sanitizeFilename keeps ASCII letters, digits, dashes and underscores.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		case r == '-', r == '_':
			b.WriteRune(r)
		}
	}

	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "story"
	}
	return result
}
