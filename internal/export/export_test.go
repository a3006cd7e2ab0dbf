package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleStory() Story {
	return Story{
		DraftID:     "drf_1",
		Title:       "Mia and the Big Storm",
		TopicKey:    "thunderstorms",
		AgeGroup:    "3_5",
		KeyMessage:  "Big feelings get smaller when we breathe.",
		CopingTools: []string{"balloon_breathing"},
		Pages: []Page{
			{Number: 1, Text: "The sky rumbled.", ImagePrompt: "dark clouds over a small house"},
			{Number: 2, Text: "Mia breathed <slowly> like a balloon."},
		},
		ApprovedBy: "dr-lee",
		ApprovedAt: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC),
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Mia and the Storm v1.2", "Mia-and-the-Storm-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "story"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderStoryHTML(t *testing.T) {
	html, err := RenderStoryHTML(sampleStory())
	if err != nil {
		t.Fatalf("RenderStoryHTML failed: %v", err)
	}

	for _, want := range []string{
		"<title>Mia and the Big Storm</title>",
		"Page 1",
		"Page 2",
		"The sky rumbled.",
		"Illustration: dark clouds over a small house",
		"balloon_breathing",
		"approved Apr 2, 2026 by dr-lee",
		"Big feelings get smaller when we breathe.",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("expected HTML to contain %q", want)
		}
	}
	if strings.Contains(html, "<slowly>") {
		t.Error("page text must be escaped")
	}
	if strings.Index(html, "Page 1") > strings.Index(html, "Page 2") {
		t.Error("pages must render in order")
	}
}

func TestServiceExportHTML(t *testing.T) {
	svc := NewService()
	result, err := svc.Export(context.Background(), sampleStory(), FormatHTML)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.Filename != "Mia-and-the-Big-Storm.html" {
		t.Fatalf("unexpected filename %q", result.Filename)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") || len(result.Data) == 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestServiceExportPDFUsesRenderer(t *testing.T) {
	svc := NewService()
	var gotTitle string
	svc.renderPDF = func(_ context.Context, html string, story Story) (*Result, error) {
		gotTitle = story.Title
		if !strings.Contains(html, "The sky rumbled.") {
			t.Fatalf("renderer received unexpected html")
		}
		return &Result{Data: []byte("%PDF"), Filename: storyFilename(story) + ".pdf", MimeType: "application/pdf"}, nil
	}

	result, err := svc.Export(context.Background(), sampleStory(), FormatPDF)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if gotTitle != "Mia and the Big Storm" || result.MimeType != "application/pdf" {
		t.Fatalf("unexpected pdf result %+v (title %q)", result, gotTitle)
	}
}

func TestServiceExportRejectsUnknownFormat(t *testing.T) {
	_, err := NewService().Export(context.Background(), sampleStory(), Format("docx"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := ParseFormat("epub"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat from ParseFormat, got %v", err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatHTML {
		t.Fatalf("expected html default, got %q %v", f, err)
	}
}

func TestStoryFilenameFallsBackToDraftID(t *testing.T) {
	if got := storyFilename(Story{Title: "Mia and the Big Storm", DraftID: "drf_1"}); got != "Mia-and-the-Big-Storm" {
		t.Fatalf("titled story filename = %q", got)
	}
	if got := storyFilename(Story{Title: "!!!", DraftID: "drf_9"}); got != "story-drf_9" {
		t.Fatalf("untitled story filename = %q", got)
	}
	if got := storyFilename(Story{}); got != "story" {
		t.Fatalf("empty story filename = %q", got)
	}
}

func TestLayoutForAgeGroup(t *testing.T) {
	tests := []struct {
		ageGroup string
		want     bookLayout
	}{
		{"0_3", bookLayout{Width: 8, Height: 8, Margin: 0.6}},
		{"3_6", bookLayout{Width: 10, Height: 8, Margin: 0.6}},
		{"6_9", bookLayout{Width: 10, Height: 8, Margin: 0.6}},
		{"9_12", bookLayout{Width: 6, Height: 9, Margin: 0.75}},
		{"", bookLayout{Width: 6, Height: 9, Margin: 0.75}},
	}
	for _, tt := range tests {
		if got := layoutFor(tt.ageGroup); got != tt.want {
			t.Errorf("layoutFor(%q) = %+v, want %+v", tt.ageGroup, got, tt.want)
		}
	}
}
