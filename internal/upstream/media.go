package upstream

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
)

var (
	inlineImagePattern = regexp.MustCompile(`\[IMAGE:(data:[^\]]+)\]`)
	inlineFilePattern  = regexp.MustCompile(`\[FILE:([^:\]]+):(data:[^\]]+)\]`)
	dataURLMimePattern = regexp.MustCompile(`^data:([^;,]+)`)

	pdfTextObject = regexp.MustCompile(`(?s)BT\s(.*?)ET`)
	pdfTj         = regexp.MustCompile(`\(([^)]*)\)\s*Tj`)
	pdfTJ         = regexp.MustCompile(`\[([^\]]*)\]\s*TJ`)
	pdfTJPart     = regexp.MustCompile(`\(([^)]*)\)`)
)

// ExtractInlineMedia expands [IMAGE:data-url] markers into image_url parts and
// [FILE:name:data-url] markers into appended text. Messages without markers
// are returned unchanged.
func ExtractInlineMedia(messages []orchestrator.Message) []orchestrator.Message {
	out := make([]orchestrator.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		text, ok := m.Content.(string)
		if !ok {
			continue
		}
		images := inlineImagePattern.FindAllStringSubmatch(text, -1)
		files := inlineFilePattern.FindAllStringSubmatch(text, -1)
		if len(images) == 0 && len(files) == 0 {
			continue
		}

		body := inlineImagePattern.ReplaceAllString(text, "")
		body = strings.TrimSpace(inlineFilePattern.ReplaceAllString(body, ""))
		for _, f := range files {
			body += fileAttachmentText(f[1], f[2])
		}

		if len(images) == 0 {
			out[i].Content = body
			continue
		}
		parts := make([]any, 0, len(images)+1)
		if body != "" {
			parts = append(parts, map[string]any{"type": "text", "text": body})
		}
		for _, img := range images {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": img[1]},
			})
		}
		out[i].Content = parts
	}
	return out
}

func fileAttachmentText(name, dataURL string) string {
	payload := dataURL
	if _, after, found := strings.Cut(dataURL, ","); found {
		payload = after
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return fmt.Sprintf("\n\n[Attached file: %s (could not decode)]", name)
	}

	var mime string
	if m := dataURLMimePattern.FindStringSubmatch(dataURL); m != nil {
		mime = m[1]
	}
	content := string(decoded)
	if mime == "application/pdf" {
		content = pdfText(decoded)
		if content == "" {
			return fmt.Sprintf("\n\n[Attached file: %s (PDF, could not extract text)]", name)
		}
	}
	return fmt.Sprintf("\n\n--- Content of %s ---\n%s\n--- End of %s ---", name, content, name)
}

// pdfText pulls literal strings out of uncompressed PDF text objects.
func pdfText(raw []byte) string {
	// latin1: one rune per byte
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	doc := string(runes)

	var chunks []string
	for _, obj := range pdfTextObject.FindAllStringSubmatch(doc, -1) {
		for _, tj := range pdfTj.FindAllStringSubmatch(obj[1], -1) {
			chunks = append(chunks, tj[1])
		}
		for _, arr := range pdfTJ.FindAllStringSubmatch(obj[1], -1) {
			for _, p := range pdfTJPart.FindAllStringSubmatch(arr[1], -1) {
				chunks = append(chunks, p[1])
			}
		}
	}
	return strings.TrimSpace(strings.Join(chunks, " "))
}
