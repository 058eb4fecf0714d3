// Package renderer composes a deterministic image card from post
// content, a typed TemplateConfig, and an optional school logo.
package renderer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"

	"github.com/forumkit/igpipeline/models"
	"github.com/forumkit/igpipeline/pipelineerr"
)

// OutputFormat selects the encoded image format.
type OutputFormat string

const (
	FormatJPEG OutputFormat = "jpeg"
	FormatPNG  OutputFormat = "png"
)

var defaultFont *truetype.Font

func init() {
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		panic("renderer: failed to parse embedded default font: " + err.Error())
	}
	defaultFont = f
}

// Render composes content+config(+logo) into encoded image bytes.
// Determinism: identical inputs and identical font set produce identical
// bytes, modulo encoder metadata (the JPEG encoder does not timestamp
// its output, so this holds in practice).
func Render(content models.Content, cfg TemplateConfig, logo []byte, format OutputFormat, quality int, now time.Time) ([]byte, error) {
	if cfg.Padding*2 >= cfg.Width || cfg.Padding*2 >= cfg.Height {
		return nil, &pipelineerr.RenderError{Kind: pipelineerr.RenderTooSmall, Msg: "padding leaves no room for content"}
	}

	bg, err := parseHexColor(cfg.BackgroundColor)
	if err != nil {
		return nil, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "background_color: " + err.Error()}
	}
	textColor, err := parseHexColor(cfg.TextColor)
	if err != nil {
		return nil, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "text_color: " + err.Error()}
	}

	img := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	face := truetype.NewFace(defaultFont, &truetype.Options{Size: float64(cfg.FontSizeContent)})
	defer face.Close()

	innerWidth := cfg.Width - 2*cfg.Padding
	lines := wrapText(content.Body, face, innerWidth, cfg.MaxLines)

	if err := drawBody(img, lines, face, textColor, cfg); err != nil {
		return nil, err
	}

	if cfg.TimestampEnabled {
		text := formatTimestamp(content.CreatedAt, cfg, now)
		if err := drawOverlay(img, text, cfg.TimestampPosition, cfg.TimestampSize, cfg.TimestampColor, cfg.Padding); err != nil {
			return nil, err
		}
	}

	if cfg.PostIDEnabled {
		text := strings.ReplaceAll(cfg.PostIDFormat, "{ID}", content.ID)
		if err := drawOverlay(img, text, cfg.PostIDPosition, cfg.PostIDSize, cfg.PostIDColor, cfg.Padding); err != nil {
			return nil, err
		}
	}

	if cfg.LogoEnabled && len(logo) > 0 {
		if err := overlayLogo(img, logo, cfg); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	switch format {
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "png encode: " + err.Error()}
		}
	default:
		if quality <= 0 {
			quality = 95
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "jpeg encode: " + err.Error()}
		}
	}

	return buf.Bytes(), nil
}

// wrapText splits body into lines that fit innerWidth, wrapping at word
// boundaries and falling back to a rune-by-rune (grapheme) split when a
// single word overflows on its own. Overflow beyond maxLines is replaced
// with an ellipsis on the last visible line.
func wrapText(body string, face font.Face, innerWidth, maxLines int) []string {
	if strings.TrimSpace(body) == "" {
		return nil
	}

	var lines []string
	for _, paragraph := range strings.Split(body, "\n") {
		lines = append(lines, wrapParagraph(paragraph, face, innerWidth)...)
	}

	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
		last := lines[maxLines-1]
		lines[maxLines-1] = truncateWithEllipsis(last, face, innerWidth)
	}

	return lines
}

func wrapParagraph(paragraph string, face font.Face, innerWidth int) []string {
	words := strings.Fields(paragraph)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	var current string

	for _, word := range words {
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if textWidth(candidate, face) <= innerWidth {
			current = candidate
			continue
		}

		if current != "" {
			lines = append(lines, current)
			current = ""
		}

		if textWidth(word, face) <= innerWidth {
			current = word
			continue
		}

		// single word overflows inner width: fall back to grapheme split
		for _, piece := range splitToWidth(word, face, innerWidth) {
			lines = append(lines, piece)
		}
	}

	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

func splitToWidth(word string, face font.Face, innerWidth int) []string {
	var out []string
	var cur []rune
	for _, r := range word {
		next := append(append([]rune(nil), cur...), r)
		if textWidth(string(next), face) > innerWidth && len(cur) > 0 {
			out = append(out, string(cur))
			cur = []rune{r}
			continue
		}
		cur = next
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func truncateWithEllipsis(line string, face font.Face, innerWidth int) string {
	const ellipsis = "…"
	runes := []rune(line)
	for len(runes) > 0 {
		candidate := string(runes) + ellipsis
		if textWidth(candidate, face) <= innerWidth {
			return candidate
		}
		runes = runes[:len(runes)-1]
	}
	return ellipsis
}

func textWidth(s string, face font.Face) int {
	var total fixed.Int26_6
	for _, r := range s {
		adv, ok := face.GlyphAdvance(r)
		if !ok {
			continue
		}
		total += adv
	}
	return total.Round()
}

func drawBody(img *image.RGBA, lines []string, face font.Face, col color.Color, cfg TemplateConfig) error {
	if len(lines) == 0 {
		return nil
	}

	lineHeight := face.Metrics().Height.Round() + cfg.LineSpacing
	totalHeight := lineHeight*len(lines) - cfg.LineSpacing
	innerHeight := cfg.Height - 2*cfg.Padding

	var startY int
	switch cfg.VerticalAlign {
	case VAlignTop:
		startY = cfg.Padding
	case VAlignBottom:
		startY = cfg.Height - cfg.Padding - totalHeight
	default:
		startY = cfg.Padding + (innerHeight-totalHeight)/2
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: col},
		Face: face,
	}

	ascent := face.Metrics().Ascent.Round()
	for i, line := range lines {
		w := textWidth(line, face)
		var x int
		switch cfg.TextAlign {
		case AlignLeft:
			x = cfg.Padding
		case AlignRight:
			x = cfg.Width - cfg.Padding - w
		default:
			x = (cfg.Width - w) / 2
		}
		y := startY + i*lineHeight + ascent
		d.Dot = fixed.P(x, y)
		d.DrawString(line)
	}
	return nil
}

func formatTimestamp(t time.Time, cfg TemplateConfig, now time.Time) string {
	if cfg.TimestampFormat == TimestampRelative {
		return relativeTime(t, now)
	}
	return goTimeFormat(t, cfg.TimestampPattern)
}

// relativeTime is computed against the renderer's wall clock at render
// time (see SPEC_FULL.md open-question decision): a cached image's
// relative label goes stale, which is accepted since a retried render
// produces a fresh one.
func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func goTimeFormat(t time.Time, pattern string) string {
	replacer := strings.NewReplacer(
		"YYYY", "2006", "MM", "01", "DD", "02", "HH", "15", "mm", "04", "ss", "05",
	)
	return t.Format(replacer.Replace(pattern))
}

func drawOverlay(img *image.RGBA, text string, pos Position, size int, hexColor string, padding int) error {
	if text == "" {
		return nil
	}
	col, err := parseHexColor(hexColor)
	if err != nil {
		return &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "overlay color: " + err.Error()}
	}

	face := truetype.NewFace(defaultFont, &truetype.Options{Size: float64(size)})
	defer face.Close()

	w := textWidth(text, face)
	h := face.Metrics().Height.Round()
	ascent := face.Metrics().Ascent.Round()

	bounds := img.Bounds()
	var x, y int
	switch pos {
	case PositionTopLeft:
		x, y = padding, padding+ascent
	case PositionTopRight:
		x, y = bounds.Dx()-padding-w, padding+ascent
	case PositionBottomLeft:
		x, y = padding, bounds.Dy()-padding-h+ascent
	default: // bottom-right
		x, y = bounds.Dx()-padding-w, bounds.Dy()-padding-h+ascent
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: col},
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
	return nil
}

func overlayLogo(img *image.RGBA, logoBytes []byte, cfg TemplateConfig) error {
	logoImg, _, err := image.Decode(bytes.NewReader(logoBytes))
	if err != nil {
		return &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "logo decode: " + err.Error()}
	}

	const boxSize = 96
	resized := imaging.Fit(logoImg, boxSize, boxSize, imaging.Lanczos)

	offset := image.Pt(img.Bounds().Dx()-cfg.Padding-resized.Bounds().Dx(), cfg.Padding)
	draw.Draw(img, resized.Bounds().Add(offset), resized, image.Point{}, draw.Over)
	return nil
}

func parseHexColor(s string) (color.Color, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return nil, fmt.Errorf("expected 6 hex digits, got %q", s)
	}
	r, err := strconv.ParseUint(s[0:2], 16, 8)
	if err != nil {
		return nil, err
	}
	g, err := strconv.ParseUint(s[2:4], 16, 8)
	if err != nil {
		return nil, err
	}
	b, err := strconv.ParseUint(s[4:6], 16, 8)
	if err != nil {
		return nil, err
	}
	return color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255}, nil
}
