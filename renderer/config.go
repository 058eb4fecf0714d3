package renderer

import (
	"encoding/json"
	"fmt"

	"github.com/forumkit/igpipeline/pipelineerr"
)

// Position names where an overlay anchors on the canvas.
type Position string

const (
	PositionTopLeft     Position = "top-left"
	PositionTopRight    Position = "top-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionBottomRight Position = "bottom-right"
)

// Align is horizontal text alignment.
type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
	AlignRight  Align = "right"
)

// VAlign is vertical text alignment within the body box.
type VAlign string

const (
	VAlignTop    VAlign = "top"
	VAlignMiddle VAlign = "middle"
	VAlignBottom VAlign = "bottom"
)

// TimestampFormat selects how the timestamp overlay renders.
type TimestampFormat string

const (
	TimestampRelative TimestampFormat = "relative"
	TimestampAbsolute TimestampFormat = "absolute"
)

// TemplateConfig is the typed, validated replacement for the dynamic
// config bag described in the recognized-keys table. Every field has the
// documented default; DecodeTemplateConfig fills them in.
type TemplateConfig struct {
	Width, Height   int
	BackgroundColor string
	Padding         int
	FontFamily      string
	FontSizeContent int
	PrimaryColor    string
	TextColor       string
	LineSpacing     int
	TextAlign       Align
	VerticalAlign   VAlign
	MaxLines        int

	LogoEnabled bool

	TimestampEnabled  bool
	TimestampPosition Position
	TimestampFormat   TimestampFormat
	TimestampPattern  string // strftime-like pattern for "absolute"
	TimestampSize     int
	TimestampColor    string

	PostIDEnabled  bool
	PostIDFormat   string // pattern with {ID} placeholder
	PostIDPosition Position
	PostIDSize     int
	PostIDColor    string
}

func defaultConfig() TemplateConfig {
	return TemplateConfig{
		Width:           1080,
		Height:          1080,
		BackgroundColor: "#ffffff",
		Padding:         60,
		FontFamily:      "",
		FontSizeContent: 28,
		PrimaryColor:    "#111111",
		TextColor:       "#111111",
		LineSpacing:     10,
		TextAlign:       AlignCenter,
		VerticalAlign:   VAlignMiddle,
		MaxLines:        15,

		LogoEnabled: false,

		TimestampEnabled:  false,
		TimestampPosition: PositionBottomRight,
		TimestampFormat:   TimestampRelative,
		TimestampPattern:  "2006-01-02 15:04",
		TimestampSize:     18,
		TimestampColor:    "#7f8c8d",

		PostIDEnabled:  false,
		PostIDFormat:   "#{ID}",
		PostIDPosition: PositionTopLeft,
		PostIDSize:     20,
		PostIDColor:    "#3498db",
	}
}

// rawTemplateConfig mirrors the JSON wire shape (snake_case keys) from the
// recognized-keys table.
type rawTemplateConfig struct {
	Width           *int    `json:"width"`
	Height          *int    `json:"height"`
	BackgroundColor *string `json:"background_color"`
	Padding         *int    `json:"padding"`
	FontFamily      *string `json:"font_family"`
	FontSizeContent *int    `json:"font_size_content"`
	PrimaryColor    *string `json:"primary_color"`
	TextColor       *string `json:"text_color"`
	LineSpacing     *int    `json:"line_spacing"`
	TextAlign       *string `json:"text_align"`
	VerticalAlign   *string `json:"vertical_align"`
	MaxLines        *int    `json:"max_lines"`

	LogoEnabled *bool `json:"logo_enabled"`

	TimestampEnabled  *bool   `json:"timestamp_enabled"`
	TimestampPosition *string `json:"timestamp_position"`
	TimestampFormat   *string `json:"timestamp_format"`
	TimestampPattern  *string `json:"timestamp_pattern"`
	TimestampSize     *int    `json:"timestamp_size"`
	TimestampColor    *string `json:"timestamp_color"`

	PostIDEnabled  *bool   `json:"post_id_enabled"`
	PostIDFormat   *string `json:"post_id_format"`
	PostIDPosition *string `json:"post_id_position"`
	PostIDSize     *int    `json:"post_id_size"`
	PostIDColor    *string `json:"post_id_color"`
}

var recognizedKeys = map[string]bool{
	"width": true, "height": true, "background_color": true, "padding": true,
	"font_family": true, "font_size_content": true, "primary_color": true, "text_color": true,
	"line_spacing": true, "text_align": true, "vertical_align": true, "max_lines": true,
	"logo_enabled":      true,
	"timestamp_enabled": true, "timestamp_position": true, "timestamp_format": true,
	"timestamp_pattern": true, "timestamp_size": true, "timestamp_color": true,
	"post_id_enabled": true, "post_id_format": true, "post_id_position": true,
	"post_id_size": true, "post_id_color": true,
}

// DecodeTemplateConfig parses raw JSON into a validated TemplateConfig.
// In strict mode, any key not in the recognized-keys table is a
// RenderInvalidConfig error; in lenient mode unknown keys are ignored.
func DecodeTemplateConfig(raw []byte, strict bool) (TemplateConfig, error) {
	cfg := defaultConfig()
	if len(raw) == 0 {
		return cfg, nil
	}

	if strict {
		var generic map[string]json.RawMessage
		if err := json.Unmarshal(raw, &generic); err != nil {
			return cfg, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "malformed config JSON: " + err.Error()}
		}
		for k := range generic {
			if !recognizedKeys[k] {
				return cfg, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "unrecognized config key: " + k}
			}
		}
	}

	var parsed rawTemplateConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return cfg, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "malformed config JSON: " + err.Error()}
	}

	applyString(&cfg.BackgroundColor, parsed.BackgroundColor)
	applyInt(&cfg.Width, parsed.Width)
	applyInt(&cfg.Height, parsed.Height)
	applyInt(&cfg.Padding, parsed.Padding)
	applyString(&cfg.FontFamily, parsed.FontFamily)
	applyInt(&cfg.FontSizeContent, parsed.FontSizeContent)
	applyString(&cfg.PrimaryColor, parsed.PrimaryColor)
	applyString(&cfg.TextColor, parsed.TextColor)
	applyInt(&cfg.LineSpacing, parsed.LineSpacing)
	if parsed.TextAlign != nil {
		cfg.TextAlign = Align(*parsed.TextAlign)
	}
	if parsed.VerticalAlign != nil {
		cfg.VerticalAlign = VAlign(*parsed.VerticalAlign)
	}
	applyInt(&cfg.MaxLines, parsed.MaxLines)

	if parsed.LogoEnabled != nil {
		cfg.LogoEnabled = *parsed.LogoEnabled
	}

	if parsed.TimestampEnabled != nil {
		cfg.TimestampEnabled = *parsed.TimestampEnabled
	}
	if parsed.TimestampPosition != nil {
		cfg.TimestampPosition = Position(*parsed.TimestampPosition)
	}
	if parsed.TimestampFormat != nil {
		cfg.TimestampFormat = TimestampFormat(*parsed.TimestampFormat)
	}
	applyString(&cfg.TimestampPattern, parsed.TimestampPattern)
	applyInt(&cfg.TimestampSize, parsed.TimestampSize)
	applyString(&cfg.TimestampColor, parsed.TimestampColor)

	if parsed.PostIDEnabled != nil {
		cfg.PostIDEnabled = *parsed.PostIDEnabled
	}
	applyString(&cfg.PostIDFormat, parsed.PostIDFormat)
	if parsed.PostIDPosition != nil {
		cfg.PostIDPosition = Position(*parsed.PostIDPosition)
	}
	applyInt(&cfg.PostIDSize, parsed.PostIDSize)
	applyString(&cfg.PostIDColor, parsed.PostIDColor)

	if cfg.Padding*2 >= cfg.Width || cfg.Padding*2 >= cfg.Height {
		return cfg, &pipelineerr.RenderError{Kind: pipelineerr.RenderTooSmall, Msg: fmt.Sprintf("padding %d leaves no room in a %dx%d canvas", cfg.Padding, cfg.Width, cfg.Height)}
	}

	switch cfg.TextAlign {
	case AlignLeft, AlignCenter, AlignRight:
	default:
		return cfg, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "invalid text_align: " + string(cfg.TextAlign)}
	}
	switch cfg.VerticalAlign {
	case VAlignTop, VAlignMiddle, VAlignBottom:
	default:
		return cfg, &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "invalid vertical_align: " + string(cfg.VerticalAlign)}
	}

	return cfg, nil
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
