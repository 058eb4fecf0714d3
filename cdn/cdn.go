// Package cdn publishes rendered image bytes to a content root directory
// and returns a publicly fetchable URL, the way a reverse proxy in front
// of that directory would serve it.
package cdn

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"github.com/forumkit/igpipeline/pipelineerr"
)

const defaultSubdir = "social_media"

var allowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Publisher copies bytes into a local content root and constructs the
// public URL Instagram will fetch the image from.
type Publisher struct {
	localRoot string
	baseURL   string
}

// New builds a Publisher. baseURL may be empty at construction time (the
// account may be unconfigured for publish), but Publish then fails with
// CDNUnavailable rather than returning a broken URL.
func New(localRoot, baseURL string) *Publisher {
	return &Publisher{
		localRoot: localRoot,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// Publish writes data under <localRoot>/<subdir>/<suggestedName>, sniffs
// the content so garbage never reaches the CDN, and returns the public
// URL. Same suggestedName overwrites; callers are responsible for picking
// collision-free names across concurrent attempts.
func (p *Publisher) Publish(data []byte, suggestedName, subdir string) (string, error) {
	if p.baseURL == "" {
		return "", &pipelineerr.CDNUnavailable{Msg: "no CDN public base URL configured"}
	}
	if subdir == "" {
		subdir = defaultSubdir
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown || !allowedMimeTypes[kind.MIME.Value] {
		return "", &pipelineerr.RenderError{Kind: pipelineerr.RenderInvalidConfig, Msg: "rendered output is not a recognized image/jpeg or image/png"}
	}

	targetDir := filepath.Join(p.localRoot, subdir)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", &pipelineerr.CDNUnavailable{Msg: "mkdir: " + err.Error()}
	}
	if err := os.Chmod(targetDir, 0o755); err != nil {
		return "", &pipelineerr.CDNUnavailable{Msg: "chmod dir: " + err.Error()}
	}

	targetPath := filepath.Join(targetDir, suggestedName)
	f, err := os.Create(targetPath)
	if err != nil {
		return "", &pipelineerr.CDNUnavailable{Msg: "create: " + err.Error()}
	}
	defer f.Close()

	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return "", &pipelineerr.CDNUnavailable{Msg: "write: " + err.Error()}
	}
	if err := os.Chmod(targetPath, 0o644); err != nil {
		return "", &pipelineerr.CDNUnavailable{Msg: "chmod file: " + err.Error()}
	}

	return fmt.Sprintf("%s/%s/%s", p.baseURL, subdir, suggestedName), nil
}
