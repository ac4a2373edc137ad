package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"genbot/internal/config"
	logx "genbot/pkg/logx"
)

const (
	defaultTextModel  = "gemini-2.5-flash"
	defaultImageModel = "imagen-4.0-generate-001"
	defaultVideoModel = "veo-3.0-generate-001"
)

// The subsets of the genai client used here; fakes stand in for them in tests.
type (
	geminiModels interface {
		GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
		GenerateImages(ctx context.Context, model, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
		GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
	}
	geminiOperations interface {
		GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error)
	}
	geminiFiles interface {
		Download(ctx context.Context, uri genai.DownloadURI, config *genai.DownloadFileConfig) ([]byte, error)
	}
)

// Gemini serves text, photo and video from the Gemini API. Music is not
// offered by the API and yields ErrUnsupported.
type Gemini struct {
	models geminiModels
	ops    geminiOperations
	files  geminiFiles

	textModel, imageModel, videoModel string
	pollInterval                      time.Duration

	log logx.Logger
}

// NewGemini creates a client. An empty APIKey lets the SDK read
// GEMINI_API_KEY or GOOGLE_API_KEY.
func NewGemini(ctx context.Context, cfg config.GeminiConfig, log logx.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	poll, err := config.ParseDurationOrDefault("generator.gemini.poll_interval", cfg.PollInterval, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return newGemini(client.Models, client.Operations, client.Files, cfg, poll, log), nil
}

func newGemini(models geminiModels, ops geminiOperations, files geminiFiles, cfg config.GeminiConfig, poll time.Duration, log logx.Logger) *Gemini {
	if log.IsZero() {
		log = logx.Nop()
	}
	pick := func(v, def string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return def
	}
	return &Gemini{
		models:       models,
		ops:          ops,
		files:        files,
		textModel:    pick(cfg.TextModel, defaultTextModel),
		imageModel:   pick(cfg.ImageModel, defaultImageModel),
		videoModel:   pick(cfg.VideoModel, defaultVideoModel),
		pollInterval: poll,
		log:          log.With(logx.String("backend", "gemini")),
	}
}

func (g *Gemini) Generate(ctx context.Context, req Request) (Result, error) {
	var (
		res Result
		err error
	)
	switch req.Kind {
	case "text":
		res, err = g.text(ctx, req.Prompt)
	case "photo":
		res, err = g.photo(ctx, req.Prompt)
	case "video":
		res, err = g.video(ctx, req.Prompt)
	default:
		err = ErrUnsupported
	}
	if err != nil {
		// Cancellation is reported as-is so the scheduler sees an abort.
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &BackendError{Backend: "gemini", Kind: req.Kind, Err: err}
	}
	res.Backend = "gemini"
	return res, nil
}

func (g *Gemini) text(ctx context.Context, prompt string) (Result, error) {
	resp, err := g.models.GenerateContent(ctx, g.textModel, genai.Text(prompt), nil)
	if err != nil {
		return Result{}, err
	}
	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return Result{}, ErrEmpty
	}
	return Result{Text: out, Model: g.textModel}, nil
}

func (g *Gemini) photo(ctx context.Context, prompt string) (Result, error) {
	resp, err := g.models.GenerateImages(ctx, g.imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: "image/jpeg",
	})
	if err != nil {
		return Result{}, err
	}
	for _, gi := range resp.GeneratedImages {
		if gi == nil || gi.Image == nil || len(gi.Image.ImageBytes) == 0 {
			continue
		}
		mime := gi.Image.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		return Result{Media: gi.Image.ImageBytes, MIMEType: mime, Text: prompt, Model: g.imageModel}, nil
	}
	if len(resp.GeneratedImages) > 0 && resp.GeneratedImages[0] != nil && resp.GeneratedImages[0].RAIFilteredReason != "" {
		return Result{}, fmt.Errorf("image filtered: %s", resp.GeneratedImages[0].RAIFilteredReason)
	}
	return Result{}, ErrEmpty
}

// video starts a long-running operation and polls it until done or ctx ends.
func (g *Gemini) video(ctx context.Context, prompt string) (Result, error) {
	op, err := g.models.GenerateVideos(ctx, g.videoModel, prompt, nil, &genai.GenerateVideosConfig{NumberOfVideos: 1})
	if err != nil {
		return Result{}, err
	}
	t := time.NewTicker(g.pollInterval)
	defer t.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
		g.log.Debug("video.poll", logx.String("operation", op.Name))
		op, err = g.ops.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return Result{}, err
		}
	}
	if len(op.Error) > 0 {
		return Result{}, fmt.Errorf("video operation failed: %v", op.Error)
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return Result{}, ErrEmpty
	}
	v := op.Response.GeneratedVideos[0]
	data := v.Video.VideoBytes
	if len(data) == 0 {
		data, err = g.files.Download(ctx, genai.NewDownloadURIFromGeneratedVideo(v), nil)
		if err != nil {
			return Result{}, fmt.Errorf("download video: %w", err)
		}
	}
	if len(data) == 0 {
		return Result{}, errors.New("video has neither bytes nor uri")
	}
	mime := v.Video.MIMEType
	if mime == "" {
		mime = "video/mp4"
	}
	return Result{Media: data, MIMEType: mime, Text: prompt, Model: g.videoModel}, nil
}
