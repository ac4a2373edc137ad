package generate

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"time"
)

// Sim is an offline backend. It waits Latency (or until ctx is done) and
// answers with canned content: an echo for text and a flat-colour PNG for
// photos. Video and music come back as a text description.
type Sim struct {
	Latency time.Duration
	// Fail, when set, can reject a request before the wait.
	Fail func(Request) error
}

func (s *Sim) Generate(ctx context.Context, req Request) (Result, error) {
	if s.Fail != nil {
		if err := s.Fail(req); err != nil {
			return Result{}, &BackendError{Backend: "sim", Kind: req.Kind, Err: err}
		}
	}
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Backend: "sim", Model: "sim-1"}
	switch req.Kind {
	case "text":
		res.Text = "You said: " + req.Prompt
	case "photo":
		img, err := simImage(req.Prompt)
		if err != nil {
			return Result{}, &BackendError{Backend: "sim", Kind: req.Kind, Err: err}
		}
		res.Media, res.MIMEType, res.Text = img, "image/png", req.Prompt
	case "video", "music":
		res.Text = fmt.Sprintf("[simulated %s] %s", req.Kind, req.Prompt)
	default:
		return Result{}, &BackendError{Backend: "sim", Kind: req.Kind, Err: ErrUnsupported}
	}
	return res, nil
}

// simImage renders a small square whose colour is derived from the prompt.
func simImage(prompt string) ([]byte, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	sum := h.Sum32()
	c := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
