package generate

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"
	"time"

	"genbot/internal/config"
	logx "genbot/pkg/logx"
)

func TestSimKinds(t *testing.T) {
	t.Parallel()
	s := &Sim{}
	tests := []struct {
		kind      string
		wantMedia bool
	}{
		{kind: "text"},
		{kind: "photo", wantMedia: true},
		{kind: "video"},
		{kind: "music"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			res, err := s.Generate(context.Background(), Request{Kind: tt.kind, Prompt: "a cat"})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if res.HasMedia() != tt.wantMedia {
				t.Fatalf("HasMedia = %v", res.HasMedia())
			}
			if res.Backend != "sim" || res.Text == "" {
				t.Fatalf("unexpected result: %+v", res)
			}
		})
	}

	res, _ := s.Generate(context.Background(), Request{Kind: "photo", Prompt: "a cat"})
	if _, err := png.Decode(bytes.NewReader(res.Media)); err != nil {
		t.Fatalf("photo is not a PNG: %v", err)
	}
	if _, err := s.Generate(context.Background(), Request{Kind: "poem"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestSimHonoursCancellation(t *testing.T) {
	t.Parallel()
	s := &Sim{Latency: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := s.Generate(ctx, Request{Kind: "text", Prompt: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Generate ignored cancellation")
	}
}

func TestSimFailHook(t *testing.T) {
	t.Parallel()
	boom := errors.New("quota")
	s := &Sim{Fail: func(Request) error { return boom }}
	_, err := s.Generate(context.Background(), Request{Kind: "text"})
	var be *BackendError
	if !errors.As(err, &be) || !errors.Is(err, boom) || be.Backend != "sim" {
		t.Fatalf("err = %v", err)
	}
}

func TestRouterDispatch(t *testing.T) {
	t.Parallel()
	tag := func(name string) Generator {
		return GeneratorFunc(func(context.Context, Request) (Result, error) { return Result{Backend: name}, nil })
	}
	r := NewRouter(tag("default"), map[string]Generator{"music": tag("music")})
	for kind, want := range map[string]string{"text": "default", "music": "music"} {
		res, err := r.Generate(context.Background(), Request{Kind: kind})
		if err != nil || res.Backend != want {
			t.Fatalf("%s -> %q (%v), want %q", kind, res.Backend, err, want)
		}
	}

	empty := NewRouter(nil, nil)
	if _, err := empty.Generate(context.Background(), Request{Kind: "text"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestFromConfigSim(t *testing.T) {
	t.Parallel()
	r, err := FromConfig(context.Background(), config.GeneratorConfig{
		Backend: "sim",
		Kinds:   map[string]string{"music": "sim"},
		Sim:     config.SimConfig{Latency: "1ms"},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	res, err := r.Generate(context.Background(), Request{Kind: "music", Prompt: "jazz"})
	if err != nil || res.Backend != "sim" {
		t.Fatalf("Generate = %+v, %v", res, err)
	}

	if _, err := FromConfig(context.Background(), config.GeneratorConfig{Backend: "dalle"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
