package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"genbot/internal/config"
	logx "genbot/pkg/logx"
)

// Router dispatches by Request.Kind.
type Router struct {
	def    Generator
	byKind map[string]Generator
}

func NewRouter(def Generator, byKind map[string]Generator) *Router {
	r := &Router{def: def, byKind: make(map[string]Generator, len(byKind))}
	for k, g := range byKind {
		if g != nil {
			r.byKind[k] = g
		}
	}
	return r
}

func (r *Router) Generate(ctx context.Context, req Request) (Result, error) {
	g := r.byKind[req.Kind]
	if g == nil {
		g = r.def
	}
	if g == nil {
		return Result{}, fmt.Errorf("%w: no backend for %q", ErrUnsupported, req.Kind)
	}
	return g.Generate(ctx, req)
}

// FromConfig builds the router described by cfg. Backends are created once
// and shared between kinds.
func FromConfig(ctx context.Context, cfg config.GeneratorConfig, log logx.Logger) (*Router, error) {
	built := map[string]Generator{}
	get := func(name string) (Generator, error) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			name = "sim"
		}
		if g, ok := built[name]; ok {
			return g, nil
		}
		var (
			g   Generator
			err error
		)
		switch name {
		case "sim":
			lat, perr := config.ParseDurationOrDefault("generator.sim.latency", cfg.Sim.Latency, 2*time.Second)
			if perr != nil {
				return nil, perr
			}
			g = &Sim{Latency: lat}
		case "gemini":
			g, err = NewGemini(ctx, cfg.Gemini, log)
		default:
			err = fmt.Errorf("unknown backend %q", name)
		}
		if err != nil {
			return nil, err
		}
		built[name] = g
		return g, nil
	}

	def, err := get(cfg.Backend)
	if err != nil {
		return nil, err
	}
	byKind := map[string]Generator{}
	for kind, name := range cfg.Kinds {
		g, err := get(name)
		if err != nil {
			return nil, fmt.Errorf("generator.kinds.%s: %w", kind, err)
		}
		byKind[kind] = g
	}
	return NewRouter(def, byKind), nil
}
