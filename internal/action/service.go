// Package action turns chat messages into generation jobs.
//
// Each (kind, user) pair owns a swap bucket named "<kind>-<userID>". A new
// request preempts the one in flight while the bucket's swap budget lasts;
// the throttle caps completed generations per window.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"genbot/internal/config"
	"genbot/internal/generate"
	"genbot/internal/storage"
	"genbot/internal/task/swap"
	"genbot/internal/transport"
	logx "genbot/pkg/logx"
)

// Sender is the outbound half of a transport.Adapter.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error)
	SendMedia(ctx context.Context, to transport.ChatTarget, m transport.Media) (transport.MessageRef, error)
	SendActivity(ctx context.Context, to transport.ChatTarget, a transport.Activity) error
}

// Settings is the hot-reloadable part of the service.
type Settings struct {
	Policies   map[string]config.Policy
	JobTimeout time.Duration
	BotName    string
}

// SettingsFromConfig resolves every kind's policy.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	st := Settings{Policies: make(map[string]config.Policy, len(config.Kinds)), BotName: cfg.Telegram.BotName}
	for _, k := range config.Kinds {
		p, err := cfg.Policy(k)
		if err != nil {
			return Settings{}, err
		}
		st.Policies[k] = p
	}
	d, err := config.ParseDurationField("actions.job_timeout", cfg.Actions.JobTimeout)
	if err != nil {
		return Settings{}, err
	}
	st.JobTimeout = d
	return st, nil
}

// usageWindow is the look-back of /usage totals.
const usageWindow = 30 * 24 * time.Hour

type Service struct {
	mgr    *swap.Manager
	gen    generate.Generator
	send   Sender
	store  storage.Store // nil when storage is disabled
	limit  *rate.Limiter
	log    logx.Logger
	now    func() time.Time
	policy atomic.Pointer[Settings]

	// applyMu serialises writers of policy; readers only Load.
	applyMu     sync.Mutex
	defaultName string
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithStore(st storage.Store) Option { return func(s *Service) { s.store = st } }

// WithReplyRate limits outbound sends across all chats.
func WithReplyRate(perSec float64, burst int) Option {
	return func(s *Service) {
		if perSec > 0 {
			s.limit = rate.NewLimiter(rate.Limit(perSec), max(burst, 1))
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(mgr *swap.Manager, gen generate.Generator, send Sender, st Settings, opts ...Option) *Service {
	s := &Service{
		mgr:   mgr,
		gen:   gen,
		send:  send,
		limit: rate.NewLimiter(20, 5),
		log:   logx.Nop(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.Apply(st)
	return s
}

// Apply swaps in new settings. Buckets that already exist keep the policy
// they were created with. An empty BotName keeps the name from SetBotName.
func (s *Service) Apply(st Settings) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	cp := st
	if cp.BotName == "" {
		cp.BotName = s.defaultName
	}
	cp.Policies = make(map[string]config.Policy, len(st.Policies))
	for k, v := range st.Policies {
		cp.Policies[k] = v
	}
	s.policy.Store(&cp)
}

func (s *Service) settings() *Settings { return s.policy.Load() }

// SetBotName fills in the handle used for mention detection when the
// config leaves it empty.
func (s *Service) SetBotName(name string) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.defaultName = name
	cur := *s.settings()
	if cur.BotName != "" {
		return
	}
	cur.BotName = name
	s.policy.Store(&cur)
}

// Run handles messages from in until ctx is done or in is closed.
func (s *Service) Run(ctx context.Context, in <-chan transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			s.Handle(ctx, msg)
		}
	}
}

// Handle processes one message. It never blocks on generation: jobs run
// on the scheduler's goroutines.
func (s *Service) Handle(ctx context.Context, msg transport.Message) {
	st := s.settings()
	in, ok := Parse(msg, st.BotName)
	if !ok {
		return
	}
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID, ReplyTo: msg.ID}
	log := s.log.With(logx.Int64("user", msg.FromID), logx.Int64("chat", msg.ChatID), logx.String("cmd", in.Command))

	switch {
	case in.IsGeneration():
		if in.Prompt == "" {
			s.reply(ctx, to, fmt.Sprintf("Usage: /%s <prompt>", in.Command))
			return
		}
		s.dispatch(ctx, log, st, in, msg, to)
	case in.Command == cmdUsage:
		s.reply(ctx, to, s.usage(ctx, st, msg.FromID))
	case in.Command == cmdHelp, in.Command == cmdStart:
		s.reply(ctx, to, helpText(st.BotName))
	default:
		s.reply(ctx, to, fmt.Sprintf("Unknown command /%s. Try /help.", in.Command))
	}
}

// BucketName is the swap bucket for a user's requests of one kind.
func BucketName(kind string, userID int64) string {
	return fmt.Sprintf("%s-%d", kind, userID)
}

func bucketConfig(p config.Policy) swap.BucketConfig {
	cfg := swap.BucketConfig{MaxSequentialSwaps: p.MaxSequentialSwaps}
	if p.Throttled() {
		cfg.Throttle = &swap.Throttle{Window: p.ThrottleWindow, Limit: p.ThrottleLimit}
	}
	return cfg
}

func (s *Service) dispatch(ctx context.Context, log logx.Logger, st *Settings, in Intent, msg transport.Message, to transport.ChatTarget) {
	bucket := BucketName(in.Command, msg.FromID)
	if _, err := s.mgr.Ensure(bucket, bucketConfig(st.Policies[in.Command])); err != nil {
		log.Error("bucket setup failed", logx.String("bucket", bucket), logx.Err(err))
		return
	}

	id := uuid.NewString()
	job := s.job(id, in, msg, to, st.JobTimeout)
	_, err := s.mgr.Push(bucket, job,
		swap.WithJobID(id),
		swap.WithOnDropped(func() {
			log.Debug("request superseded before start", logx.String("job", id))
		}),
	)

	var te *swap.ThrottleError
	switch {
	case err == nil:
		log.Debug("request queued", logx.String("bucket", bucket), logx.String("job", id))
	case errors.As(err, &te):
		log.Info("request throttled", logx.String("bucket", bucket), logx.Duration("retry_after", te.RetryAfter))
		s.reply(ctx, to, throttleText(in.Command, te.Limit, te.Window, te.RetryAfter))
	case errors.Is(err, swap.ErrClosed):
		log.Debug("request rejected; shutting down")
	default:
		// Ensure just ran, so a missing bucket is a programming error.
		log.Error("push failed", logx.String("bucket", bucket), logx.Err(err))
	}
}

var activityFor = map[string]transport.Activity{
	config.KindText:  transport.ActivityTyping,
	config.KindPhoto: transport.ActivityPhoto,
	config.KindVideo: transport.ActivityVideo,
	config.KindMusic: transport.ActivityAudio,
}

// job builds the scheduled work for one request. The job itself delivers
// the outcome to the chat; a preempted job says nothing.
func (s *Service) job(id string, in Intent, msg transport.Message, to transport.ChatTarget, timeout time.Duration) swap.Job {
	return func(ctx context.Context) error {
		began := s.now()
		gctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			gctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		_ = s.send.SendActivity(ctx, to, activityFor[in.Command])

		res, err := s.gen.Generate(gctx, generate.Request{Kind: in.Command, Prompt: in.Prompt, UserID: msg.FromID})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = s.deliver(ctx, to, in.Command, res)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		} else {
			s.reply(ctx, to, failureText(in.Command, err))
		}

		rec := storage.Generation{
			ID:      id,
			At:      s.now(),
			UserID:  msg.FromID,
			ChatID:  msg.ChatID,
			Kind:    in.Command,
			Status:  storage.StatusFinished,
			Backend: res.Backend,
			Model:   res.Model,
			Prompt:  in.Prompt,
			TookMS:  s.now().Sub(began).Milliseconds(),
		}
		if err != nil {
			rec.Status, rec.Error = storage.StatusFailed, err.Error()
		}
		s.record(ctx, rec)
		return err
	}
}

func failureText(kind string, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Sorry, the %s generation took too long and was stopped.", kind)
	case errors.Is(err, generate.ErrUnsupported):
		return fmt.Sprintf("Sorry, %s generation isn't available right now.", kind)
	default:
		return fmt.Sprintf("Sorry, the %s generation failed. Please try again.", kind)
	}
}

var mediaFor = map[string]transport.MediaKind{
	config.KindPhoto: transport.MediaPhoto,
	config.KindVideo: transport.MediaVideo,
	config.KindMusic: transport.MediaAudio,
}

func (s *Service) deliver(ctx context.Context, to transport.ChatTarget, kind string, res generate.Result) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if mk, ok := mediaFor[kind]; ok && res.HasMedia() {
		_, err := s.send.SendMedia(ctx, to, transport.Media{Kind: mk, Data: res.Media, MIMEType: res.MIMEType, Caption: res.Text})
		return err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return generate.ErrEmpty
	}
	_, err := s.send.SendText(ctx, to, text)
	return err
}

func (s *Service) wait(ctx context.Context) error {
	if s.limit == nil {
		return nil
	}
	return s.limit.Wait(ctx)
}

func (s *Service) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if err := s.wait(ctx); err != nil {
		return
	}
	if _, err := s.send.SendText(ctx, to, text); err != nil && ctx.Err() == nil {
		s.log.Warn("reply failed", logx.Int64("chat", to.ChatID), logx.Err(err))
	}
}

// record stores a settled generation. It outlives ctx so a record written
// as the job finishes is not lost to shutdown.
func (s *Service) record(ctx context.Context, g storage.Generation) {
	if s.store == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AppendGeneration(rctx, g); err != nil {
		s.log.Warn("generation record failed", logx.String("job", g.ID), logx.Err(err))
	}
}

func (s *Service) usage(ctx context.Context, st *Settings, userID int64) string {
	var totals map[string]int
	if s.store != nil {
		var err error
		totals, err = s.store.CountGenerations(ctx, userID, s.now().Add(-usageWindow))
		if err != nil {
			s.log.Warn("usage query failed", logx.Int64("user", userID), logx.Err(err))
		}
	}

	var b strings.Builder
	b.WriteString("Your usage:\n")
	for _, k := range config.Kinds {
		p := st.Policies[k]
		fmt.Fprintf(&b, "• %s: ", k)
		if p.Throttled() {
			used := 0
			if snap, ok := s.mgr.Snapshot(BucketName(k, userID)); ok {
				used = snap.Completions
			}
			fmt.Fprintf(&b, "%d/%d per %s", used, p.ThrottleLimit, humanDuration(p.ThrottleWindow))
		} else {
			b.WriteString("unlimited")
		}
		if totals != nil {
			fmt.Fprintf(&b, " (%d in the last %s)", totals[k], humanDuration(usageWindow))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
