// Package bot implements the Telegram command surface: subscription
// management, watchlist edits and on-demand course checks.
package bot

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"time"

	"slotbot/internal/registry"
	"slotbot/internal/runtime/supervisor"
	"slotbot/internal/source"
	kit "slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

const handlerTimeout = 30 * time.Second

// Trigger runs an immediate poll cycle for one course. Satisfied by the
// poller service.
type Trigger interface {
	TriggerCourse(ctx context.Context, courseCode string) error
}

// Request carries one parsed command invocation into a handler.
type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
}

type handlerFunc func(ctx context.Context, req *Request) error

type command struct {
	name        string
	description string
	usage       string
	open        bool // usable before /start
	handle      handlerFunc
}

// Router parses inbound messages and dispatches command handlers on a
// bounded worker pool.
type Router struct {
	log      logx.Logger
	adapter  kit.Adapter
	registry *registry.Registry
	fetcher  source.Fetcher
	trigger  Trigger

	commands map[string]command
	order    []string
	jobs     chan func()
}

func NewRouter(log logx.Logger, adapter kit.Adapter, reg *registry.Registry, fetcher source.Fetcher, trigger Trigger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:      log,
		adapter:  adapter,
		registry: reg,
		fetcher:  fetcher,
		trigger:  trigger,
		commands: map[string]command{},
		jobs:     make(chan func(), 256),
	}
	r.register()
	return r
}

func (r *Router) add(c command) {
	r.commands[c.name] = c
	r.order = append(r.order, c.name)
}

// DispatchLoop consumes updates until ctx is canceled. Handlers run on
// a small worker pool so one slow upstream call does not stall the
// whole command surface.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(r.log))
	for i := 0; i < workers; i++ {
		name := "command.worker." + strconv.Itoa(i)
		sup.GoRestart(name, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case fn, ok := <-r.jobs:
					if !ok {
						return nil
					}
					fn()
				}
			}
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	for {
		select {
		case <-ctx.Done():
			sup.Cancel()
			waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := sup.Wait(waitCtx)
			cancel()
			return err
		case u, ok := <-updates:
			if !ok {
				sup.Cancel()
				return nil
			}
			r.route(ctx, u)
		}
	}
}

func (r *Router) route(ctx context.Context, u kit.Update) {
	if u.Message == nil {
		return
	}
	name, args, ok := parseCommand(u.Message.Text)
	if !ok {
		return
	}
	cmd, known := r.commands[name]
	if !known {
		return
	}

	req := &Request{
		Chat:    kit.ChatTarget{ChatID: u.Message.ChatID},
		FromID:  u.Message.FromID,
		Command: name,
		Args:    args,
	}
	job := func() {
		hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()

		if !cmd.open && !r.registry.Subscribed(req.Chat.ChatID) {
			r.reply(hctx, req, "You are not subscribed yet. Send /start first.")
			return
		}
		if err := cmd.handle(hctx, req); err != nil {
			r.log.Warn("command failed",
				logx.String("command", name), logx.Int64("chat_id", req.Chat.ChatID), logx.Err(err))
			r.reply(hctx, req, "Something went wrong, please try again.")
		}
	}
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("command queue full, dropping", logx.String("command", name))
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	_, err := r.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{
		ParseMode:      "Markdown",
		DisablePreview: true,
	})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", req.Chat.ChatID), logx.Err(err))
	}
}

// parseCommand extracts "/cmd arg arg" from a message, tolerating the
// "@botname" suffix Telegram appends in groups.
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	name = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}
