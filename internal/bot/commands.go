package bot

import (
	"context"
	"fmt"
	"strings"

	"slotbot/internal/course"
)

func (r *Router) register() {
	r.add(command{
		name:        "start",
		description: "subscribe to availability alerts",
		usage:       "/start",
		open:        true,
		handle:      r.cmdStart,
	})
	r.add(command{
		name:        "stop",
		description: "unsubscribe and forget your watchlist",
		usage:       "/stop",
		open:        true,
		handle:      r.cmdStop,
	})
	r.add(command{
		name:        "help",
		description: "show this help",
		usage:       "/help",
		open:        true,
		handle:      r.cmdHelp,
	})
	r.add(command{
		name:        "setid",
		description: "set the student ID used for lookups",
		usage:       "/setid 12112345",
		handle:      r.cmdSetID,
	})
	r.add(command{
		name:        "prefs",
		description: "show your ID and watchlist",
		usage:       "/prefs",
		handle:      r.cmdPrefs,
	})
	r.add(command{
		name:        "addcourse",
		description: "watch a course or one section",
		usage:       "/addcourse CSOPESY [CSOPESY:1234 ...]",
		handle:      r.cmdAddCourse,
	})
	r.add(command{
		name:        "removecourse",
		description: "stop watching a course or section",
		usage:       "/removecourse CSOPESY",
		handle:      r.cmdRemoveCourse,
	})
	r.add(command{
		name:        "course",
		description: "show a course's sections right now",
		usage:       "/course CSOPESY",
		handle:      r.cmdCourse,
	})
	r.add(command{
		name:        "check",
		description: "poll your watchlist immediately",
		usage:       "/check",
		handle:      r.cmdCheck,
	})
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	fresh := r.registry.Subscribe(ctx, req.Chat.ChatID)
	if !fresh {
		r.reply(ctx, req, "Already subscribed. Use /prefs to see your watchlist.")
		return nil
	}
	r.reply(ctx, req,
		"👋 You are in. Set your student ID with /setid, then add courses with /addcourse.\n\n"+r.helpText())
	return nil
}

func (r *Router) cmdStop(ctx context.Context, req *Request) error {
	if r.registry.Unsubscribe(ctx, req.Chat.ChatID) {
		r.reply(ctx, req, "Unsubscribed. Your watchlist is gone. /start brings you back.")
	} else {
		r.reply(ctx, req, "You were not subscribed.")
	}
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req, r.helpText())
	return nil
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("*Commands*\n")
	for _, name := range r.order {
		c := r.commands[name]
		fmt.Fprintf(&b, "`%s` — %s\n", c.usage, c.description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdSetID(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 || !isStudentID(req.Args[0]) {
		r.reply(ctx, req, "Usage: /setid 12112345 (8 digits)")
		return nil
	}
	r.registry.SetStudentID(ctx, req.Chat.ChatID, req.Args[0])
	r.reply(ctx, req, "✅ Student ID saved.")
	return nil
}

func (r *Router) cmdPrefs(ctx context.Context, req *Request) error {
	id := r.registry.StudentID(req.Chat.ChatID)
	if id == "" {
		id = "not set"
	}
	scopes := r.registry.Scopes(req.Chat.ChatID)

	var b strings.Builder
	fmt.Fprintf(&b, "*Student ID:* %s\n*Watchlist:*\n", id)
	if len(scopes) == 0 {
		b.WriteString("empty — add one with /addcourse")
	}
	for _, sc := range scopes {
		fmt.Fprintf(&b, "• `%s`\n", sc.Key())
	}
	r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) cmdAddCourse(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		r.reply(ctx, req, "Usage: /addcourse CSOPESY or /addcourse CSOPESY:1234")
		return nil
	}
	var added, dup, bad []string
	for _, arg := range req.Args {
		sc, err := course.ParseScope(arg)
		if err != nil {
			bad = append(bad, arg)
			continue
		}
		if r.registry.AddScope(ctx, req.Chat.ChatID, sc) {
			added = append(added, sc.Key())
		} else {
			dup = append(dup, sc.Key())
		}
	}

	var parts []string
	if len(added) > 0 {
		parts = append(parts, "✅ Watching "+strings.Join(added, ", "))
	}
	if len(dup) > 0 {
		parts = append(parts, "Already watching "+strings.Join(dup, ", "))
	}
	if len(bad) > 0 {
		parts = append(parts, "⚠️ Could not parse "+strings.Join(bad, ", "))
	}
	if len(added) > 0 && r.registry.StudentID(req.Chat.ChatID) == "" {
		parts = append(parts, "Tip: set your student ID with /setid for accurate results.")
	}
	r.reply(ctx, req, strings.Join(parts, "\n"))
	return nil
}

func (r *Router) cmdRemoveCourse(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		r.reply(ctx, req, "Usage: /removecourse CSOPESY")
		return nil
	}
	var removed, unknown []string
	for _, arg := range req.Args {
		sc, err := course.ParseScope(arg)
		if err != nil {
			unknown = append(unknown, arg)
			continue
		}
		if r.registry.RemoveScope(ctx, req.Chat.ChatID, sc) {
			removed = append(removed, sc.Key())
		} else {
			unknown = append(unknown, sc.Key())
		}
	}

	var parts []string
	if len(removed) > 0 {
		parts = append(parts, "🗑 Removed "+strings.Join(removed, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "Not on your watchlist: "+strings.Join(unknown, ", "))
	}
	r.reply(ctx, req, strings.Join(parts, "\n"))
	return nil
}

func (r *Router) cmdCourse(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		r.reply(ctx, req, "Usage: /course CSOPESY")
		return nil
	}
	sc, err := course.ParseScope(req.Args[0])
	if err != nil || !sc.TracksAll() {
		r.reply(ctx, req, "Give me a course code, e.g. /course CSOPESY")
		return nil
	}
	id := r.registry.StudentID(req.Chat.ChatID)
	if id == "" {
		r.reply(ctx, req, "Set your student ID first with /setid.")
		return nil
	}

	sn, err := r.fetcher.Fetch(ctx, sc.Course, id)
	if err != nil {
		r.reply(ctx, req, fetchErrorText(sc.Course, err))
		return nil
	}
	r.reply(ctx, req, FormatCourseStatus(sn))
	return nil
}

func (r *Router) cmdCheck(ctx context.Context, req *Request) error {
	scopes := r.registry.Scopes(req.Chat.ChatID)
	if len(scopes) == 0 {
		r.reply(ctx, req, "Your watchlist is empty. Add a course with /addcourse first.")
		return nil
	}
	seen := map[string]bool{}
	for _, sc := range scopes {
		if seen[sc.Course] {
			continue
		}
		seen[sc.Course] = true
		if err := r.trigger.TriggerCourse(ctx, sc.Course); err != nil {
			return err
		}
	}
	r.reply(ctx, req, fmt.Sprintf("🔄 Checked %d course(s). You will hear about any changes.", len(seen)))
	return nil
}

func isStudentID(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
