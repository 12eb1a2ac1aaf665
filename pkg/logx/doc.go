// Package logx provides the structured logging stack for slotbot.
//
// It wraps zerolog behind a small Logger facade so components can log
// without caring about sinks. The Service owns the sink set (console,
// file, Telegram operator chat) and can swap it at runtime via Apply(),
// which keeps every Logger derived from the Service live across config
// reloads.
//
// The Telegram sink is deliberately lossy: it is rate limited and drops
// on a full queue, because log forwarding must never block the bot.
package logx
