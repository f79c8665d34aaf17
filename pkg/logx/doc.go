// Package logx is relaybot's structured logger.
//
// A thin value-type wrapper over zerolog that keeps console output short
// (timestamp, level, file:line), writes JSON to an optional file and can mirror
// warnings to a Telegram log chat through the admin bot.
package logx
