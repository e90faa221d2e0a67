// Package tgui holds the Telegram rendering helpers used by the moderation
// surfaces: HTML-safe text pieces and inline keyboards for review decisions.
//
// Everything here targets ParseMode="HTML"; values of type H are already
// escaped and can be concatenated freely.
package tgui
