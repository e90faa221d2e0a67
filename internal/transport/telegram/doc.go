// Package telegram connects modbot to the Telegram Bot API through telebot.
//
// Inbound updates are converted to ingest events. Outbound, the Adapter is
// the moderation actuator used by the detectors, the enforcer used by review
// decisions, and the alert sender behind the log alert sink.
package telegram
