// Package logx is the structured logger every nowplaying component takes.
//
// Logger wraps zerolog with typed field helpers. Loggers derived from a Service
// follow its level and sinks across hot reloads; the zero Logger discards.
package logx
