// Package logx wraps zerolog behind a small facade: structured fields,
// derived loggers via With(), and a Service that can re-apply sink and
// level configuration at runtime without invalidating existing loggers.
package logx
