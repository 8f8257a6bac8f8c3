// Package logx is msgroute's logging layer on top of zerolog.
//
// Console output is human readable with a short file:line caller. The
// optional file sink writes JSON lines rotated by lumberjack. A Service
// can be re-applied at runtime and every Logger derived from it follows.
package logx
