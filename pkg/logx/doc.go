// Package logx configures rtctl's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller) and file output JSON-structured. An
// optional systemd journal sink forwards records above a minimum level,
// rate limited and through a bounded queue. With Config.Async, console and
// file output go through zerolog's diode ring buffer so code running next to
// real-time work never waits on a terminal or a disk.
package logx
