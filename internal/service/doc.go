// Package service supervises a single ObjectStudio build.
//
// The Supervisor sequences one run:
//
//	reset TEMP -> stage preload, ini, image -> assemble args -> launch
//	                                                            |
//	                                          Tailer.Run <------+------> Process.Join
//	                                                            |
//	                                     cleanup -> history -> reporters
//
// Runner is a thin wrapper around os/exec. The process runs in its own
// process group, its stdout is copied to the console and stderr is kept
// in memory for the failure message.
//
// Tailer follows the log file ObjectStudio writes. It polls, optionally woken
// up by fsnotify, and reopens the file after a number of idle polls. Lines
// are forwarded in order and never twice.
//
// Invariants:
//   - One process per Run.
//   - Tail and join share a context, cancelling it kills the process group
//     and closes the log file before Run returns.
//   - Reporter and history failures never change the result of a run.
//
// Serve repeats runs on a cron or ISO 8601 schedule, runs never overlap.
package service
