// Package ws streams terminal sessions and one-shot jobs over WebSocket.
//
// A terminal connection attaches to one session; a job connection runs one
// command and ends with an exit frame. The package implements:
//   - Handler: upgrades requests, performs the attach handshake and runs
//     the read, write and output pumps for each connection
//   - Hub: tracks live connections so they can be counted and closed on shutdown
//   - Client: a connection's outbound frame queue
//
// Output frames never split a UTF-8 rune or an ANSI escape sequence.
// A slow client that falls too far behind receives an OutputOverrun error
// frame and is disconnected; the session itself keeps running.
package ws
