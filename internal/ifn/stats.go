// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package ifn

import (
	"os"
	"os/signal"
	"syscall"
)

// watchStatsSignal logs one line per peer whenever the process
// receives SIGUSR1, the conventional per-role stats-dump signal. There
// is no fixed counter schema here; a single structured slog line per
// peer is enough for an operator or a log pipeline to consume.
func (ifn *Ifn) watchStatsSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	go func() {
		for range sigCh {
			ifn.logStats()
		}
	}()
}

func (ifn *Ifn) logStats() {
	for id, p := range ifn.peers {
		ifn.log.Info("peer stats",
			"ifn", ifn.id,
			"peer", id,
			"sent_bytes", p.sentBytes,
			"recv_bytes", p.recvBytes,
			"last_handshake", p.lastHandshake,
			"has_current", p.sessions.current != nil,
			"has_previous", p.sessions.previous != nil,
			"has_pending_next", p.sessions.next != nil,
			"queue_depth", p.queue.len(),
		)
	}
}
