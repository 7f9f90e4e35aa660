// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package stats

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

func processTags() map[string]string {
	rss, threads, err := getProcStatus()
	if err != nil {
		// This isn't critical, so we just log.
		slog.Debug("failed to read process status", "err", err)
		return nil
	}
	return map[string]string{
		"proxycore_linux_vm_rss":  rss,
		"proxycore_linux_threads": threads,
	}
}

// See [1] for details about the /proc/self/status file.
//
// [1] https://man7.org/linux/man-pages/man5/proc_pid_status.5.html
func getProcStatus() (string, string, error) {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return "", "", fmt.Errorf("read /proc/self/status: %w", err)
	}

	var rss, threads string
	for _, l := range strings.Split(string(b), "\n") {
		words := strings.Fields(l)
		if len(words) < 2 {
			continue
		}

		value := strings.Join(words[1:], " ")
		switch words[0] {
		case "VmRSS:":
			rss = value
		case "Threads:":
			threads = value
		}
	}
	return rss, threads, nil
}
