package main

import (
	"github.com/cuemby/rimio/pkg/rimerr"
)

// exitCodeFor maps a top-level command failure to the process exit codes
// operators script against: 0 normal, 1 config error, 2 bootstrap race
// lost, 3 unrecoverable storage error, 1 for anything else unclassified.
func exitCodeFor(err error) int {
	kind, ok := rimerr.Of(err)
	if !ok {
		return 1
	}
	switch kind {
	case rimerr.KindConfig:
		return 1
	case rimerr.KindBootstrap:
		return 2
	case rimerr.KindStorage:
		return 3
	default:
		return 1
	}
}
