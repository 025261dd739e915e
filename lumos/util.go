package lumos

import (
	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// WarnLogPrefix marks recoverable problems in the log, such as skipped targets or calls.
const WarnLogPrefix = "WARN: "

// limitedGroup returns an errgroup running at most limit goroutines, a limit below one is treated as one.
func limitedGroup(limit int) *errgroup.Group {
	group := &errgroup.Group{}
	group.SetLimit(max(1, limit))
	return group
}
