package main

import (
	"errors"

	"github.com/Bidon15/popdeploy/internal/deploy"
)

const (
	exitOK        = 0
	exitStep      = 1
	exitRun       = 2
	exitCancelled = 130
)

// errMissingCode is returned by verify when a confirmed contract has no code.
var errMissingCode = errors.New("contract code missing")

// exitCode maps an error to the process exit status: a failed step or a
// failed verification is 1, cancellation is 130 and everything else, such as
// bad configuration or an unreachable node, is 2.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if deploy.IsCancelled(err) {
		return exitCancelled
	}
	var stepErr *deploy.StepError
	if errors.As(err, &stepErr) || errors.Is(err, errMissingCode) {
		return exitStep
	}
	return exitRun
}
