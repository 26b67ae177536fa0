// Package main hosts the framerelay CLI.
//
// Commands load configuration once through commandContext, then build the
// remote client, job journal, and orchestrator they need. replicate is the
// only long-running command; it runs under an oklog/run group so a signal
// cancels in-flight remote tasks before the process exits.
package main
