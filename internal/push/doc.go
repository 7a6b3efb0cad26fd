// Package push implements the real-time notification delivery core.
//
// One Session per connected user lives in the Registry. The Router consumes the
// bus pattern subscription and hands envelopes to the session that owns the
// addressed user on this instance; every other instance drops them. The
// LivenessMonitor pings idle sessions and evicts silent ones, and the
// CleanupSweeper removes entries whose socket already closed. Server ties them
// together and owns shutdown.
package push
