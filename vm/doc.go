// Package vm implements the rcore evaluation engine.
//
// This package contains:
//   - Tagged-variant vector values and attributes
//   - Environment/frame chains
//   - Call-by-need promises with speculative (eager) forcing and deoptimization
//   - S3 and formal (S4-style) generic dispatch, NextMethod and callNextMethod
//   - Per-session runtime contexts sharing a process-wide method table
package vm
