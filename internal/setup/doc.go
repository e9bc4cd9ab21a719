// Package setup holds the host-level paths and checks kiln needs before a run.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
