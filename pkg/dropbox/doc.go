// Package dropbox defines the contract between the registration pipeline
// and the user logic that decides what an incoming unit becomes.
//
// A Program is either native (registered by name with Register) or
// scripted (see package script). Hooks a program leaves out return
// ErrNotImplemented, and the pipeline then applies its default for that
// hook.
package dropbox
