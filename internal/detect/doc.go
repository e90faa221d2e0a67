// Package detect holds modbot's abuse heuristics.
//
// Detectors are plain structs with an Inspect method returning a Verdict.
// They talk to the outside world only through the ports declared in this
// package (ActivityWindowQuery, ModerationActuator, DuplicateFinder) so they
// can run on the dispatcher pool and be tested with fakes.
package detect
