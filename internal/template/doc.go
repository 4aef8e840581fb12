// Package template renders Jinja-style templates against the live
// state machine.
//
// The engine implements the expression subset the hub needs: output
// blocks, if/elif/else, for loops, set statements, filters, tests,
// and the hub's function surface (states, is_state, now, distance and
// friends). Rendering is deterministic: the same template, state
// snapshot, and variables always produce the same output, which
// requires sorted iteration wherever the underlying Go type has no
// order of its own.
//
// Values follow Python semantics where templates observe them:
// True/False/None render capitalized, integer results render without
// a decimal part, and datetime values expose .year, .strftime and
// arithmetic with timedeltas.
package template
