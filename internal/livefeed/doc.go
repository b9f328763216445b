// Package livefeed fans device events out to connected listeners.
//
// The Hub holds a set of Listeners. Broadcast marshals a message once and
// offers it to a snapshot of that set; a listener whose Send fails is
// dropped, so one dead connection never holds up the rest. There is no
// ordering across listeners and no replay for late joiners.
package livefeed
