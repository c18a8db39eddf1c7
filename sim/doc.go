/*
Package sim provides software-only instruments for demos, development and
tests: a Motor that moves at finite velocity, a multi-channel Scaler whose
responses follow a Gaussian of a linked motor position, and a Clock that
counts wall time.

The devices satisfy the capability interfaces in package device, so a
beamline can be stood up and scanned with no hardware attached.
*/
package sim
