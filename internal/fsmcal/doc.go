// Package fsmcal holds the records shared by the fast-steering-mirror
// calibration pipeline: the run Config, the measurement Trace, the
// resulting AxisCalibration and the failure taxonomy.
//
// The pipeline itself lives in the subpackages: signal generates command
// waveforms, fit extracts sinusoids from centroid channels, transform
// builds and inverts the 2×2 map, verify scores a calibration against a
// trace, store persists records and executor sequences a run against an
// Actuator and a Camera.
package fsmcal
